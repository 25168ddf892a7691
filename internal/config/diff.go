package config

import (
	"reflect"

	logx "cinebot/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ between two configs,
// plus log-safe fields describing the new values. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	oldTG, newTG := oldCfg.Telegram, newCfg.Telegram
	oldTG.Token, newTG.Token = "", ""
	if !reflect.DeepEqual(oldTG, newTG) || oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.log_chat_set", newCfg.Telegram.LogChat != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		attrs = append(attrs, logx.Int64("publisher.primary_chat_id", newCfg.Publisher.PrimaryChatID))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.auto_post", newCfg.Scheduler.AutoPost),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Deferred, newCfg.Deferred) {
		changed = append(changed, "deferred")
	}
	if oldCfg.Limits != newCfg.Limits {
		changed = append(changed, "limits")
		attrs = append(attrs,
			logx.Int("limits.item_daily_cap", newCfg.Limits.ItemDailyCap),
			logx.Int("limits.user_daily_cap", newCfg.Limits.UserDailyCap),
		)
	}
	if oldCfg.Voting != newCfg.Voting {
		changed = append(changed, "voting")
		attrs = append(attrs, logx.Int("voting.threshold", newCfg.Voting.Threshold))
	}
	if !reflect.DeepEqual(oldCfg.Ancillary, newCfg.Ancillary) {
		changed = append(changed, "ancillary")
		attrs = append(attrs, logx.Bool("ancillary.enabled", newCfg.Ancillary.Enabled))
	}
	oldT, newT := oldCfg.TMDB, newCfg.TMDB
	oldT.APIKey, newT.APIKey = "", ""
	if oldT != newT || oldCfg.TMDB.APIKey != newCfg.TMDB.APIKey || oldCfg.Trakt != newCfg.Trakt {
		changed = append(changed, "catalog")
	}
	oldO, newO := oldCfg.Ops, newCfg.Ops
	oldO.Token, newO.Token = "", ""
	if oldO != newO || (oldCfg.Ops.Token != "") != (newCfg.Ops.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	return changed, attrs
}
