package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"cinebot/internal/ancillary"
	"cinebot/internal/autopost"
	"cinebot/internal/bot"
	"cinebot/internal/config"
	"cinebot/internal/deferred"
	"cinebot/internal/observability/ops"
	"cinebot/internal/publish"
	"cinebot/internal/storage"
	"cinebot/internal/task/scheduler"
	"cinebot/internal/tmdb"
	"cinebot/internal/voting"
	logx "cinebot/pkg/logx"
)

// mapped holds every component config derived from one config file, so a
// reload either applies completely or not at all.
type mapped struct {
	loc       *time.Location
	storage   storage.Config
	pollTime  time.Duration
	logs      logx.Config
	publish   publish.Config
	autopost  autopost.Config
	deferred  deferred.Options
	voteDur   time.Duration
	bot       bot.Config
	ancillary ancillary.Config
	scheduler scheduler.Config
	tmdb      tmdb.Config
	ops       ops.Config
	itemCap   int
	userCap   int
	defItem   int
	defAncill int
}

func mapConfig(cfg *config.Config) (*mapped, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	var (
		m   = &mapped{}
		err error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return def
		}
		var d time.Duration
		d, err = config.Duration(path, raw, def)
		return d
	}

	m.loc = time.UTC
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, lerr := time.LoadLocation(tz)
		if lerr != nil {
			return nil, errors.Wrapf(lerr, "scheduler.timezone: invalid %q", tz)
		}
		m.loc = loc
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
	default:
		return nil, errors.Newf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return nil, errors.New("storage.path is required")
	}
	m.storage = storage.Config{Driver: "sqlite", Path: strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: dur("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)}

	m.pollTime = dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)

	if cfg.Publisher.PrimaryChatID == 0 {
		return nil, errors.New("publisher.primary_chat_id is required")
	}
	m.publish = publish.Config{
		Mirror:         cfg.Publisher.MirrorChatID != 0,
		MirrorDelay:    dur("publisher.mirror_delay", cfg.Publisher.MirrorDelay, time.Second),
		SynopsisBudget: cfg.Publisher.SynopsisBudget,
		PrimaryURL:     strings.TrimSpace(cfg.Publisher.PrimaryURL),
		BotURL:         strings.TrimSpace(cfg.Publisher.BotURL),
		Timeout:        dur("publisher.timeout", cfg.Publisher.Timeout, time.Minute),
	}

	m.autopost = autopost.Config{Backoff: dur("scheduler.error_backoff", cfg.Scheduler.ErrorBackoff, autopost.DefaultBackoff)}
	m.deferred = deferred.Options{PollInterval: dur("deferred.poll_interval", cfg.Deferred.PollInterval, deferred.DefaultPollInterval)}
	m.voteDur = dur("voting.duration", cfg.Voting.Duration, voting.DefaultDuration)

	if cfg.Limits.ItemDailyCap < 0 || cfg.Limits.UserDailyCap < 0 {
		return nil, errors.New("limits caps must be >= 0")
	}
	m.itemCap, m.userCap = cfg.Limits.ItemDailyCap, cfg.Limits.UserDailyCap
	m.defItem, m.defAncill = cfg.Scheduler.DefaultDailyQuota, cfg.Ancillary.DefaultDailyQuota

	presets := make([]time.Duration, 0, len(cfg.Deferred.Presets))
	for i, raw := range cfg.Deferred.Presets {
		if d := dur(fmt.Sprintf("deferred.presets[%d]", i), raw, 0); d > 0 {
			presets = append(presets, d)
		}
	}

	m.bot = bot.Config{
		Owners:         cfg.Telegram.OwnerUserIDs,
		VoteCandidates: cfg.Voting.Candidates,
		VoteThreshold:  cfg.Voting.Threshold,
		VoteDuration:   m.voteDur,
		DelayPresets:   presets,
		Location:       m.loc,
	}

	memes, merr := parseMemes(cfg.Ancillary.Memes)
	if merr != nil {
		return nil, merr
	}
	sched := strings.TrimSpace(cfg.Ancillary.Schedule)
	if sched == "" {
		sched = ancillary.DefaultSchedule
	}
	if _, perr := scheduler.ParseSchedule(sched); perr != nil {
		return nil, errors.Wrap(perr, "ancillary.schedule")
	}
	m.ancillary = ancillary.Config{Enabled: cfg.Ancillary.Enabled, Schedule: sched, Memes: memes}
	m.scheduler = scheduler.Config{Enabled: true, Timezone: cfg.Scheduler.Timezone, DefaultTimeout: 2 * time.Minute}

	m.tmdb = tmdb.Config{
		APIKey:        cfg.TMDB.APIKey,
		BaseURL:       cfg.TMDB.BaseURL,
		ImageBaseURL:  cfg.TMDB.ImageBaseURL,
		Language:      cfg.TMDB.Language,
		Timeout:       dur("tmdb.timeout", cfg.TMDB.Timeout, 10*time.Second),
		RatePerSec:    float64(cfg.TMDB.RatePerSec),
		CacheSize:     cfg.TMDB.CacheSize,
		CacheTTL:      dur("tmdb.cache_ttl", cfg.TMDB.CacheTTL, 6*time.Hour),
		TraktClientID: cfg.Trakt.ClientID,
		TraktBaseURL:  cfg.Trakt.BaseURL,
	}

	m.ops = ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		ReadTimeout:   dur("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second),
		IdleTimeout:   dur("ops.idle_timeout", cfg.Ops.IdleTimeout, time.Minute),
	}

	logChat, lerr := parseChatID("telegram.log_chat", cfg.Telegram.LogChat)
	if lerr != nil {
		return nil, lerr
	}
	m.logs = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && logChat != 0,
			ChatID:     logChat,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}

	if err != nil {
		return nil, err
	}
	return m, nil
}

// parseMemes reads "photo url | caption" entries.
func parseMemes(raw []string) ([]ancillary.Meme, error) {
	out := make([]ancillary.Meme, 0, len(raw))
	for i, r := range raw {
		u, caption, _ := strings.Cut(r, "|")
		u = strings.TrimSpace(u)
		if !strings.HasPrefix(u, "http") {
			return nil, errors.Newf("ancillary.memes[%d]: photo url required", i)
		}
		out = append(out, ancillary.Meme{PhotoURL: u, Caption: strings.TrimSpace(caption)})
	}
	return out, nil
}

func parseChatID(path, raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: invalid chat id %q", path, raw)
	}
	return id, nil
}
