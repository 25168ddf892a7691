package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix scopes secret overrides, e.g. CINEBOT_TELEGRAM_TOKEN.
const EnvPrefix = "cinebot"

// secrets are read from the environment and win over file values when set.
type secrets struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	TMDBAPIKey    string `envconfig:"TMDB_API_KEY"`
	TraktClientID string `envconfig:"TRAKT_CLIENT_ID"`
	OpsToken      string `envconfig:"OPS_TOKEN"`
}

func applyEnv(cfg *Config) error {
	var s secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, s.TelegramToken)
	set(&cfg.TMDB.APIKey, s.TMDBAPIKey)
	set(&cfg.Trakt.ClientID, s.TraktClientID)
	set(&cfg.Ops.Token, s.OpsToken)
	return nil
}
