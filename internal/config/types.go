package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"); they are parsed
// and defaulted by the app when mapped onto each component.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Publisher PublisherConfig `json:"publisher"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Deferred  DeferredConfig  `json:"deferred,omitempty"`
	Limits    LimitsConfig    `json:"limits,omitempty"`
	Voting    VotingConfig    `json:"voting,omitempty"`
	Ancillary AncillaryConfig `json:"ancillary,omitempty"`
	TMDB      TMDBConfig      `json:"tmdb"`
	Trakt     TraktConfig     `json:"trakt,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChat is the chat id receiving WARN+ log lines (string to allow "-100..." ids in YAML).
	LogChat     string `json:"log_chat,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cinebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PublisherConfig describes the two publication surfaces.
type PublisherConfig struct {
	PrimaryChatID int64 `json:"primary_chat_id"`
	// MirrorChatID receives link-only announcements; 0 disables mirroring.
	MirrorChatID   int64  `json:"mirror_chat_id,omitempty"`
	MirrorDelay    string `json:"mirror_delay,omitempty"` // default "1s"
	SynopsisBudget int    `json:"synopsis_budget,omitempty"`
	// PrimaryURL is the public link of the primary channel used in mirror posts.
	PrimaryURL string `json:"primary_url,omitempty"`
	// BotURL backs the "request another" button.
	BotURL  string `json:"bot_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type SchedulerConfig struct {
	Timezone          string `json:"timezone,omitempty"` // IANA TZ; day boundaries for counters
	AutoPost          bool   `json:"auto_post"`
	DefaultDailyQuota int    `json:"default_daily_quota,omitempty"` // default 4
	ErrorBackoff      string `json:"error_backoff,omitempty"`       // default "60s"
}

type DeferredConfig struct {
	PollInterval string   `json:"poll_interval,omitempty"` // default "60s"
	Presets      []string `json:"presets,omitempty"`       // default ["30m","1h","3h","6h"]
}

type LimitsConfig struct {
	ItemDailyCap int `json:"item_daily_cap,omitempty"` // default 3
	UserDailyCap int `json:"user_daily_cap,omitempty"` // default 5
}

type VotingConfig struct {
	Threshold  int    `json:"threshold,omitempty"`  // default 5
	Duration   string `json:"duration,omitempty"`   // default "10m"
	Candidates int    `json:"candidates,omitempty"` // default 3
}

type AncillaryConfig struct {
	Enabled           bool     `json:"enabled"`
	Schedule          string   `json:"schedule,omitempty"`            // default "@every 4h"
	DefaultDailyQuota int      `json:"default_daily_quota,omitempty"` // default 6
	Memes             []string `json:"memes,omitempty"`
}

type TMDBConfig struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url,omitempty"`
	ImageBaseURL string `json:"image_base_url,omitempty"`
	Language     string `json:"language,omitempty"` // default "es-ES"
	Timeout      string `json:"timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	CacheSize    int    `json:"cache_size,omitempty"`
	CacheTTL     string `json:"cache_ttl,omitempty"`
}

type TraktConfig struct {
	ClientID string `json:"client_id,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// OpsConfig controls the optional metrics/health/pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback bind needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9102"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
