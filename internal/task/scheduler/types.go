package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "cinebot/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ, e.g. "Europe/Madrid"
	DefaultTimeout time.Duration
	HistorySize    int
}

// Job is the unit a schedule runs. It receives a context bounded by the schedule timeout.
type Job func(ctx context.Context) error

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	// base is canceled by Stop; every run derives from it.
	base   context.Context
	cancel context.CancelFunc

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	running sync.Map // name -> struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

type ScheduleInfo struct {
	ID      string
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

// HistoryItem records one finished run.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Err      string
	Skipped  bool
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Running   bool
	Schedules []ScheduleInfo
	History   []HistoryItem
}
