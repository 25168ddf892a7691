// Package autopost publishes a random unpublished item at an interval derived
// from the daily quota.
package autopost

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"

	"cinebot/internal/catalog"
	"cinebot/internal/publish"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

const (
	DefaultQuota   = 4
	DefaultBackoff = 60 * time.Second
	day            = 24 * time.Hour
)

// Interval is 24h divided by quota. A non-positive quota uses def, and a
// non-positive def uses DefaultQuota.
func Interval(quota, def int) time.Duration {
	if def <= 0 {
		def = DefaultQuota
	}
	if quota <= 0 {
		quota = def
	}
	return day / time.Duration(quota)
}

// QuotaSource returns the current daily quota. settings.Store implements it.
type QuotaSource interface {
	DailyItemQuota(ctx context.Context) (int, bool, error)
	DefaultItemQuota() int
}

type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (kit.PostRef, error)
}

type Lister interface {
	ListUnpublished(ctx context.Context) ([]catalog.Item, error)
}

type Config struct {
	Backoff time.Duration
}

type Scheduler struct {
	quota QuotaSource
	items Lister
	pub   Publisher
	clk   clock.Clock
	log   logx.Logger

	backoff time.Duration

	mu  sync.Mutex
	rnd *rand.Rand

	// slept observes every armed wait; used by tests.
	slept func(time.Duration)
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clk = c } }

func WithRand(r *rand.Rand) Option { return func(s *Scheduler) { s.rnd = r } }

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }

func New(q QuotaSource, items Lister, pub Publisher, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{quota: q, items: items, pub: pub, backoff: cfg.Backoff}
	for _, o := range opts {
		o(s)
	}
	if s.backoff <= 0 {
		s.backoff = DefaultBackoff
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Run loops until ctx is cancelled. A failing cycle waits the backoff and
// the loop carries on.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("autopost started")
	for {
		wait, err := s.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("autopost cycle failed", logx.Err(err), logx.Duration("backoff", s.backoff))
			wait = s.backoff
		}
		t := s.clk.Timer(wait)
		if s.slept != nil {
			s.slept(wait)
		}
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("autopost stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunCycle publishes one random unpublished item now. It returns the item id,
// 0 when nothing is pending.
func (s *Scheduler) RunCycle(ctx context.Context) (int64, error) {
	items, err := s.items.ListUnpublished(ctx)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	it := items[s.rnd.IntN(len(items))]
	s.mu.Unlock()

	if _, err := s.pub.Publish(ctx, publish.Request{ExternalID: it.ExternalID, Surface: kit.SurfacePrimary, Reason: "autopost"}); err != nil {
		return it.ExternalID, err
	}
	return it.ExternalID, nil
}

// NextInterval reads the quota and returns the wait after a cycle.
func (s *Scheduler) NextInterval(ctx context.Context) (time.Duration, error) {
	q, _, err := s.quota.DailyItemQuota(ctx)
	if err != nil {
		return 0, err
	}
	return Interval(q, s.quota.DefaultItemQuota()), nil
}

func (s *Scheduler) cycle(ctx context.Context) (time.Duration, error) {
	interval, err := s.NextInterval(ctx)
	if err != nil {
		return 0, err
	}
	id, err := s.RunCycle(ctx)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		s.log.Debug("nothing to autopost", logx.Duration("next", interval))
	} else {
		s.log.Info("autopost published", logx.Int64("item", id), logx.Duration("next", interval))
	}
	return interval, nil
}
