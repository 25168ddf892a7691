// Package settings exposes operator-tunable settings and date-scoped
// counters on top of a key/value backend.
package settings

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/filecoin-project/go-clock"

	"cinebot/internal/errs"
)

const (
	KeyDailyItemQuota      = "daily_item_quota"
	KeyDailyAncillaryQuota = "daily_ancillary_quota"

	DefaultDailyItemQuota      = 4
	DefaultDailyAncillaryQuota = 6

	periodLayout = "2006-01-02"
)

// Backend is the durable store behind Store. storage.SQLite implements it.
type Backend interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	IncrementCounter(ctx context.Context, name, key, period string) (int, error)
	GetCounter(ctx context.Context, name, key, period string) (int, error)
}

type Options struct {
	// Location decides where a day starts. Nil means UTC.
	Location *time.Location
	Clock    clock.Clock

	DefaultItemQuota      int
	DefaultAncillaryQuota int
}

type Store struct {
	b   Backend
	loc *time.Location
	clk clock.Clock

	defItem      int
	defAncillary int
}

func New(b Backend, opts Options) *Store {
	s := &Store{
		b:            b,
		loc:          opts.Location,
		clk:          opts.Clock,
		defItem:      opts.DefaultItemQuota,
		defAncillary: opts.DefaultAncillaryQuota,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.defItem <= 0 {
		s.defItem = DefaultDailyItemQuota
	}
	if s.defAncillary <= 0 {
		s.defAncillary = DefaultDailyAncillaryQuota
	}
	return s
}

// Period returns today's period key in the configured location.
func (s *Store) Period() string { return s.clk.Now().In(s.loc).Format(periodLayout) }

// DailyItemQuota returns the stored quota. A missing, unparsable or
// non-positive value yields the default; ok reports whether the stored value
// was used.
func (s *Store) DailyItemQuota(ctx context.Context) (n int, ok bool, err error) {
	return s.quota(ctx, KeyDailyItemQuota, s.defItem)
}

func (s *Store) SetDailyItemQuota(ctx context.Context, n int) error {
	return s.setQuota(ctx, KeyDailyItemQuota, n)
}

func (s *Store) DailyAncillaryQuota(ctx context.Context) (int, bool, error) {
	return s.quota(ctx, KeyDailyAncillaryQuota, s.defAncillary)
}

func (s *Store) SetDailyAncillaryQuota(ctx context.Context, n int) error {
	return s.setQuota(ctx, KeyDailyAncillaryQuota, n)
}

func (s *Store) DefaultItemQuota() int { return s.defItem }

func (s *Store) quota(ctx context.Context, key string, def int) (int, bool, error) {
	raw, found, err := s.b.GetSetting(ctx, key)
	if err != nil {
		return def, false, errors.Wrapf(err, "read %s", key)
	}
	if !found {
		return def, false, nil
	}
	n, perr := strconv.Atoi(strings.TrimSpace(raw))
	if perr != nil || n <= 0 {
		return def, false, nil
	}
	return n, true, nil
}

func (s *Store) setQuota(ctx context.Context, key string, n int) error {
	if n < 0 {
		return errs.Invariantf("%s must be >= 0, got %d", key, n)
	}
	return s.b.SetSetting(ctx, key, strconv.Itoa(n))
}

// Counter returns the date-scoped counter called name.
func (s *Store) Counter(name string) *Counter { return &Counter{s: s, name: name} }

// Counter counts events per key within the current day. A new day starts at
// zero without any rollover job: the period is part of the key.
type Counter struct {
	s    *Store
	name string
}

func (c *Counter) Name() string { return c.name }

func (c *Counter) Get(ctx context.Context, key string) (int, error) {
	return c.s.b.GetCounter(ctx, c.name, key, c.s.Period())
}

// Incr adds one and returns the new count for today.
func (c *Counter) Incr(ctx context.Context, key string) (int, error) {
	return c.s.b.IncrementCounter(ctx, c.name, key, c.s.Period())
}
