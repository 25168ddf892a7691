package settings

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/require"

	"cinebot/internal/storage"
	logx "cinebot/pkg/logx"
)

func newStore(t *testing.T, clk clock.Clock, loc *time.Location) *Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, Options{Clock: clk, Location: loc})
}

func TestQuotaDefaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, clock.NewMock(), nil)

	n, ok, err := s.DailyItemQuota(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, DefaultDailyItemQuota, n)

	require.NoError(t, s.SetDailyItemQuota(ctx, 6))
	n, ok, err = s.DailyItemQuota(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 6, n)

	// Zero is storable but reads back as the default.
	require.NoError(t, s.SetDailyItemQuota(ctx, 0))
	n, ok, err = s.DailyItemQuota(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, DefaultDailyItemQuota, n)

	require.Error(t, s.SetDailyItemQuota(ctx, -1))

	a, _, err := s.DailyAncillaryQuota(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultDailyAncillaryQuota, a)
}

func TestCounterResetsPerDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewMock()
	loc := time.FixedZone("UTC-5", -5*3600)
	// 23:30 local on Oct 17.
	clk.Set(time.Date(2026, 10, 18, 4, 30, 0, 0, time.UTC))
	s := newStore(t, clk, loc)
	require.Equal(t, "2026-10-17", s.Period())

	c := s.Counter("item_requests")
	for i := 1; i <= 3; i++ {
		n, err := c.Incr(ctx, "42")
		require.NoError(t, err)
		require.Equal(t, i, n)
	}

	clk.Add(time.Hour)
	require.Equal(t, "2026-10-18", s.Period())
	n, err := c.Get(ctx, "42")
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = c.Incr(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
