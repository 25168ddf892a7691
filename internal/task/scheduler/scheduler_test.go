package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"cinebot/internal/errs"
	logx "cinebot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 4h", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.kind, got.Kind)
			require.Equal(t, tt.source, got.Source)
			if tt.kind == SpecInterval {
				require.Equal(t, tt.duration, got.Every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:", "00:00", "-5m"} {
		_, err := ParseSchedule(raw)
		require.Error(t, err, raw)
		require.True(t, errs.IsInvariant(err), raw)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	require.NoError(t, err)
	require.Equal(t, 23, h)
	require.Equal(t, 15, m)

	_, _, err = parseHHMM("24:00")
	require.Error(t, err)
}

func TestRegisterReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())

	var first, second atomic.Int32
	_, err := s.AddSchedule("ancillary", "@every 4h", time.Minute, func(context.Context) error {
		first.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = s.AddSchedule("ancillary", "2h", time.Minute, func(context.Context) error {
		second.Add(1)
		return nil
	})
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, "@every 2h0m0s", snap.Schedules[0].Spec)

	require.NoError(t, s.RunNow(context.Background(), "ancillary"))
	require.Zero(t, first.Load())
	require.Equal(t, int32(1), second.Load())

	require.True(t, s.Remove("ancillary"))
	require.False(t, s.Remove("ancillary"))
	require.True(t, errs.IsNotFound(s.RunNow(context.Background(), "ancillary")))
}

func TestRejectsBadRegistrations(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }

	_, err := s.AddCron("x", "61 * * * *", 0, noop)
	require.Error(t, err)
	_, err = s.AddInterval("x", 0, 0, noop)
	require.Error(t, err)
	_, err = s.AddSchedule(" ", "1h", 0, noop)
	require.Error(t, err)
	_, err = s.AddSchedule("x", "1h", 0, nil)
	require.Error(t, err)
	_, err = s.AddDaily("x", "9:75", 0, noop)
	require.Error(t, err)
	require.Empty(t, s.Snapshot().Schedules)
}

func TestRunNowSkipsOverlapAndRecordsHistory(t *testing.T) {
	t.Parallel()
	s := New(Config{HistorySize: 2}, logx.Nop())

	release := make(chan struct{})
	entered := make(chan struct{})
	_, err := s.AddInterval("slow", time.Hour, time.Second, func(ctx context.Context) error {
		close(entered)
		<-release
		return errors.New("boom")
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-entered

	require.ErrorIs(t, s.RunNow(context.Background(), "slow"), ErrSkipped)
	close(release)
	require.EqualError(t, <-done, "boom")

	hist := s.Snapshot().History
	require.Len(t, hist, 2)
	require.Equal(t, "boom", hist[0].Err)
	require.True(t, hist[1].Skipped)
}

func TestRunNowAppliesTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{DefaultTimeout: 20 * time.Millisecond}, logx.Nop())
	_, err := s.AddInterval("wait", time.Hour, 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.ErrorIs(t, s.RunNow(context.Background(), "wait"), context.DeadlineExceeded)
}

func TestStartTriggersCron(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, logx.Nop())
	var n atomic.Int32
	_, err := s.AddCron("tick", "* * * * * *", time.Second, func(context.Context) error {
		n.Add(1)
		return nil
	})
	require.NoError(t, err)

	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	require.True(t, s.Snapshot().Running)
	require.Eventually(t, func() bool { return n.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	snap := s.Snapshot()
	require.Equal(t, "UTC", snap.Timezone)
	require.False(t, snap.Schedules[0].Next.IsZero())
}

func TestDisabledStartDoesNotTrigger(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	require.False(t, s.Snapshot().Running)
	s.Stop(context.Background())
}
