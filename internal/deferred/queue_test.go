package deferred

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/require"

	"cinebot/internal/errs"
	"cinebot/internal/publish"
	"cinebot/internal/runtime/supervisor"
	kit "cinebot/internal/transport"
)

type recorder struct {
	mu    sync.Mutex
	calls []publish.Request
	fail  map[int64]bool
}

func (r *recorder) Publish(_ context.Context, req publish.Request) (kit.PostRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.fail[req.ExternalID] {
		return kit.PostRef{}, errs.Transient(nil, "down")
	}
	return kit.PostRef{Surface: kit.SurfacePrimary, MessageID: len(r.calls)}, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func startQueue(t *testing.T, pub Publisher) (*Queue, *clock.Mock, chan Task) {
	t.Helper()
	clk := clock.NewMock()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sup.Stop(ctx)
	})
	q := New(pub, sup, Options{Clock: clk})
	armed := make(chan Task, 8)
	q.onArmed = func(t Task) { armed <- t }
	sup.Go("deferred.drain", q.Run)
	return q, clk, armed
}

func TestFiresExactlyOnceAfterDelay(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q, clk, armed := startQueue(t, rec)

	task, err := q.Enqueue(42, 1800*time.Second, 7)
	require.NoError(t, err)
	require.Equal(t, task.ID, (<-armed).ID)
	require.Len(t, q.Pending(), 1)
	require.True(t, q.Pending()[0].Armed)

	clk.Add(1799 * time.Second)
	require.Zero(t, rec.count())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(q.Pending()) == 0 }, 2*time.Second, 5*time.Millisecond)

	clk.Add(time.Hour)
	require.Equal(t, 1, rec.count())
	rec.mu.Lock()
	require.Equal(t, int64(42), rec.calls[0].ExternalID)
	require.Equal(t, int64(7), rec.calls[0].ActorID)
	rec.mu.Unlock()
}

func TestUnitsAreIndependent(t *testing.T) {
	t.Parallel()
	rec := &recorder{fail: map[int64]bool{1: true}}
	q, clk, armed := startQueue(t, rec)

	_, err := q.Enqueue(1, time.Minute, 0)
	require.NoError(t, err)
	_, err = q.Enqueue(2, 2*time.Minute, 0)
	require.NoError(t, err)
	<-armed
	<-armed

	clk.Add(2 * time.Minute)
	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	// The drain loop keeps serving after a failure.
	_, err = q.Enqueue(3, 0, 0)
	require.NoError(t, err)
	<-armed
	require.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	q := New(rec, nil, Options{Clock: clock.NewMock()})
	task, err := q.Enqueue(5, time.Minute, 0)
	require.NoError(t, err)
	require.True(t, q.Cancel(task.ID))
	require.False(t, q.Cancel(task.ID))
	require.Empty(t, q.Pending())

	q2, clk, armed := startQueue(t, rec)
	task, err = q2.Enqueue(6, time.Minute, 0)
	require.NoError(t, err)
	<-armed
	require.True(t, q2.Cancel(task.ID))
	clk.Add(time.Hour)
	require.Zero(t, rec.count())
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	q := New(&recorder{}, nil, Options{})
	_, err := q.Enqueue(1, -time.Second, 0)
	require.True(t, errs.IsInvariant(err))
	_, err = q.Enqueue(0, time.Second, 0)
	require.True(t, errs.IsInvariant(err))
}
