package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/require"

	"cinebot/internal/settings"
	"cinebot/internal/storage"
	logx "cinebot/pkg/logx"
)

func newLimiter(t *testing.T, itemCap, userCap int) (*Limiter, *clock.Mock) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "rl.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC))
	return New(settings.New(db, settings.Options{Clock: clk}), itemCap, userCap), clk
}

func TestItemCapLazyReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, clk := newLimiter(t, 3, 5)

	for range 3 {
		ok, err := l.TryItemRequest(ctx, 42)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := l.TryItemRequest(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)

	// Other items are unaffected.
	ok, err = l.TryItemRequest(ctx, 43)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Add(24 * time.Hour)
	ok, err = l.TryItemRequest(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConcurrentItemRequestsRespectCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newLimiter(t, 3, 5)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryItemRequest(ctx, 42)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 3, granted.Load())
}

func TestUserCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newLimiter(t, 0, 2)
	item, user := l.Caps()
	require.Equal(t, DefaultItemCap, item)
	require.Equal(t, 2, user)

	for range 2 {
		ok, err := l.TrySubmitRequest(ctx, 7)
		require.NoError(t, err)
		require.True(t, ok)
	}
	left, err := l.Remaining(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, left)
	ok, err := l.TrySubmitRequest(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)

	// The denied attempt is counted, so the raised cap leaves one slot.
	l.SetCaps(4, 4)
	ok, err = l.TrySubmitRequest(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
}
