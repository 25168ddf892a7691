package publish

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/runtime/supervisor"
	"cinebot/internal/storage"
	kit "cinebot/internal/transport"
	"cinebot/internal/transport/transporttest"
	logx "cinebot/pkg/logx"
)

type fakeDetails struct {
	mu  sync.Mutex
	det map[int64]catalog.Detail
}

func (f *fakeDetails) Resolve(_ context.Context, id int64) (*catalog.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.det[id]
	if !ok {
		return nil, errs.Transient(nil, "upstream down")
	}
	return &d, nil
}

type fixture struct {
	db  *storage.SQLite
	pub *transporttest.Publisher
	bus eventbus.Bus
	clk *clock.Mock
	sup *supervisor.Supervisor
	p   *Pipeline
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "p.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:  db,
		pub: transporttest.NewPublisher(),
		bus: eventbus.New(),
		clk: clock.NewMock(),
		sup: supervisor.New(context.Background()),
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.sup.Stop(ctx)
	})
	details := &fakeDetails{det: map[int64]catalog.Detail{
		42: {ExternalID: 42, Title: "X", Synopsis: "Algo pasa.", ReleaseDate: "2001-01-01", Score: 7.25, PosterURL: "https://img/x.jpg"},
	}}
	f.p = New(Deps{
		Store:     db,
		Details:   details,
		Publisher: f.pub,
		Bus:       f.bus,
		Audit:     db,
		Spawner:   f.sup,
		Clock:     f.clk,
		Log:       logx.Nop(),
	}, cfg)
	return f
}

func (f *fixture) add(t *testing.T, it catalog.Item) {
	t.Helper()
	require.NoError(t, f.db.Upsert(context.Background(), it))
}

func TestPublishReplacesPreviousPost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.add(t, catalog.Item{ExternalID: 42, Title: "X", ExternalLink: "http://a"})

	var last kit.PostRef
	for range 3 {
		ref, err := f.p.Publish(ctx, Request{ExternalID: 42})
		require.NoError(t, err)
		last = ref
	}
	require.Equal(t, 1, f.pub.Live(kit.SurfacePrimary))
	require.Len(t, f.pub.Deleted(), 2)

	it, err := f.db.Get(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, last, *it.PrimaryPost)
	require.Equal(t, "Algo pasa.", it.Synopsis)

	sent := f.pub.Sent()
	require.Equal(t, "https://img/x.jpg", sent[0].Post.PhotoURL)
	require.Equal(t, "http://a", sent[0].Post.Buttons[0][0].URL)
}

func TestPublishDeleteFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.add(t, catalog.Item{ExternalID: 42, Title: "X"})
	_, err := f.p.Publish(ctx, Request{ExternalID: 42})
	require.NoError(t, err)

	f.pub.FailDelete = true
	_, err = f.p.Publish(ctx, Request{ExternalID: 42})
	require.NoError(t, err)
	require.Equal(t, 2, f.pub.SentTo(kit.SurfacePrimary))
}

func TestSendFailureKeepsRefs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.add(t, catalog.Item{ExternalID: 42, Title: "X"})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	first, err := f.p.Publish(ctx, Request{ExternalID: 42})
	require.NoError(t, err)
	require.Equal(t, eventbus.PostPublished, (<-events).Type)

	f.pub.SetFailSend(kit.SurfacePrimary, true)
	_, err = f.p.Publish(ctx, Request{ExternalID: 42, ActorID: 9})
	require.True(t, errs.IsTransient(err))
	require.Equal(t, eventbus.PostFailed, (<-events).Type)

	it, err := f.db.Get(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, first, *it.PrimaryPost)

	audit, err := f.db.RecentAudit(ctx, 5)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.False(t, audit[0].OK)
	require.Equal(t, int64(9), audit[0].ActorID)
}

func TestPublishWithoutDetail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})

	_, err := f.p.Publish(ctx, Request{ExternalID: 7})
	require.True(t, errs.IsNotFound(err))

	// Never resolved: cannot publish yet.
	f.add(t, catalog.Item{ExternalID: 7, Title: "Sin datos"})
	_, err = f.p.Publish(ctx, Request{ExternalID: 7})
	require.True(t, errs.IsTransient(err))
	require.Zero(t, f.pub.SentTo(kit.SurfacePrimary))

	// Cached display fields are enough.
	f.add(t, catalog.Item{ExternalID: 8, Title: "Manual", Synopsis: "Cargada a mano", Score: 6})
	_, err = f.p.Publish(ctx, Request{ExternalID: 8})
	require.NoError(t, err)
	require.Contains(t, f.pub.Sent()[0].Post.Text, "Cargada a mano")
}

func TestConcurrentPublishKeepsOneLivePost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.add(t, catalog.Item{ExternalID: 42, Title: "X"})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.Publish(ctx, Request{ExternalID: 42})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, f.pub.Live(kit.SurfacePrimary))
	it, err := f.db.Get(ctx, 42)
	require.NoError(t, err)
	sent := f.pub.Sent()
	require.Equal(t, sent[len(sent)-1].Ref, *it.PrimaryPost)
}

func TestMirrorAfterSettleDelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{Mirror: true, MirrorDelay: 5 * time.Second, PrimaryURL: "https://t.me/cine"})
	armed := make(chan struct{}, 4)
	f.p.mirrorArmed = func() { armed <- struct{}{} }
	f.add(t, catalog.Item{ExternalID: 42, Title: "X"})

	ref, err := f.p.Publish(ctx, Request{ExternalID: 42})
	require.NoError(t, err)
	<-armed
	require.Zero(t, f.pub.SentTo(kit.SurfaceMirror))

	f.clk.Add(5 * time.Second)
	require.Eventually(t, func() bool {
		it, err := f.db.Get(ctx, 42)
		return err == nil && it.MirrorPost != nil
	}, 2*time.Second, 5*time.Millisecond)
	mirror := f.pub.Sent()[1]
	require.Equal(t, kit.SurfaceMirror, mirror.Ref.Surface)
	require.Equal(t, "https://t.me/cine/"+strconv.Itoa(ref.MessageID), mirror.Post.Buttons[0][0].URL)

	_, err = f.p.Publish(ctx, Request{ExternalID: 42})
	require.NoError(t, err)
	<-armed
	f.clk.Add(5 * time.Second)
	require.Eventually(t, func() bool { return f.pub.SentTo(kit.SurfaceMirror) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.pub.Live(kit.SurfaceMirror) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.pub.Live(kit.SurfacePrimary))
}

func TestMirrorFailureKeepsPrimary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{Mirror: true})
	f.pub.SetFailSend(kit.SurfaceMirror, true)
	f.add(t, catalog.Item{ExternalID: 42, Title: "X"})

	_, err := f.p.Publish(ctx, Request{ExternalID: 42})
	require.NoError(t, err)
	require.NoError(t, f.sup.Wait(ctx))

	it, err := f.db.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, it.PrimaryPost)
	require.Nil(t, it.MirrorPost)
}

func TestNotifyRequester(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.add(t, catalog.Item{ExternalID: 42, Title: "X"})

	ref, err := f.p.Publish(ctx, Request{ExternalID: 42, NotifyUser: 555})
	require.NoError(t, err)
	n := f.pub.Notices()
	require.Len(t, n, 1)
	require.Equal(t, int64(555), n[0].UserID)
	require.Contains(t, n[0].Text, "https://t.me/c/1000/"+strconv.Itoa(ref.MessageID))
}

func TestRetireClearsRefs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.add(t, catalog.Item{ExternalID: 42, Title: "X"})
	_, err := f.p.Publish(ctx, Request{ExternalID: 42})
	require.NoError(t, err)

	require.NoError(t, f.p.Retire(ctx, 42))
	require.Zero(t, f.pub.Live(kit.SurfacePrimary))
	un, err := f.db.ListUnpublished(ctx)
	require.NoError(t, err)
	require.Len(t, un, 1)
}

func TestRemoveRacingPublishLeavesNothingLive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.add(t, catalog.Item{ExternalID: 42, Title: "X"})
	_, err := f.p.Publish(ctx, Request{ExternalID: 42})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Publishes that run after the removal see a missing item.
			_, _ = f.p.Publish(ctx, Request{ExternalID: 42, Reason: "autopost"})
		}()
	}
	require.NoError(t, f.p.Remove(ctx, 42))
	wg.Wait()

	_, err = f.db.Get(ctx, 42)
	require.True(t, errs.IsNotFound(err))
	require.Zero(t, f.pub.Live(kit.SurfacePrimary))

	require.True(t, errs.IsNotFound(f.p.Remove(ctx, 42)))
}
