package ancillary

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/filecoin-project/go-clock"
	"github.com/stretchr/testify/require"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/settings"
	"cinebot/internal/storage"
	"cinebot/internal/task/scheduler"
	kit "cinebot/internal/transport"
	"cinebot/internal/transport/transporttest"
	logx "cinebot/pkg/logx"
)

type fakeNews struct {
	items []catalog.Detail
	err   error
}

func (f fakeNews) Popular(context.Context) ([]catalog.Detail, error) { return f.items, f.err }

func newPoster(t *testing.T, news NewsSource, clk clock.Clock) (*Poster, *transporttest.Publisher, *settings.Store) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "anc.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := settings.New(db, settings.Options{Clock: clk})
	pub := transporttest.NewPublisher()
	p := New(Deps{Settings: st, News: news, Publisher: pub, Rand: rand.New(rand.NewPCG(7, 7))}, Config{Enabled: true})
	return p, pub, st
}

func TestPostStopsAtDailyQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	p, pub, st := newPoster(t, fakeNews{items: []catalog.Detail{{Title: "Dune", Synopsis: "Arena"}}}, clk)
	require.NoError(t, st.SetDailyAncillaryQuota(ctx, 2))

	for i := 1; i <= 2; i++ {
		res, err := p.Post(ctx)
		require.NoError(t, err)
		require.NotEqual(t, KindNone, res.Kind)
		require.Equal(t, i, res.Count)
	}
	res, err := p.Post(ctx)
	require.NoError(t, err)
	require.Equal(t, KindNone, res.Kind)
	require.Equal(t, 2, pub.SentTo(kit.SurfacePrimary))

	// Next day starts from zero.
	clk.Add(24 * time.Hour)
	res, err = p.Post(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	require.Equal(t, 3, pub.SentTo(kit.SurfacePrimary))
}

func TestNewsFallsBackToMeme(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, pub, _ := newPoster(t, fakeNews{err: errs.Transient(errors.New("down"), "popular")}, clock.NewMock())
	p.SetConfig(Config{Enabled: true, Memes: []Meme{{PhotoURL: "http://m/1.jpg", Caption: "a <b>"}}})

	for range 4 {
		res, err := p.Post(ctx)
		require.NoError(t, err)
		require.Equal(t, KindMeme, res.Kind)
	}
	sent := pub.Sent()
	require.Len(t, sent, 4)
	require.Equal(t, "http://m/1.jpg", sent[0].Post.PhotoURL)
	require.Equal(t, "a &lt;b&gt;", sent[0].Post.Text)
}

func TestPostSendFailureIsTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, pub, _ := newPoster(t, nil, clock.NewMock())
	pub.SetFailSend(kit.SurfacePrimary, true)

	_, err := p.Post(ctx)
	require.True(t, errs.IsTransient(err))

	// A failed send does not spend quota.
	n, err := p.counter.Get(ctx, counterKey)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRenderNews(t *testing.T) {
	t.Parallel()
	post := renderNews(catalog.Detail{Title: "Amélie & co", Synopsis: strings.Repeat("á", newsBudget+10), PosterURL: "http://p"})
	require.Contains(t, post.Text, "Amélie &amp; co")
	require.Contains(t, post.Text, "…")
	require.Equal(t, "http://p", post.PhotoURL)

	post = renderNews(catalog.Detail{Title: "X"})
	require.Contains(t, post.Text, noNewsSummary)
}

func TestRegisterOnScheduler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	t.Cleanup(unsub)

	p, pub, _ := newPoster(t, nil, clock.NewMock())
	p.d.Bus = bus
	s := scheduler.New(scheduler.Config{}, logx.Nop())

	require.NoError(t, p.Register(s))
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, DefaultSchedule, snap.Schedules[0].Spec)

	require.NoError(t, s.RunNow(ctx, JobName))
	require.Equal(t, 1, pub.SentTo(kit.SurfacePrimary))
	ev := <-events
	require.Equal(t, eventbus.AncillaryPost, ev.Type)
	require.Equal(t, "meme", ev.Data["kind"])

	p.SetConfig(Config{Enabled: false})
	require.NoError(t, p.Register(s))
	require.Empty(t, s.Snapshot().Schedules)
}
