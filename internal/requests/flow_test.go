package requests

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/publish"
	"cinebot/internal/ratelimit"
	"cinebot/internal/settings"
	"cinebot/internal/storage"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

type recorder struct {
	db    *storage.SQLite
	mu    sync.Mutex
	calls []publish.Request
}

func (r *recorder) Publish(ctx context.Context, req publish.Request) (kit.PostRef, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	ref := kit.PostRef{Surface: kit.SurfacePrimary, ChatID: -1001000, MessageID: len(r.calls)}
	r.mu.Unlock()
	return ref, r.db.SetPostRefs(ctx, req.ExternalID, &ref, nil)
}

type searcher struct{ out []catalog.Candidate }

func (s searcher) Search(context.Context, string) ([]catalog.Candidate, error) { return s.out, nil }

type admins struct {
	texts   []string
	buttons [][][]kit.Button
}

func (a *admins) NotifyAdmins(_ context.Context, text string, b [][]kit.Button) error {
	a.texts = append(a.texts, text)
	a.buttons = append(a.buttons, b)
	return nil
}

type env struct {
	db   *storage.SQLite
	rec  *recorder
	adm  *admins
	flow *Flow
}

func newEnv(t *testing.T, cands []catalog.Candidate) *env {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	lim := ratelimit.New(settings.New(db, settings.Options{}), 3, 5)
	e := &env{db: db, rec: &recorder{db: db}, adm: &admins{}}
	e.flow = NewFlow(db, lim, e.rec, searcher{out: cands}, e.adm, nil, logx.Nop())
	e.flow.PrimaryURL = "https://t.me/cine"
	return e
}

func TestCatalogedRequestPublishesUntilCapped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix", AlternateNames: []string{"The Matrix"}}))

	for u := int64(1); u <= 3; u++ {
		res, err := e.flow.Submit(ctx, Request{UserID: u, Title: "the matrix"})
		require.NoError(t, err)
		require.Equal(t, OutcomePublished, res.Outcome)
	}
	res, err := e.flow.Submit(ctx, Request{UserID: 4, Title: "MATRIX"})
	require.NoError(t, err)
	require.Equal(t, OutcomeExistingLink, res.Outcome)
	require.Equal(t, "https://t.me/cine/3", res.PostURL)
	require.Len(t, e.rec.calls, 3)
}

// slowLimiter widens the window between counting a request and publishing it.
type slowLimiter struct {
	Limiter
	delay time.Duration
}

func (s slowLimiter) TryItemRequest(ctx context.Context, id int64) (bool, error) {
	ok, err := s.Limiter.TryItemRequest(ctx, id)
	time.Sleep(s.delay)
	return ok, err
}

func TestConcurrentRequestsDoNotExceedItemCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix"}))
	e.flow.limiter = slowLimiter{Limiter: e.flow.limiter, delay: 5 * time.Millisecond}

	var wg sync.WaitGroup
	for u := int64(1); u <= 5; u++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.flow.Submit(ctx, Request{UserID: u, Title: "matrix"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	e.rec.mu.Lock()
	defer e.rec.mu.Unlock()
	require.LessOrEqual(t, len(e.rec.calls), 3)
}

func TestUserCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil)
	for range 5 {
		res, err := e.flow.Submit(ctx, Request{UserID: 9, Title: "nada"})
		require.NoError(t, err)
		require.Equal(t, OutcomeNotFound, res.Outcome)
	}
	res, err := e.flow.Submit(ctx, Request{UserID: 9, Title: "nada"})
	require.NoError(t, err)
	require.Equal(t, OutcomeUserLimited, res.Outcome)
	require.Len(t, e.adm.texts, 5)
	require.Contains(t, e.adm.texts[0], "/add")
}

func TestUnknownTitleForwardsCandidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, []catalog.Candidate{{ExternalID: 11645, Title: "Ran", Year: 1985, Source: "trakt"}})
	res, err := e.flow.Submit(ctx, Request{UserID: 3, Username: "ana", FullName: "Ana <b>", Title: "Ran"})
	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, res.Outcome)
	require.Len(t, res.Candidates, 1)

	require.Contains(t, e.adm.texts[0], "Ana &lt;b&gt; (@ana)")
	require.Equal(t, "request:11645:3", e.adm.buttons[0][0][0].Data)
	require.Empty(t, e.rec.calls)

	_, err = e.flow.Submit(ctx, Request{UserID: 3, Title: "  "})
	require.True(t, errs.IsInvariant(err))
}

func TestSubmitPick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, nil)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix"}))

	res, err := e.flow.SubmitPick(ctx, Request{UserID: 1}, catalog.Candidate{ExternalID: 42, Title: "The Matrix"})
	require.NoError(t, err)
	require.Equal(t, OutcomePublished, res.Outcome)
	require.Equal(t, "request", e.rec.calls[0].Reason)

	res, err = e.flow.SubmitPick(ctx, Request{UserID: 1, FullName: "Ana"}, catalog.Candidate{ExternalID: 603, Title: "John Wick", Year: 2014, Source: "tmdb"})
	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, res.Outcome)
	require.Len(t, res.Candidates, 1)
	require.Contains(t, e.adm.texts[0], "<b>John Wick</b>")
	require.Equal(t, "request:603:1", e.adm.buttons[0][0][0].Data)
	require.Len(t, e.rec.calls, 1)

	_, err = e.flow.SubmitPick(ctx, Request{UserID: 1}, catalog.Candidate{})
	require.True(t, errs.IsInvariant(err))
}

func TestRequestCallbackRoundTrip(t *testing.T) {
	t.Parallel()
	id, user, err := ParseRequestCallback(RequestCallback(42, 7))
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.Equal(t, int64(7), user)

	id, user, err = ParseRequestCallback("request:42")
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.Zero(t, user)

	for _, bad := range []string{"vote:1", "request:x", "request:-1", "request:4:z"} {
		_, _, err = ParseRequestCallback(bad)
		require.Error(t, err, bad)
	}
}
