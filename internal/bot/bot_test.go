package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cinebot/internal/catalog"
	"cinebot/internal/deferred"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/publish"
	"cinebot/internal/requests"
	"cinebot/internal/settings"
	"cinebot/internal/storage"
	kit "cinebot/internal/transport"
	"cinebot/internal/transport/telegram/router"
	"cinebot/internal/voting"
	logx "cinebot/pkg/logx"
)

type sent struct {
	to      int64
	text    string
	buttons [][]kit.Button
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sent
	edits   []string
	answers []string
	failTo  map[int64]bool
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to.ChatID] {
		return kit.MessageRef{}, errors.New("blocked")
	}
	s := sent{to: to.ChatID, text: text}
	if opt != nil {
		s.buttons = opt.Buttons
	}
	f.sent = append(f.sent, s)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sent{}
	}
	return f.sent[len(f.sent)-1]
}

type fakePipeline struct {
	mu      sync.Mutex
	db      *storage.SQLite
	calls   []publish.Request
	removed []int64
	err     error
}

func (p *fakePipeline) Publish(ctx context.Context, req publish.Request) (kit.PostRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return kit.PostRef{}, p.err
	}
	p.calls = append(p.calls, req)
	ref := kit.PostRef{Surface: kit.SurfacePrimary, ChatID: -1001234, MessageID: 100 + len(p.calls)}
	return ref, p.db.SetPostRefs(ctx, req.ExternalID, &ref, nil)
}

func (p *fakePipeline) Remove(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, id)
	return p.db.Delete(ctx, id)
}

func (p *fakePipeline) Config() publish.Config {
	return publish.Config{PrimaryURL: "https://t.me/cine"}
}

type fakeIntake struct {
	db *storage.SQLite
}

func (f fakeIntake) Add(ctx context.Context, line requests.AddLine) (catalog.Item, error) {
	it := catalog.Item{ExternalID: 77, Title: line.Title, ExternalLink: line.Link, AlternateNames: line.Names}
	if err := f.db.Upsert(ctx, it); err != nil {
		return catalog.Item{}, err
	}
	return f.db.Get(ctx, it.ExternalID)
}

func (f fakeIntake) AddByID(ctx context.Context, id int64, link string) (catalog.Item, error) {
	it := catalog.Item{ExternalID: id, Title: "Dune", ExternalLink: link, ReleaseDate: "2021-09-15"}
	if err := f.db.Upsert(ctx, it); err != nil {
		return catalog.Item{}, err
	}
	return f.db.Get(ctx, id)
}

func (f fakeIntake) AddManual(ctx context.Context, m requests.ManualLine) (catalog.Item, error) {
	it := catalog.Item{ExternalID: -5, Title: m.Title, ExternalLink: m.Link}
	if err := f.db.Upsert(ctx, it); err != nil {
		return catalog.Item{}, err
	}
	return f.db.Get(ctx, it.ExternalID)
}

type fakeFlow struct {
	got   []requests.Request
	picks []catalog.Candidate
	res   requests.Result
}

func (f *fakeFlow) Submit(_ context.Context, r requests.Request) (requests.Result, error) {
	f.got = append(f.got, r)
	return f.res, nil
}

func (f *fakeFlow) SubmitPick(_ context.Context, r requests.Request, c catalog.Candidate) (requests.Result, error) {
	f.got = append(f.got, r)
	f.picks = append(f.picks, c)
	return f.res, nil
}

type fakeFinder struct {
	actors map[string][]catalog.Detail
}

func (fakeFinder) Genres() []catalog.Genre {
	return []catalog.Genre{{ID: 28, Name: "Acción"}, {ID: 12, Name: "Aventura"}, {ID: 16, Name: "Animación"}, {ID: 27, Name: "Terror"}}
}

func (fakeFinder) ByGenre(_ context.Context, id int64) ([]catalog.Detail, error) {
	if id != 27 {
		return nil, nil
	}
	return []catalog.Detail{{ExternalID: 42, Title: "Matrix", Year: 1999}, {ExternalID: 694, Title: "El resplandor", Year: 1980, Score: 8.2}}, nil
}

func (f fakeFinder) ByActor(_ context.Context, name string) ([]catalog.Detail, error) {
	if out, ok := f.actors[name]; ok {
		return out, nil
	}
	return nil, errs.NotFoundf("no person %q", name)
}

func (fakeFinder) Resolve(_ context.Context, id int64) (*catalog.Detail, error) {
	if id == 500 {
		return nil, errs.Transient(nil, "upstream down")
	}
	return &catalog.Detail{ExternalID: id, Title: "John Wick", Year: 2014}, nil
}

type fakeVoting struct {
	results map[int64]voting.VoteResult
	err     error
	picks   []catalog.Item
}

func (f *fakeVoting) PickCandidates(context.Context, int) ([]catalog.Item, error) {
	if len(f.picks) == 0 {
		return nil, errs.NotFoundf("none")
	}
	return f.picks, nil
}

// Start reports a deadline that has long passed, as a voting engine on a
// mock clock would, so rendering must not read the wall clock.
func (f *fakeVoting) Start(_ context.Context, req voting.StartRequest) (voting.Session, error) {
	if len(f.picks) == 0 {
		return voting.Session{}, voting.ErrSessionActive
	}
	return voting.Session{ID: "sess", Candidates: req.Candidates, Threshold: req.Threshold,
		Duration: req.Duration, Deadline: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeVoting) CastVote(_ context.Context, _ string, voter, _ int64) (voting.VoteResult, error) {
	return f.results[voter], f.err
}

func (f *fakeVoting) Snapshot() (voting.Session, bool) { return voting.Session{}, false }
func (f *fakeVoting) Stop() bool                         { return false }

type env struct {
	db    *storage.SQLite
	ad    *fakeAdapter
	pipe  *fakePipeline
	flow  *fakeFlow
	queue *deferred.Queue
	vote  *fakeVoting
	quota *settings.Store
	bus   eventbus.Bus
	bot   *Bot
}

const owner = int64(7)

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e := &env{
		db:   db,
		ad:   &fakeAdapter{},
		pipe: &fakePipeline{db: db},
		flow: &fakeFlow{},
		vote: &fakeVoting{},
		bus:  eventbus.New(),
	}
	e.queue = deferred.New(e.pipe, nil, deferred.Options{})
	e.quota = settings.New(db, settings.Options{})
	e.bot = New(Deps{
		Catalog:  db,
		Pipeline: e.pipe,
		Requests: e.flow,
		Intake:   fakeIntake{db: db},
		Deferred: e.queue,
		Voting:   e.vote,
		Quotas:   e.quota,
		Finder:   fakeFinder{actors: map[string][]catalog.Detail{"Keanu Reeves": {{ExternalID: 245891, Title: "John Wick", Year: 2014}}}},
		Adapter:  e.ad,
		Bus:      e.bus,
	}, Config{Owners: []int64{owner}, PageSize: 2})
	return e
}

func (e *env) message(from int64, args ...string) *router.Request {
	return &router.Request{
		Update: kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Private: true}},
		Chat:    kit.ChatTarget{ChatID: from},
		FromID:  from,
		Args:    args,
		ArgText: strings.Join(args, " "),
		Owner:   from == owner,
		Adapter: e.ad,
		Logger:  logx.Nop(),
	}
}

func (e *env) callback(from int64) *router.Request {
	return &router.Request{
		Update:  kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", FromID: from, ChatID: from, MessageID: 3}},
		Chat:    kit.ChatTarget{ChatID: from},
		FromID:  from,
		Owner:   from == owner,
		Adapter: e.ad,
		Logger:  logx.Nop(),
	}
}

func TestScheduleWithAndWithoutDelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix", ExternalLink: "https://x"}))

	require.NoError(t, e.bot.cmdSchedule(ctx, e.message(owner, "42")))
	last := e.ad.last()
	require.Len(t, last.buttons, 2)
	require.Equal(t, "schedule:42:30m", last.buttons[0][0].Data)
	require.Empty(t, e.queue.Pending())

	require.NoError(t, e.bot.cmdSchedule(ctx, e.message(owner, "42", "01:30")))
	tasks := e.queue.Pending()
	require.Len(t, tasks, 1)
	require.Equal(t, 90*time.Minute, tasks[0].Delay)
	require.Equal(t, owner, tasks[0].RequestedBy)
	require.Contains(t, e.ad.last().text, tasks[0].ID)
	require.Contains(t, e.ad.last().text, "1 h 30 min")

	require.NoError(t, e.bot.cbSchedule(ctx, e.callback(owner), "42:30m"))
	require.Len(t, e.queue.Pending(), 2)
	require.Len(t, e.ad.edits, 1)
	require.Equal(t, []string{"Programada ⏰"}, e.ad.answers)

	err := e.bot.cmdSchedule(ctx, e.message(owner, "999", "30m"))
	require.True(t, errs.IsNotFound(err))
}

func TestUnscheduleAndQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix"}))
	task, err := e.queue.Enqueue(42, time.Hour, owner)
	require.NoError(t, err)

	require.NoError(t, e.bot.cmdQueue(ctx, e.message(owner)))
	require.Contains(t, e.ad.last().text, "Matrix")
	require.Contains(t, e.ad.last().text, task.ID)

	require.NoError(t, e.bot.cmdUnschedule(ctx, e.message(owner, task.ID)))
	require.Empty(t, e.queue.Pending())
	require.True(t, errs.IsNotFound(e.bot.cmdUnschedule(ctx, e.message(owner, task.ID))))

	require.NoError(t, e.bot.cmdQueue(ctx, e.message(owner)))
	require.Equal(t, "No hay publicaciones programadas.", e.ad.last().text)
}

func TestRequestButtonAsksForLinkThenPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.bot.cbRequest(ctx, e.callback(owner), "438631:55"))
	require.Contains(t, e.ad.last().text, "Envía el enlace")
	require.Empty(t, e.pipe.calls)

	require.NoError(t, e.bot.onText(ctx, e.message(owner, "not-a-link")))
	require.Contains(t, e.ad.last().text, "no parece un enlace")

	require.NoError(t, e.bot.onText(ctx, e.message(owner, "https://example.com/dune")))
	require.Len(t, e.pipe.calls, 1)
	call := e.pipe.calls[0]
	require.Equal(t, int64(438631), call.ExternalID)
	require.Equal(t, int64(55), call.NotifyUser)
	require.Equal(t, "request", call.Reason)
	require.Contains(t, e.ad.last().text, "https://t.me/cine/101")

	it, err := e.db.Get(ctx, 438631)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/dune", it.ExternalLink)

	// The prompt is one-shot.
	require.NoError(t, e.bot.onText(ctx, e.message(owner, "https://example.com/other")))
	require.Len(t, e.pipe.calls, 1)
}

func TestRequestButtonPublishesCatalogedItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix", ExternalLink: "https://x"}))

	require.NoError(t, e.bot.cbRequest(ctx, e.callback(owner), "42:9"))
	require.Len(t, e.pipe.calls, 1)
	require.Equal(t, int64(9), e.pipe.calls[0].NotifyUser)
	require.Equal(t, []string{"Publicando…"}, e.ad.answers)

	require.True(t, errs.IsInvariant(e.bot.cbRequest(ctx, e.callback(owner), "x:1")))
}

func TestViewerTextBecomesRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.flow.res = requests.Result{Outcome: requests.OutcomeForwarded}

	require.NoError(t, e.bot.onText(ctx, e.message(31, "la", "llegada")))
	require.Len(t, e.flow.got, 1)
	require.Equal(t, "la llegada", e.flow.got[0].Title)
	require.Equal(t, int64(31), e.flow.got[0].UserID)
	require.Contains(t, e.ad.last().text, "enviada a los administradores")

	// Owners without a pending prompt are not turned into requesters.
	require.NoError(t, e.bot.onText(ctx, e.message(owner, "hola")))
	require.Len(t, e.flow.got, 1)
}

func TestRequestCommandPromptsForTitle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.flow.res = requests.Result{Outcome: requests.OutcomeUserLimited}

	require.NoError(t, e.bot.cmdRequest(ctx, e.message(31)))
	require.Contains(t, e.ad.last().text, "Escribe el nombre")
	require.NoError(t, e.bot.onText(ctx, e.message(31, "Alien")))
	require.Equal(t, "Alien", e.flow.got[0].Title)
	require.Contains(t, e.ad.last().text, "límite")
}

func TestRequestReplies(t *testing.T) {
	t.Parallel()
	it := &catalog.Item{ExternalID: 1, Title: "Up & Away"}
	require.Contains(t, requestReply(requests.Result{Outcome: requests.OutcomePublished, Item: it, PostURL: "https://t.me/cine/5"}), "Up &amp; Away")
	require.Contains(t, requestReply(requests.Result{Outcome: requests.OutcomeExistingLink, Item: it, PostURL: "https://t.me/cine/5"}), "https://t.me/cine/5")
	require.Contains(t, requestReply(requests.Result{Outcome: requests.OutcomeExistingLink, Item: it}), "ya fue solicitada")
	require.Contains(t, requestReply(requests.Result{Outcome: requests.OutcomeNotFound}), "No encontramos")
}

func TestVoteCallbackToasts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.vote.results = map[int64]voting.VoteResult{
		1: {Outcome: voting.Counted, Votes: 2},
		2: {Outcome: voting.AlreadyVoted, Votes: 2},
		3: {Outcome: voting.Won, Votes: 5},
	}
	for voter := int64(1); voter <= 3; voter++ {
		require.NoError(t, e.bot.cbVote(ctx, e.callback(voter), "sess:42"))
	}
	require.Equal(t, []string{"¡Voto registrado! (2)", "Ya has votado", "¡Voto registrado! Tu voto decidió la votación 🎉"}, e.ad.answers)

	require.True(t, errs.IsInvariant(e.bot.cbVote(ctx, e.callback(1), "garbage")))
	e.vote.err = voting.ErrNoSession
	err := e.bot.cbVote(ctx, e.callback(4), "sess:42")
	require.Equal(t, "Esa votación ya terminó.", Describe(err))
}

func TestVoteWithoutCandidates(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	require.NoError(t, e.bot.cmdVote(context.Background(), e.message(owner)))
	require.Contains(t, e.ad.last().text, "No hay suficientes películas")
}

func TestVoteAnnouncesConfiguredDuration(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.vote.picks = []catalog.Item{{ExternalID: 1, Title: "A"}, {ExternalID: 2, Title: "B"}}
	e.bot.SetConfig(Config{Owners: []int64{owner}, VoteThreshold: 4, VoteDuration: 45 * time.Minute})

	require.NoError(t, e.bot.cmdVote(context.Background(), e.message(owner)))
	last := e.ad.last()
	require.Contains(t, last.text, "en 45 min.")
	require.Equal(t, "vote:sess:2", last.buttons[1][0].Data)
}

func TestCatalogPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	text, rows, err := e.bot.catalogPage(ctx, 0)
	require.NoError(t, err)
	require.Contains(t, text, "vacío")
	require.Empty(t, rows)

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: id, Title: "Movie"}))
	}
	text, rows, err = e.bot.catalogPage(ctx, 0)
	require.NoError(t, err)
	require.Contains(t, text, "página 1/3")
	require.Len(t, rows, 3)
	require.Equal(t, []kit.Button{{Text: "▶️", Data: "catalog:1"}}, rows[2])

	// Out of range pages clamp to the last one.
	text, rows, err = e.bot.catalogPage(ctx, 9)
	require.NoError(t, err)
	require.Contains(t, text, "página 3/3")
	require.Len(t, rows, 2)
	require.Equal(t, "catalog:1", rows[1][0].Data)

	require.NoError(t, e.bot.cbCatalog(ctx, e.callback(owner), "1"))
	require.Len(t, e.ad.edits, 1)
	require.Contains(t, e.ad.edits[0], "página 2/3")
}

func TestQuotaCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	events, unsub := e.bus.Subscribe(4)
	defer unsub()

	require.NoError(t, e.bot.cmdQuota(ctx, e.message(owner)))
	require.Contains(t, e.ad.last().text, "(predeterminado)")

	require.NoError(t, e.bot.cmdQuota(ctx, e.message(owner, "6")))
	require.Contains(t, e.ad.last().text, "<b>6</b> por día, una cada 4 h")
	n, stored, err := e.quota.DailyItemQuota(ctx)
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, 6, n)

	select {
	case ev := <-events:
		require.Equal(t, eventbus.QuotaChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no quota event")
	}

	require.True(t, errs.IsInvariant(e.bot.cmdQuota(ctx, e.message(owner, "-1"))))
	require.NoError(t, e.bot.cmdAncillaryQuota(ctx, e.message(owner, "2")))
	require.Contains(t, e.ad.last().text, "<b>2</b> por día")
}

func TestDeleteRetiresAndRemoves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix", ExternalLink: "https://x"}))
	require.NoError(t, e.bot.cmdPublish(ctx, e.message(owner, "42")))
	require.Equal(t, "manual", e.pipe.calls[0].Reason)

	require.NoError(t, e.bot.cmdDelete(ctx, e.message(owner, "42")))
	require.Equal(t, []int64{42}, e.pipe.removed)
	_, err := e.db.Get(ctx, 42)
	require.True(t, errs.IsNotFound(err))
}

func TestAddCommands(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	require.True(t, errs.IsInvariant(e.bot.cmdAdd(ctx, e.message(owner, "sin", "formato"))))
	req := e.message(owner)
	req.ArgText = "Heat (1995) | Fuego contra fuego | https://x/heat"
	require.NoError(t, e.bot.cmdAdd(ctx, req))
	last := e.ad.last()
	require.Contains(t, last.text, "Heat")
	require.Equal(t, "publish:77", last.buttons[0][0].Data)

	require.NoError(t, e.bot.cmdAddID(ctx, e.message(owner, "438631", "https://x/dune")))
	require.Contains(t, e.ad.last().text, "Dune")
	require.Contains(t, e.ad.last().text, "(2021)")
}

func TestNotifyAdminsToleratesPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.bot.SetConfig(Config{Owners: []int64{7, 8}})
	e.ad.failTo = map[int64]bool{8: true}

	require.NoError(t, e.bot.NotifyAdmins(ctx, "hola", nil))
	require.Len(t, e.ad.sent, 1)

	e.ad.failTo[7] = true
	require.Error(t, e.bot.NotifyAdmins(ctx, "hola", nil))

	e.bot.SetConfig(Config{})
	require.Error(t, e.bot.NotifyAdmins(ctx, "hola", nil))
}

func TestAnnounceVote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix"}))

	e.bot.AnnounceVote(ctx, voting.Resolution{Winner: 42, Votes: map[int64]int{42: 5}, AnnounceTo: -100,
		Ref: kit.PostRef{ChatID: -1001234, MessageID: 9}})
	last := e.ad.last()
	require.Equal(t, int64(-100), last.to)
	require.Contains(t, last.text, "Matrix")
	require.Contains(t, last.text, "https://t.me/cine/9")

	e.bot.AnnounceVote(ctx, voting.Resolution{AnnounceTo: -100})
	require.Contains(t, e.ad.last().text, "sin votos")

	e.bot.AnnounceVote(ctx, voting.Resolution{Winner: 42, AnnounceTo: -100, Votes: map[int64]int{42: 1}, Err: errs.Transient(nil, "down")})
	require.Contains(t, e.ad.last().text, "no se pudo publicar")
}

func TestParseDelay(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]time.Duration{
		"45":    45 * time.Minute,
		"30m":   30 * time.Minute,
		"1h30m": 90 * time.Minute,
		"02:00": 2 * time.Hour,
	} {
		got, err := parseDelay(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := parseDelay("mañana")
	require.True(t, errs.IsInvariant(err))
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	require.Equal(t, "Ya hay una votación en curso.", Describe(voting.ErrSessionActive))
	require.Equal(t, "⚠️ id inválido: \"x\"", Describe(errs.Invariantf("id inválido: %q", "x")))
	require.Equal(t, errs.UserMessage(errs.NotFoundf("x")), Describe(errs.NotFoundf("x")))
}

func TestSearchByGenre(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	require.NoError(t, e.db.Upsert(ctx, catalog.Item{ExternalID: 42, Title: "Matrix", ExternalLink: "https://x"}))

	require.NoError(t, e.bot.cmdSearch(ctx, e.message(9)))
	require.Equal(t, "search:genres", e.ad.last().buttons[0][0].Data)

	require.NoError(t, e.bot.cbSearch(ctx, e.callback(9), "genres"))
	rows := e.ad.last().buttons
	require.Len(t, rows, 2)
	require.Len(t, rows[0], 3)
	require.Equal(t, "search:genre:27", rows[1][0].Data)

	require.NoError(t, e.bot.cbSearch(ctx, e.callback(9), "genre:27"))
	last := e.ad.last()
	require.Contains(t, last.text, "El resplandor</b> (1980) ⭐ 8.2")
	require.Equal(t, "search:pick:42", last.buttons[0][0].Data)
	require.Equal(t, "search:pick:694", last.buttons[1][0].Data)

	// Operators can publish what is already cataloged.
	require.NoError(t, e.bot.cbSearch(ctx, e.callback(owner), "genre:27"))
	last = e.ad.last()
	require.Equal(t, "publish:42", last.buttons[0][0].Data)
	require.Equal(t, "search:pick:694", last.buttons[1][0].Data)

	require.NoError(t, e.bot.cbSearch(ctx, e.callback(9), "genre:99"))
	require.Contains(t, e.ad.last().text, "No se encontraron")
	require.True(t, errs.IsInvariant(e.bot.cbSearch(ctx, e.callback(9), "genre:x")))
	require.True(t, errs.IsInvariant(e.bot.cbSearch(ctx, e.callback(9), "bogus")))
}

func TestSearchByActorUsesPendingPrompt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	require.NoError(t, e.bot.cbSearch(ctx, e.callback(9), "actor"))
	require.NoError(t, e.bot.onText(ctx, e.message(9, "Keanu", "Reeves")))
	last := e.ad.last()
	require.Contains(t, last.text, "Keanu Reeves")
	require.Contains(t, last.text, "John Wick")
	require.Equal(t, "search:pick:245891", last.buttons[0][0].Data)
	require.Empty(t, e.flow.got)

	require.NoError(t, e.bot.cbSearch(ctx, e.callback(9), "actor"))
	require.NoError(t, e.bot.onText(ctx, e.message(9, "Nadie")))
	require.Contains(t, e.ad.last().text, "No se encontraron películas para el actor «Nadie»")
	require.Empty(t, e.flow.got)
}

func TestSearchPickSubmitsRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.flow.res = requests.Result{Outcome: requests.OutcomeForwarded}

	require.NoError(t, e.bot.cbSearch(ctx, e.callback(9), "pick:245891"))
	require.Equal(t, []catalog.Candidate{{ExternalID: 245891, Title: "John Wick", Year: 2014, Source: "tmdb"}}, e.flow.picks)
	require.Equal(t, int64(9), e.flow.got[0].UserID)
	require.Contains(t, e.ad.last().text, "administradores")

	require.NoError(t, e.bot.cbSearch(ctx, e.callback(9), "pick:500"))
	require.Len(t, e.flow.picks, 1)
	require.Contains(t, e.ad.answers[len(e.ad.answers)-1], "No se pudo")
}
