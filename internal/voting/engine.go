// Package voting runs one time-boxed contest at a time among a few catalog
// items and publishes the winner.
package voting

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/publish"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

const (
	DefaultThreshold  = 5
	DefaultDuration   = 10 * time.Minute
	DefaultCandidates = 3
)

var (
	ErrSessionActive    = errors.Mark(errors.New("a voting session is already active"), errs.ErrInvariant)
	ErrNoSession        = errors.Mark(errors.New("no active voting session"), errs.ErrNotFound)
	ErrUnknownCandidate = errors.Mark(errors.New("not a candidate of this session"), errs.ErrInvariant)
)

type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (kit.PostRef, error)
}

type Lister interface {
	ListUnpublished(ctx context.Context) ([]catalog.Item, error)
}

type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

type StartRequest struct {
	Candidates []int64
	Threshold  int
	Duration   time.Duration
	// AnnounceTo is the chat told about the result.
	AnnounceTo int64
	StartedBy  int64
}

// Session is a read-only view of the active contest.
type Session struct {
	ID         string
	Candidates []int64
	Votes      map[int64]int
	Voters     int
	Threshold  int
	Duration   time.Duration
	Deadline   time.Time
	AnnounceTo int64
}

type Outcome int

const (
	Counted Outcome = iota
	AlreadyVoted
	// Won means this vote reached the threshold and resolved the session.
	Won
)

type VoteResult struct {
	Outcome Outcome
	// Votes is the candidate's count after this call.
	Votes int
}

// Resolution describes how a session ended.
type Resolution struct {
	SessionID  string
	Winner     int64 // 0 when nobody voted
	Votes      map[int64]int
	Reason     string // "threshold" or "deadline"
	AnnounceTo int64
	Ref        kit.PostRef
	Err        error
}

type session struct {
	Session
	voters map[int64]struct{}
	cancel context.CancelFunc
}

type Options struct {
	Clock clock.Clock
	Bus   eventbus.Bus
	Log   logx.Logger
	Rand  *rand.Rand
	// OnResolved is called once per session, after the winner's publish.
	OnResolved func(ctx context.Context, r Resolution)
}

type Engine struct {
	pub   Publisher
	items Lister
	spawn Spawner
	clk   clock.Clock
	bus   eventbus.Bus
	log   logx.Logger

	onResolved func(ctx context.Context, r Resolution)

	mu     sync.Mutex
	active *session
	rnd    *rand.Rand

	// onArmed fires once the deadline timer is registered; used by tests.
	onArmed func()
}

func New(pub Publisher, items Lister, spawn Spawner, opts Options) *Engine {
	e := &Engine{
		pub:        pub,
		items:      items,
		spawn:      spawn,
		clk:        opts.Clock,
		bus:        opts.Bus,
		log:        opts.Log,
		rnd:        opts.Rand,
		onResolved: opts.OnResolved,
	}
	if e.clk == nil {
		e.clk = clock.New()
	}
	if e.bus == nil {
		e.bus = eventbus.Nop()
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xb0b))
	}
	return e
}

// SetOnResolved replaces the resolution callback.
func (e *Engine) SetOnResolved(fn func(ctx context.Context, r Resolution)) {
	e.mu.Lock()
	e.onResolved = fn
	e.mu.Unlock()
}

// PickCandidates returns n distinct random unpublished items.
func (e *Engine) PickCandidates(ctx context.Context, n int) ([]catalog.Item, error) {
	if n <= 0 {
		n = DefaultCandidates
	}
	items, err := e.items.ListUnpublished(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) < n {
		return nil, errs.NotFoundf("need %d unpublished items for a vote, have %d", n, len(items))
	}
	e.mu.Lock()
	e.rnd.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	e.mu.Unlock()
	return items[:n], nil
}

// Start opens a session. It fails with ErrSessionActive while one is open.
func (e *Engine) Start(ctx context.Context, req StartRequest) (Session, error) {
	if len(req.Candidates) == 0 {
		return Session{}, errs.Invariantf("vote needs candidates")
	}
	seen := map[int64]bool{}
	for _, c := range req.Candidates {
		if seen[c] {
			return Session{}, errs.Invariantf("duplicate candidate %d", c)
		}
		seen[c] = true
	}
	if req.Threshold <= 0 {
		req.Threshold = DefaultThreshold
	}
	if req.Duration <= 0 {
		req.Duration = DefaultDuration
	}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return Session{}, ErrSessionActive
	}
	s := &session{
		Session: Session{
			ID:         uuid.NewString(),
			Candidates: append([]int64(nil), req.Candidates...),
			Votes:      make(map[int64]int, len(req.Candidates)),
			Threshold:  req.Threshold,
			Duration:   req.Duration,
			Deadline:   e.clk.Now().Add(req.Duration),
			AnnounceTo: req.AnnounceTo,
		},
		voters: map[int64]struct{}{},
	}
	for _, c := range s.Candidates {
		s.Votes[c] = 0
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	e.active = s
	view := s.view()
	e.mu.Unlock()

	e.startWatcher(wctx, s.ID, req.Duration)
	e.bus.Publish(eventbus.Event{Type: eventbus.VoteStarted, Data: map[string]any{"session": view.ID, "candidates": view.Candidates}})
	e.log.Info("vote started", logx.String("session", view.ID), logx.Int("threshold", view.Threshold), logx.Time("deadline", view.Deadline))
	return view, nil
}

// startWatcher arms the deadline. It ends early when the session resolves
// or the spawner shuts down.
func (e *Engine) startWatcher(ctx context.Context, id string, d time.Duration) {
	run := func(parent context.Context) {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(parent, cancel)
		defer stop()
		e.watch(wctx, id, d)
	}
	if e.spawn == nil {
		go run(context.Background())
		return
	}
	e.spawn.Go0("voting.deadline", run)
}

func (e *Engine) watch(ctx context.Context, id string, d time.Duration) {
	t := e.clk.Timer(d)
	if e.onArmed != nil {
		e.onArmed()
	}
	select {
	case <-ctx.Done():
		t.Stop()
		return
	case <-t.C:
	}

	e.mu.Lock()
	s := e.active
	if s == nil || s.ID != id {
		e.mu.Unlock()
		return
	}
	e.active = nil
	winner, votes := leader(s.Session)
	view := s.view()
	e.mu.Unlock()

	if votes == 0 {
		winner = 0
	}
	e.resolve(context.WithoutCancel(ctx), view, winner, "deadline")
}

// leader returns the candidate with most votes; ties go to the earliest candidate.
func leader(s Session) (int64, int) {
	var best int64
	most := -1
	for _, c := range s.Candidates {
		if v := s.Votes[c]; v > most {
			best, most = c, v
		}
	}
	return best, most
}

// CastVote records one vote per voter. The vote that reaches the threshold
// resolves the session and publishes the candidate before returning.
func (e *Engine) CastVote(ctx context.Context, sessionID string, voter, candidate int64) (VoteResult, error) {
	e.mu.Lock()
	s := e.active
	if s == nil || (sessionID != "" && s.ID != sessionID) {
		e.mu.Unlock()
		return VoteResult{}, ErrNoSession
	}
	if _, dup := s.voters[voter]; dup {
		n := s.Votes[candidate]
		e.mu.Unlock()
		return VoteResult{Outcome: AlreadyVoted, Votes: n}, nil
	}
	n, ok := s.Votes[candidate]
	if !ok {
		e.mu.Unlock()
		return VoteResult{}, ErrUnknownCandidate
	}
	s.voters[voter] = struct{}{}
	n++
	s.Votes[candidate] = n
	if n < s.Threshold {
		e.mu.Unlock()
		return VoteResult{Outcome: Counted, Votes: n}, nil
	}
	e.active = nil
	s.cancel()
	view := s.view()
	e.mu.Unlock()

	e.resolve(ctx, view, candidate, "threshold")
	return VoteResult{Outcome: Won, Votes: n}, nil
}

// Snapshot returns the active session, if any.
func (e *Engine) Snapshot() (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return Session{}, false
	}
	return e.active.view(), true
}

// Stop cancels the active session without publishing.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	s := e.active
	e.active = nil
	e.mu.Unlock()
	if s == nil {
		return false
	}
	s.cancel()
	e.log.Info("vote cancelled", logx.String("session", s.ID))
	return true
}

func (e *Engine) resolve(ctx context.Context, s Session, winner int64, reason string) {
	r := Resolution{SessionID: s.ID, Winner: winner, Votes: s.Votes, Reason: reason, AnnounceTo: s.AnnounceTo}
	log := e.log.With(logx.String("session", s.ID), logx.String("reason", reason))
	if winner != 0 {
		r.Ref, r.Err = e.pub.Publish(ctx, publish.Request{ExternalID: winner, Surface: kit.SurfacePrimary, Reason: "vote"})
		if r.Err != nil {
			log.Warn("vote winner publish failed", logx.Int64("item", winner), logx.Err(r.Err))
		} else {
			log.Info("vote resolved", logx.Int64("item", winner), logx.Int("votes", s.Votes[winner]))
		}
	} else {
		log.Info("vote ended without votes")
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.VoteResolved, ItemID: winner, Data: map[string]any{"session": s.ID, "reason": reason}})

	e.mu.Lock()
	fn := e.onResolved
	e.mu.Unlock()
	if fn != nil {
		fn(ctx, r)
	}
}

func (s *session) view() Session {
	v := s.Session
	v.Candidates = append([]int64(nil), s.Candidates...)
	v.Votes = make(map[int64]int, len(s.Votes))
	for k, n := range s.Votes {
		v.Votes[k] = n
	}
	v.Voters = len(s.voters)
	return v
}
