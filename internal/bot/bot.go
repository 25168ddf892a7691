// Package bot maps Telegram commands and inline buttons onto the publication core.
package bot

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"cinebot/internal/ancillary"
	"cinebot/internal/catalog"
	"cinebot/internal/deferred"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/publish"
	"cinebot/internal/requests"
	kit "cinebot/internal/transport"
	"cinebot/internal/transport/telegram/router"
	"cinebot/internal/voting"
	logx "cinebot/pkg/logx"
)

type Pipeline interface {
	Publish(ctx context.Context, req publish.Request) (kit.PostRef, error)
	Remove(ctx context.Context, id int64) error
	Config() publish.Config
}

type RequestFlow interface {
	Submit(ctx context.Context, req requests.Request) (requests.Result, error)
	SubmitPick(ctx context.Context, req requests.Request, c catalog.Candidate) (requests.Result, error)
}

type Intake interface {
	Add(ctx context.Context, line requests.AddLine) (catalog.Item, error)
	AddByID(ctx context.Context, id int64, link string) (catalog.Item, error)
	AddManual(ctx context.Context, m requests.ManualLine) (catalog.Item, error)
}

type Deferred interface {
	Enqueue(externalID int64, delay time.Duration, requestedBy int64) (deferred.Task, error)
	Pending() []deferred.Task
	Cancel(id string) bool
}

type Voting interface {
	PickCandidates(ctx context.Context, n int) ([]catalog.Item, error)
	Start(ctx context.Context, req voting.StartRequest) (voting.Session, error)
	CastVote(ctx context.Context, sessionID string, voter, candidate int64) (voting.VoteResult, error)
	Snapshot() (voting.Session, bool)
	Stop() bool
}

type Quotas interface {
	DailyItemQuota(ctx context.Context) (int, bool, error)
	SetDailyItemQuota(ctx context.Context, n int) error
	DailyAncillaryQuota(ctx context.Context) (int, bool, error)
	SetDailyAncillaryQuota(ctx context.Context, n int) error
	DefaultItemQuota() int
}

type AutoPost interface {
	RunCycle(ctx context.Context) (int64, error)
	NextInterval(ctx context.Context) (time.Duration, error)
}

type Ancillary interface {
	Post(ctx context.Context) (ancillary.Result, error)
}

// News lists popular titles for /recommend.
type News interface {
	Popular(ctx context.Context) ([]catalog.Detail, error)
}

// Finder browses upstream titles for /search.
type Finder interface {
	Genres() []catalog.Genre
	ByGenre(ctx context.Context, genreID int64) ([]catalog.Detail, error)
	ByActor(ctx context.Context, name string) ([]catalog.Detail, error)
	Resolve(ctx context.Context, id int64) (*catalog.Detail, error)
}

type Deps struct {
	Catalog   catalog.Store
	Pipeline  Pipeline
	Requests  RequestFlow
	Intake    Intake
	Deferred  Deferred
	Voting    Voting
	Quotas    Quotas
	AutoPost  AutoPost
	Ancillary Ancillary
	News      News
	Finder    Finder
	Adapter   kit.Adapter
	Bus       eventbus.Bus
	Log       logx.Logger
}

type Config struct {
	Owners         []int64
	VoteCandidates int
	VoteThreshold  int
	VoteDuration   time.Duration
	PageSize       int
	// DelayPresets are offered as buttons when scheduling a publish.
	DelayPresets []time.Duration
	// Location formats times shown to operators.
	Location *time.Location
}

const (
	defaultPageSize   = 8
	pendingTTL        = 15 * time.Minute
	maxPendingEntries = 1024
)

var defaultDelayPresets = []time.Duration{30 * time.Minute, time.Hour, 3 * time.Hour, 6 * time.Hour}

type pendingKind int

const (
	awaitingTitle pendingKind = iota + 1
	awaitingLink
	awaitingActor
)

// pending is a one-shot conversational step keyed by user id.
type pending struct {
	kind      pendingKind
	itemID    int64
	requester int64
}

type Bot struct {
	d       Deps
	cfg     atomic.Pointer[Config]
	pending *expirable.LRU[int64, pending]
}

func New(d Deps, cfg Config) *Bot {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	b := &Bot{d: d, pending: expirable.NewLRU[int64, pending](maxPendingEntries, nil, pendingTTL)}
	b.SetConfig(cfg)
	return b
}

func (b *Bot) SetConfig(cfg Config) {
	cfg.Owners = slices.Clone(cfg.Owners)
	if cfg.VoteCandidates <= 0 {
		cfg.VoteCandidates = voting.DefaultCandidates
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if len(cfg.DelayPresets) == 0 {
		cfg.DelayPresets = defaultDelayPresets
	} else {
		cfg.DelayPresets = slices.Clone(cfg.DelayPresets)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	b.cfg.Store(&cfg)
}

func (b *Bot) config() Config { return *b.cfg.Load() }

// Register installs every command, callback and the private-text fallback on m.
func (b *Bot) Register(ctx context.Context, m *router.CommandManager) {
	m.SetRegistry(ctx, append(b.viewerCommands(), b.adminCommands()...), b.callbacks())
	m.SetFallback(b.onText)
}

// Describe renders handler errors for chat replies. Invariant messages are
// operator-facing input errors and are shown as-is.
func Describe(err error) string {
	switch {
	case errors.Is(err, voting.ErrSessionActive):
		return "Ya hay una votación en curso."
	case errors.Is(err, voting.ErrNoSession):
		return "Esa votación ya terminó."
	case errors.Is(err, voting.ErrUnknownCandidate):
		return "Esa opción no pertenece a la votación."
	case errs.IsInvariant(err):
		return "⚠️ " + err.Error()
	default:
		return errs.UserMessage(err)
	}
}
