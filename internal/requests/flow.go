// Package requests turns viewer requests into publishes, existing links or
// operator notifications, metered by the daily rate limiter.
package requests

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/publish"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

type Outcome int

const (
	// OutcomeUserLimited: the requester used up today's requests.
	OutcomeUserLimited Outcome = iota
	// OutcomeExistingLink: the item is cataloged but capped for today.
	OutcomeExistingLink
	OutcomePublished
	// OutcomeForwarded: not cataloged; operators got upstream candidates.
	OutcomeForwarded
	// OutcomeNotFound: not cataloged and unknown upstream; operators were told.
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUserLimited:
		return "user_limited"
	case OutcomeExistingLink:
		return "existing_link"
	case OutcomePublished:
		return "published"
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Limiter counts a request and reports whether it fits today's cap in one
// atomic step. ratelimit.Limiter implements it.
type Limiter interface {
	TrySubmitRequest(ctx context.Context, userID int64) (bool, error)
	TryItemRequest(ctx context.Context, externalID int64) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (kit.PostRef, error)
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]catalog.Candidate, error)
}

// AdminNotifier delivers a message to every operator.
type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, text string, buttons [][]kit.Button) error
}

type Request struct {
	UserID   int64
	Username string
	FullName string
	Title    string
}

type Result struct {
	Outcome    Outcome
	Item       *catalog.Item
	PostURL    string
	Candidates []catalog.Candidate
}

type Flow struct {
	store   catalog.Store
	limiter Limiter
	pub     Publisher
	search  Searcher
	admins  AdminNotifier
	bus     eventbus.Bus
	log     logx.Logger

	// PrimaryURL is the public channel link used for existing-link replies.
	PrimaryURL string
}

func NewFlow(store catalog.Store, limiter Limiter, pub Publisher, search Searcher, admins AdminNotifier, bus eventbus.Bus, log logx.Logger) *Flow {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flow{store: store, limiter: limiter, pub: pub, search: search, admins: admins, bus: bus, log: log}
}

// Submit handles one viewer request. Rate limiting is reported as an
// outcome; errors are reserved for failed collaborators.
func (f *Flow) Submit(ctx context.Context, req Request) (res Result, err error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return Result{}, errs.Invariantf("empty request")
	}
	defer func() { f.handled(req, res, err) }()

	ok, err := f.limiter.TrySubmitRequest(ctx, req.UserID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Outcome: OutcomeUserLimited}, nil
	}

	it, err := f.store.FindByName(ctx, title)
	switch {
	case err == nil:
		return f.cataloged(ctx, req, it)
	case errs.IsNotFound(err):
		return f.forward(ctx, req, title)
	default:
		return Result{}, err
	}
}

// SubmitPick handles a viewer choosing one upstream title, as offered by the
// genre and actor listings. It skips the name lookup; an uncataloged pick is
// forwarded to operators as the only candidate.
func (f *Flow) SubmitPick(ctx context.Context, req Request, c catalog.Candidate) (res Result, err error) {
	if c.ExternalID <= 0 {
		return Result{}, errs.Invariantf("bad item id %d", c.ExternalID)
	}
	if c.Title == "" {
		c.Title = strconv.FormatInt(c.ExternalID, 10)
	}
	req.Title = c.Title
	defer func() { f.handled(req, res, err) }()

	ok, err := f.limiter.TrySubmitRequest(ctx, req.UserID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Outcome: OutcomeUserLimited}, nil
	}

	it, err := f.store.Get(ctx, c.ExternalID)
	switch {
	case err == nil:
		return f.cataloged(ctx, req, it)
	case errs.IsNotFound(err):
		return f.notify(ctx, req, c.Title, []catalog.Candidate{c}), nil
	default:
		return Result{}, err
	}
}

func (f *Flow) handled(req Request, res Result, err error) {
	if err != nil {
		return
	}
	f.bus.Publish(eventbus.Event{Type: eventbus.RequestHandled, ItemID: itemID(res.Item),
		Data: map[string]any{"outcome": res.Outcome.String(), "user": req.UserID}})
}

func (f *Flow) cataloged(ctx context.Context, req Request, it catalog.Item) (Result, error) {
	ok, err := f.limiter.TryItemRequest(ctx, it.ExternalID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		res := Result{Outcome: OutcomeExistingLink, Item: &it}
		if it.PrimaryPost != nil {
			res.PostURL = publish.PostURL(f.PrimaryURL, *it.PrimaryPost)
		}
		f.log.Debug("request capped, returning existing link", logx.Int64("item", it.ExternalID))
		return res, nil
	}
	ref, err := f.pub.Publish(ctx, publish.Request{
		ExternalID: it.ExternalID,
		Surface:    kit.SurfacePrimary,
		ActorID:    req.UserID,
		Reason:     "request",
	})
	if err != nil {
		return Result{}, err
	}
	it.PrimaryPost = &ref
	return Result{Outcome: OutcomePublished, Item: &it, PostURL: publish.PostURL(f.PrimaryURL, ref)}, nil
}

func (f *Flow) forward(ctx context.Context, req Request, title string) (Result, error) {
	var cands []catalog.Candidate
	if f.search != nil {
		var err error
		cands, err = f.search.Search(ctx, title)
		if err != nil {
			f.log.Warn("upstream search failed", logx.String("query", title), logx.Err(err))
		}
	}
	if len(cands) > 5 {
		cands = cands[:5]
	}
	return f.notify(ctx, req, title, cands), nil
}

func (f *Flow) notify(ctx context.Context, req Request, title string, cands []catalog.Candidate) Result {
	text, buttons := adminMessage(req, title, cands)
	if f.admins != nil {
		if err := f.admins.NotifyAdmins(ctx, text, buttons); err != nil {
			f.log.Warn("notify admins failed", logx.Err(err))
		}
	}
	if len(cands) == 0 {
		return Result{Outcome: OutcomeNotFound}
	}
	return Result{Outcome: OutcomeForwarded, Candidates: cands}
}

func adminMessage(req Request, title string, cands []catalog.Candidate) (string, [][]kit.Button) {
	who := html.EscapeString(req.FullName)
	if who == "" {
		who = strconv.FormatInt(req.UserID, 10)
	}
	if req.Username != "" {
		who += " (@" + html.EscapeString(req.Username) + ")"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "El usuario %s ha solicitado la película: <b>%s</b>", who, html.EscapeString(title))
	if len(cands) == 0 {
		b.WriteString("\n\nNo se encontró en TMDB ni en Trakt. Agrégala manualmente con /add.")
		return b.String(), nil
	}
	b.WriteString("\n\nCandidatos:")
	rows := make([][]kit.Button, 0, len(cands))
	for _, c := range cands {
		label := c.Title
		if c.Year > 0 {
			label += " (" + strconv.Itoa(c.Year) + ")"
		}
		fmt.Fprintf(&b, "\n• %s [%s %d]", html.EscapeString(label), c.Source, c.ExternalID)
		rows = append(rows, []kit.Button{{
			Text: "📌 Publicar " + label,
			Data: RequestCallback(c.ExternalID, req.UserID),
		}})
	}
	return b.String(), rows
}

// RequestCallback encodes the operator button that adds and publishes a
// requested movie: request:<tmdb id>:<requester>.
func RequestCallback(externalID, userID int64) string {
	return "request:" + strconv.FormatInt(externalID, 10) + ":" + strconv.FormatInt(userID, 10)
}

// ParseRequestCallback is the inverse of RequestCallback. The requester part
// is optional.
func ParseRequestCallback(data string) (externalID, userID int64, err error) {
	rest, ok := strings.CutPrefix(data, "request:")
	if !ok {
		return 0, 0, errs.Invariantf("not a request callback: %q", data)
	}
	idPart, userPart, _ := strings.Cut(rest, ":")
	externalID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil || externalID <= 0 {
		return 0, 0, errs.Invariantf("bad item id in %q", data)
	}
	if userPart != "" {
		if userID, err = strconv.ParseInt(userPart, 10, 64); err != nil {
			return 0, 0, errs.Invariantf("bad requester in %q", data)
		}
	}
	return externalID, userID, nil
}

func itemID(it *catalog.Item) int64 {
	if it == nil {
		return 0
	}
	return it.ExternalID
}
