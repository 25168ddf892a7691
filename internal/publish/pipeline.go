// Package publish owns the only code path that creates, replaces and
// records channel posts for catalog items.
package publish

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/filecoin-project/go-clock"
	"golang.org/x/sync/singleflight"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/storage"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

type Config struct {
	// Mirror enables the link-only announcement on the mirror surface.
	Mirror bool
	// MirrorDelay is the settle delay before the mirror announcement.
	MirrorDelay    time.Duration
	SynopsisBudget int
	// PrimaryURL is the public channel link (https://t.me/name); empty uses /c/ links.
	PrimaryURL string
	// BotURL is the bot's t.me link used by the "request another" button.
	BotURL string
	// Timeout bounds one publish, detached from the caller's context.
	Timeout time.Duration
}

func (c Config) synopsisBudget() int {
	if c.SynopsisBudget <= 0 {
		return defaultSynopsisBudget
	}
	return c.SynopsisBudget
}

// RequestURL is the deep link that opens the request flow in the bot.
func (c Config) RequestURL() string {
	if c.BotURL == "" {
		return ""
	}
	return strings.TrimRight(c.BotURL, "/") + "?start=request"
}

type Request struct {
	ExternalID int64
	Surface    kit.Surface
	// Link overrides the item's stored viewing link when set.
	Link string
	// NotifyUser receives a direct message once the post is live; 0 disables.
	NotifyUser int64
	// ActorID and Reason are recorded in the audit log.
	ActorID int64
	Reason  string
}

// DetailSource resolves fresh display data. tmdb.Client implements it.
type DetailSource interface {
	Resolve(ctx context.Context, id int64) (*catalog.Detail, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Spawner runs background work. supervisor.Supervisor implements it.
type Spawner interface {
	Go0(name string, fn func(ctx context.Context))
}

type Deps struct {
	Store     catalog.Store
	Details   DetailSource
	Publisher kit.Publisher
	Bus       eventbus.Bus
	Audit     Auditor
	Spawner   Spawner
	Clock     clock.Clock
	Log       logx.Logger
}

type Pipeline struct {
	store   catalog.Store
	details DetailSource
	pub     kit.Publisher
	bus     eventbus.Bus
	audit   Auditor
	spawn   Spawner
	clk     clock.Clock
	log     logx.Logger

	cfg   atomic.Pointer[Config]
	sf    singleflight.Group
	locks keyedMutex

	// mirrorArmed fires once the settle timer is registered.
	mirrorArmed func()
}

func New(d Deps, cfg Config) *Pipeline {
	p := &Pipeline{
		store:   d.Store,
		details: d.Details,
		pub:     d.Publisher,
		bus:     d.Bus,
		audit:   d.Audit,
		spawn:   d.Spawner,
		clk:     d.Clock,
		log:     d.Log,
	}
	if p.bus == nil {
		p.bus = eventbus.Nop()
	}
	if p.clk == nil {
		p.clk = clock.New()
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.SetConfig(cfg)
	return p
}

func (p *Pipeline) SetConfig(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	p.cfg.Store(&cfg)
}

func (p *Pipeline) Config() Config { return *p.cfg.Load() }

// Publish replaces the item's post on req.Surface. Concurrent calls for the
// same item share one in-flight publish and its result; each caller's
// NotifyUser is still notified.
func (p *Pipeline) Publish(ctx context.Context, req Request) (kit.PostRef, error) {
	if req.Surface == "" {
		req.Surface = kit.SurfacePrimary
	}
	key := strconv.FormatInt(req.ExternalID, 10) + "/" + string(req.Surface)
	v, err, shared := p.sf.Do(key, func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.Config().Timeout)
		defer cancel()
		return p.publish(wctx, req)
	})
	if err != nil {
		return kit.PostRef{}, err
	}
	res := v.(result)
	if shared {
		p.log.Debug("publish shared", logx.Int64("item", req.ExternalID))
	}
	if req.NotifyUser != 0 {
		p.notify(ctx, req.NotifyUser, res)
	}
	return res.ref, nil
}

type result struct {
	ref  kit.PostRef
	item catalog.Item
}

func (p *Pipeline) publish(ctx context.Context, req Request) (res result, err error) {
	unlock := p.locks.Lock(req.ExternalID)
	defer unlock()

	log := p.log.With(logx.Int64("item", req.ExternalID), logx.String("surface", string(req.Surface)))
	start := p.clk.Now()
	defer func() { p.record(ctx, req, res, err, p.clk.Now().Sub(start)) }()

	it, err := p.store.Get(ctx, req.ExternalID)
	if err != nil {
		return result{}, err
	}
	fresh, err := p.resolve(ctx, &it)
	if err != nil {
		return result{}, err
	}

	if old := it.Ref(req.Surface); old != nil {
		if derr := p.pub.DeletePost(ctx, *old); derr != nil {
			log.Warn("delete previous post failed", logx.Int("msg", old.MessageID), logx.Err(derr))
		}
	}

	link := req.Link
	if link == "" {
		link = it.ExternalLink
	}
	cfg := p.Config()
	ref, err := p.pub.SendPost(ctx, req.Surface, Render(it, link, cfg))
	if err != nil {
		log.Warn("send failed", logx.Err(err))
		if !errs.IsTransient(err) && !errs.IsInvariant(err) {
			err = errs.Transient(err, "send post")
		}
		return result{}, err
	}
	if ref.Surface == "" {
		ref.Surface = req.Surface
	}

	primary, mirror := it.PrimaryPost, it.MirrorPost
	if req.Surface == kit.SurfaceMirror {
		mirror = &ref
	} else {
		primary = &ref
	}
	if err := p.store.SetPostRefs(ctx, it.ExternalID, primary, mirror); err != nil {
		// The post is live but unrecorded; the next publish cannot retire it.
		log.Error("persist post ref failed", logx.Int("msg", ref.MessageID), logx.Err(err))
		return result{}, errors.Wrap(err, "persist post ref")
	}
	it.PrimaryPost, it.MirrorPost = primary, mirror
	if fresh != nil {
		if derr := p.store.SetDisplay(ctx, it.ExternalID, *fresh); derr != nil {
			log.Warn("cache display fields failed", logx.Err(derr))
		}
	}
	if link != it.ExternalLink && req.Link != "" {
		it.ExternalLink = link
		if uerr := p.store.Upsert(ctx, it); uerr != nil {
			log.Warn("store link failed", logx.Err(uerr))
		}
	}
	log.Info("post published", logx.Int("msg", ref.MessageID))

	if req.Surface == kit.SurfacePrimary && cfg.Mirror {
		p.scheduleMirror(it, ref)
	}
	return result{ref: ref, item: it}, nil
}

// resolve refreshes display fields. Without fresh detail it falls back to
// cached fields; an item that was never resolved cannot be published yet.
func (p *Pipeline) resolve(ctx context.Context, it *catalog.Item) (*catalog.Detail, error) {
	var d *catalog.Detail
	var err error
	if p.details != nil {
		d, err = p.details.Resolve(ctx, it.ExternalID)
	}
	if d != nil {
		if d.Title != "" {
			it.Title = d.Title
		}
		it.Synopsis, it.ReleaseDate, it.PosterURL, it.Score = d.Synopsis, d.ReleaseDate, d.PosterURL, d.Score
		return d, nil
	}
	if it.Title != "" && (it.Synopsis != "" || it.PosterURL != "") {
		if err != nil {
			p.log.Debug("using cached display fields", logx.Int64("item", it.ExternalID), logx.Err(err))
		}
		return nil, nil
	}
	if err == nil {
		err = errors.New("no detail")
	}
	return nil, errs.Transient(err, "cannot publish yet")
}

func (p *Pipeline) scheduleMirror(it catalog.Item, primary kit.PostRef) {
	run := func(ctx context.Context) { p.mirror(ctx, it, primary) }
	if p.spawn == nil {
		go run(context.Background())
		return
	}
	p.spawn.Go0("publish.mirror."+strconv.FormatInt(it.ExternalID, 10), run)
}

func (p *Pipeline) mirror(ctx context.Context, it catalog.Item, primary kit.PostRef) {
	cfg := p.Config()
	log := p.log.With(logx.Int64("item", it.ExternalID), logx.String("surface", string(kit.SurfaceMirror)))
	if d := cfg.MirrorDelay; d > 0 {
		t := p.clk.Timer(d)
		if p.mirrorArmed != nil {
			p.mirrorArmed()
		}
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
	defer cancel()

	unlock := p.locks.Lock(it.ExternalID)
	defer unlock()
	cur, err := p.store.Get(wctx, it.ExternalID)
	if err != nil {
		log.Warn("mirror skipped", logx.Err(err))
		return
	}
	if cur.PrimaryPost == nil || *cur.PrimaryPost != primary {
		log.Debug("mirror skipped, primary post replaced")
		return
	}
	if cur.MirrorPost != nil {
		if derr := p.pub.DeletePost(wctx, *cur.MirrorPost); derr != nil {
			log.Warn("delete previous mirror failed", logx.Err(derr))
		}
	}
	ref, err := p.pub.SendPost(wctx, kit.SurfaceMirror, renderMirror(cur, PostURL(cfg.PrimaryURL, primary)))
	if err != nil {
		log.Warn("mirror failed", logx.Err(err))
		return
	}
	if ref.Surface == "" {
		ref.Surface = kit.SurfaceMirror
	}
	if err := p.store.SetPostRefs(wctx, cur.ExternalID, cur.PrimaryPost, &ref); err != nil {
		log.Warn("persist mirror ref failed", logx.Err(err))
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.MirrorSent, ItemID: cur.ExternalID})
}

func (p *Pipeline) notify(ctx context.Context, userID int64, res result) {
	text := renderNotify(res.item, PostURL(p.Config().PrimaryURL, res.ref))
	if err := p.pub.Notify(ctx, userID, text); err != nil {
		p.log.Warn("notify requester failed", logx.Int64("user", userID), logx.Err(err))
	}
}

func (p *Pipeline) record(ctx context.Context, req Request, res result, err error, took time.Duration) {
	ev := eventbus.Event{
		Type:   eventbus.PostPublished,
		ItemID: req.ExternalID,
		Data:   map[string]any{"surface": string(req.Surface), "reason": req.Reason, "took": took},
	}
	entry := storage.AuditEntry{
		ActorID: req.ActorID,
		Action:  "publish",
		ItemID:  req.ExternalID,
		OK:      err == nil,
		Meta:    map[string]any{"surface": string(req.Surface), "reason": req.Reason},
	}
	if err != nil {
		ev.Type = eventbus.PostFailed
		ev.Data["error"] = err.Error()
		entry.Err = err.Error()
	} else {
		entry.Meta["msg"] = res.ref.MessageID
	}
	p.bus.Publish(ev)
	if p.audit != nil {
		if aerr := p.audit.AppendAudit(ctx, entry); aerr != nil {
			p.log.Warn("audit append failed", logx.Err(aerr))
		}
	}
}

// Retire deletes every live post of an item and clears its refs.
func (p *Pipeline) Retire(ctx context.Context, id int64) error {
	unlock := p.locks.Lock(id)
	defer unlock()
	return p.retire(ctx, id)
}

// Remove retires an item and drops it from the catalog while holding the
// item's lock, so no publish can slip in between.
func (p *Pipeline) Remove(ctx context.Context, id int64) error {
	unlock := p.locks.Lock(id)
	defer unlock()
	if err := p.retire(ctx, id); err != nil {
		return err
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return err
	}
	p.log.Info("item removed", logx.Int64("item", id))
	return nil
}

func (p *Pipeline) retire(ctx context.Context, id int64) error {
	it, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, ref := range []*kit.PostRef{it.PrimaryPost, it.MirrorPost} {
		if ref == nil {
			continue
		}
		if derr := p.pub.DeletePost(ctx, *ref); derr != nil {
			p.log.Warn("retire post failed", logx.Int64("item", id), logx.Err(derr))
		}
	}
	return p.store.SetPostRefs(ctx, id, nil, nil)
}

// keyedMutex serializes work per item id.
type keyedMutex struct {
	mu sync.Mutex
	m  map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id int64) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = map[int64]*keyedEntry{}
	}
	e := k.m[id]
	if e == nil {
		e = &keyedEntry{}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		if e.refs--; e.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}
