// Package ancillary posts filler content (memes and cinema news) to the
// primary channel between catalog posts, bounded by a daily quota.
package ancillary

import (
	"context"
	"fmt"
	"html"
	"math/rand/v2"
	"strings"
	"sync"
	"unicode/utf8"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	"cinebot/internal/eventbus"
	"cinebot/internal/settings"
	"cinebot/internal/task/scheduler"
	kit "cinebot/internal/transport"
	logx "cinebot/pkg/logx"
)

const (
	JobName         = "ancillary"
	CounterName     = "ancillary_posts"
	DefaultSchedule = "@every 4h"

	counterKey    = "channel"
	newsBudget    = 700
	noNewsSummary = "Sinopsis no disponible"
)

type Kind string

const (
	KindNone Kind = ""
	KindMeme Kind = "meme"
	KindNews Kind = "news"
)

type Meme struct {
	PhotoURL string `json:"photo_url" yaml:"photo_url"`
	Caption  string `json:"caption" yaml:"caption"`
}

// DefaultMemes is used when the config lists none.
var DefaultMemes = []Meme{
	{PhotoURL: "https://i.imgflip.com/64s72q.jpg", Caption: "Cuando te dicen que hay una película nueva... y es la que no querías."},
	{PhotoURL: "https://i.imgflip.com/71j22e.jpg", Caption: "Yo esperando la película que pedí en el canal..."},
	{PhotoURL: "https://i.imgflip.com/83p14j.jpg", Caption: "Mi reacción cuando el bot me dice que la película ya está en el catálogo."},
	{PhotoURL: "https://i.imgflip.com/4q3e3i.jpg", Caption: "Cuando me entero que la película que quiero ya está disponible en alta calidad."},
	{PhotoURL: "https://i.imgflip.com/776k1w.jpg", Caption: "Yo después de ver 3 películas seguidas en un día."},
}

type Config struct {
	Enabled  bool
	Schedule string
	Memes    []Meme
}

// NewsSource lists currently popular titles. tmdb.Client implements it.
type NewsSource interface {
	Popular(ctx context.Context) ([]catalog.Detail, error)
}

type Deps struct {
	Settings  *settings.Store
	News      NewsSource
	Publisher kit.Publisher
	Bus       eventbus.Bus
	Log       logx.Logger
	Rand      *rand.Rand
}

// Result describes one run. Kind is KindNone when the quota was already spent.
type Result struct {
	Kind  Kind
	Ref   kit.PostRef
	Count int
	Quota int
}

type Poster struct {
	d       Deps
	counter *settings.Counter

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand
}

func New(d Deps, cfg Config) *Poster {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	rng := d.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Poster{d: d, counter: d.Settings.Counter(CounterName), cfg: normalize(cfg), rng: rng}
}

func normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if len(cfg.Memes) == 0 {
		cfg.Memes = DefaultMemes
	}
	return cfg
}

func (p *Poster) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = normalize(cfg)
	p.mu.Unlock()
}

func (p *Poster) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Register installs (or replaces) the recurring job on s. A disabled config removes it.
func (p *Poster) Register(s *scheduler.Service) error {
	cfg := p.Config()
	if !cfg.Enabled {
		s.Remove(JobName)
		return nil
	}
	_, err := s.AddSchedule(JobName, cfg.Schedule, 0, func(ctx context.Context) error {
		_, err := p.Post(ctx)
		return err
	})
	return err
}

// Post publishes one piece of filler content if today's quota allows it.
func (p *Poster) Post(ctx context.Context) (Result, error) {
	quota, _, err := p.d.Settings.DailyAncillaryQuota(ctx)
	if err != nil {
		return Result{}, err
	}
	count, err := p.counter.Get(ctx, counterKey)
	if err != nil {
		return Result{}, err
	}
	if count >= quota {
		p.d.Log.Debug("ancillary quota spent", logx.Int("count", count), logx.Int("quota", quota))
		return Result{Count: count, Quota: quota}, nil
	}

	kind, post, err := p.compose(ctx)
	if err != nil {
		return Result{}, err
	}
	ref, err := p.d.Publisher.SendPost(ctx, kit.SurfacePrimary, post)
	if err != nil {
		p.d.Log.Warn("ancillary post failed", logx.String("kind", string(kind)), logx.Err(err))
		return Result{}, errs.Transient(err, "send ancillary post")
	}
	count, err = p.counter.Incr(ctx, counterKey)
	if err != nil {
		p.d.Log.Warn("ancillary counter not updated", logx.Err(err))
	}
	p.d.Bus.Publish(eventbus.Event{
		Type: eventbus.AncillaryPost,
		Data: map[string]any{"kind": string(kind), "message_id": ref.MessageID},
	})
	p.d.Log.Info("ancillary posted", logx.String("kind", string(kind)), logx.Int("count", count), logx.Int("quota", quota))
	return Result{Kind: kind, Ref: ref, Count: count, Quota: quota}, nil
}

// compose picks meme or news at random. News falls back to a meme when no popular title is available.
func (p *Poster) compose(ctx context.Context) (Kind, kit.Post, error) {
	cfg := p.Config()
	p.mu.Lock()
	news := p.rng.IntN(2) == 1
	p.mu.Unlock()

	if news && p.d.News != nil {
		movies, err := p.d.News.Popular(ctx)
		switch {
		case err != nil:
			p.d.Log.Warn("popular titles unavailable; posting a meme", logx.Err(err))
		case len(movies) > 0:
			p.mu.Lock()
			m := movies[p.rng.IntN(len(movies))]
			p.mu.Unlock()
			return KindNews, renderNews(m), nil
		}
	}
	if len(cfg.Memes) == 0 {
		return KindNone, kit.Post{}, errs.Invariantf("no memes configured")
	}
	p.mu.Lock()
	m := cfg.Memes[p.rng.IntN(len(cfg.Memes))]
	p.mu.Unlock()
	return KindMeme, kit.Post{Text: html.EscapeString(m.Caption), PhotoURL: m.PhotoURL, ParseMode: "HTML"}, nil
}

func renderNews(d catalog.Detail) kit.Post {
	summary := strings.TrimSpace(d.Synopsis)
	if summary == "" {
		summary = noNewsSummary
	}
	if utf8.RuneCountInString(summary) > newsBudget {
		summary = string([]rune(summary)[:newsBudget-1]) + "…"
	}
	return kit.Post{
		Text:      fmt.Sprintf("<b>Novedad del cine:</b> «%s»\n\n%s", html.EscapeString(d.Title), html.EscapeString(summary)),
		PhotoURL:  d.PosterURL,
		ParseMode: "HTML",
	}
}
