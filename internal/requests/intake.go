package requests

import (
	"context"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	logx "cinebot/pkg/logx"
)

var yearRe = regexp.MustCompile(`\(((?:19|20)\d{2})\)`)

// AddLine is the operator's "Title (Year) | name, name | link" input.
type AddLine struct {
	Title string
	Year  int
	Names []string
	Link  string
}

func ParseAddLine(s string) (AddLine, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 3 {
		return AddLine{}, errs.Invariantf("formato: Título (Año) | Nombre_1, Nombre_2 | Enlace")
	}
	title, year, err := splitYear(parts[0])
	if err != nil {
		return AddLine{}, err
	}
	line := AddLine{Title: title, Year: year, Link: strings.TrimSpace(parts[2])}
	for _, n := range strings.Split(parts[1], ",") {
		if n = strings.TrimSpace(n); n != "" {
			line.Names = append(line.Names, n)
		}
	}
	if line.Link == "" {
		return AddLine{}, errs.Invariantf("falta el enlace")
	}
	return line, nil
}

// ManualLine describes a movie unknown upstream:
// "Title (Year) | synopsis | score | link | poster url".
type ManualLine struct {
	Title     string
	Year      int
	Synopsis  string
	Score     float64
	Link      string
	PosterURL string
}

func ParseManualLine(s string) (ManualLine, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 5 {
		return ManualLine{}, errs.Invariantf("formato: Título (Año) | Sinopsis | Puntuación | Enlace | URL del Póster")
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	title, year, err := splitYear(parts[0])
	if err != nil {
		return ManualLine{}, err
	}
	score, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || score < 0 || score > 10 {
		return ManualLine{}, errs.Invariantf("puntuación inválida: %q", parts[2])
	}
	m := ManualLine{Title: title, Year: year, Synopsis: parts[1], Score: score, Link: parts[3], PosterURL: parts[4]}
	if m.Synopsis == "" || m.Link == "" || m.PosterURL == "" {
		return ManualLine{}, errs.Invariantf("datos incompletos")
	}
	return m, nil
}

func splitYear(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	m := yearRe.FindStringSubmatchIndex(s)
	if m == nil {
		return "", 0, errs.Invariantf("el año debe ir como (AAAA)")
	}
	year, _ := strconv.Atoi(s[m[2]:m[3]])
	title := strings.TrimSpace(s[:m[0]] + s[m[1]:])
	if title == "" {
		return "", 0, errs.Invariantf("falta el título")
	}
	return title, year, nil
}

// DetailResolver is the upstream lookup intake needs. tmdb.Client implements it.
type DetailResolver interface {
	Resolve(ctx context.Context, id int64) (*catalog.Detail, error)
	SearchTitle(ctx context.Context, title string, year int) (int64, error)
}

// Intake adds items to the catalog from operator input.
type Intake struct {
	store   catalog.Store
	details DetailResolver
	log     logx.Logger
}

func NewIntake(store catalog.Store, details DetailResolver, log logx.Logger) *Intake {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Intake{store: store, details: details, log: log}
}

// Add looks the title up upstream and upserts it with the operator's names
// and link.
func (in *Intake) Add(ctx context.Context, line AddLine) (catalog.Item, error) {
	id, err := in.details.SearchTitle(ctx, line.Title, line.Year)
	if err != nil {
		return catalog.Item{}, err
	}
	it := catalog.Item{ExternalID: id, Title: line.Title, ExternalLink: line.Link}
	if d, derr := in.details.Resolve(ctx, id); derr == nil && d != nil {
		applyDetail(&it, *d)
	} else if derr != nil {
		in.log.Warn("detail lookup failed, storing names only", logx.Int64("item", id), logx.Err(derr))
	}
	it.AlternateNames = mergeNames(it.Title, line.Title, line.Names)
	if err := in.store.Upsert(ctx, it); err != nil {
		return catalog.Item{}, err
	}
	return in.store.Get(ctx, id)
}

// AddByID resolves an upstream id and upserts it. An empty link keeps the
// stored one.
func (in *Intake) AddByID(ctx context.Context, id int64, link string) (catalog.Item, error) {
	d, err := in.details.Resolve(ctx, id)
	if err != nil {
		return catalog.Item{}, err
	}
	if d == nil {
		return catalog.Item{}, errs.Transient(nil, "no detail")
	}
	it := catalog.Item{ExternalID: id, ExternalLink: link}
	if prev, perr := in.store.Get(ctx, id); perr == nil {
		it = prev
		if link != "" {
			it.ExternalLink = link
		}
		it.PrimaryPost, it.MirrorPost = nil, nil
	}
	applyDetail(&it, *d)
	it.AlternateNames = mergeNames(it.Title, it.Title, it.AlternateNames)
	if err := in.store.Upsert(ctx, it); err != nil {
		return catalog.Item{}, err
	}
	return in.store.Get(ctx, id)
}

// AddManual stores an item that has no upstream entry. Its id is negative
// and derived from the title, so re-adding updates the same item.
func (in *Intake) AddManual(ctx context.Context, m ManualLine) (catalog.Item, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(m.Title) + "|" + strconv.Itoa(m.Year)))
	id := -int64(h.Sum64()>>1) - 1
	it := catalog.Item{
		ExternalID:     id,
		Title:          m.Title,
		AlternateNames: []string{m.Title},
		ExternalLink:   m.Link,
		Synopsis:       m.Synopsis,
		Score:          m.Score,
		PosterURL:      m.PosterURL,
	}
	if m.Year > 0 {
		it.ReleaseDate = strconv.Itoa(m.Year)
	}
	if err := in.store.Upsert(ctx, it); err != nil {
		return catalog.Item{}, err
	}
	return in.store.Get(ctx, id)
}

func applyDetail(it *catalog.Item, d catalog.Detail) {
	if d.Title != "" {
		it.Title = d.Title
	}
	it.Synopsis, it.ReleaseDate, it.PosterURL, it.Score = d.Synopsis, d.ReleaseDate, d.PosterURL, d.Score
}

// mergeNames puts canonical first and drops case-insensitive duplicates.
func mergeNames(canonical, title string, names []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, n := range append([]string{canonical, title}, names...) {
		k := strings.ToLower(strings.TrimSpace(n))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(n))
	}
	return out
}
