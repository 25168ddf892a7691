// Package catalog defines the publishable item model and the store contract.
package catalog

import (
	"context"
	"strings"
	"time"

	kit "cinebot/internal/transport"
)

// Item is one publishable movie, keyed by its external catalog id.
//
// At most one live post exists per surface: PrimaryPost and MirrorPost are
// written only by the publication pipeline.
type Item struct {
	ExternalID     int64
	Title          string
	AlternateNames []string
	ExternalLink   string
	PrimaryPost    *kit.PostRef
	MirrorPost     *kit.PostRef
	AddedAt        time.Time

	// Display fields cached from the last detail lookup; used when the
	// upstream detail source is unavailable.
	Synopsis    string
	ReleaseDate string
	PosterURL   string
	Score       float64
}

// Published reports whether the item has a live primary post.
func (it Item) Published() bool { return it.PrimaryPost != nil }

// Ref returns the live post for surface, nil when none.
func (it Item) Ref(s kit.Surface) *kit.PostRef {
	if s == kit.SurfaceMirror {
		return it.MirrorPost
	}
	return it.PrimaryPost
}

// MatchesName reports whether q is a case-insensitive substring of the
// title or of any alternate name.
func (it Item) MatchesName(q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return false
	}
	if strings.Contains(strings.ToLower(it.Title), q) {
		return true
	}
	for _, n := range it.AlternateNames {
		if strings.Contains(strings.ToLower(n), q) {
			return true
		}
	}
	return false
}

// Detail is the display data resolved from the upstream catalog.
type Detail struct {
	ExternalID  int64
	Title       string
	Synopsis    string
	ReleaseDate string
	PosterURL   string
	Score       float64
	Year        int
}

// Genre is an upstream genre viewers can browse by.
type Genre struct {
	ID   int64
	Name string
}

// Candidate is an upstream search hit offered to operators.
type Candidate struct {
	ExternalID int64
	Title      string
	Year       int
	Source     string // "tmdb" or "trakt"
}

// Store is the durable item catalog.
type Store interface {
	// Upsert merges by ExternalID; last write wins on every field except
	// post refs, which are kept when the incoming item carries none.
	Upsert(ctx context.Context, it Item) error
	// Get returns errs.ErrNotFound when the id is absent.
	Get(ctx context.Context, id int64) (Item, error)
	// FindByName returns the first match in insertion order, errs.ErrNotFound otherwise.
	FindByName(ctx context.Context, q string) (Item, error)
	ListUnpublished(ctx context.Context) ([]Item, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id int64) error
	// SetPostRefs records the live refs after a confirmed send. Nil clears a ref.
	SetPostRefs(ctx context.Context, id int64, primary, mirror *kit.PostRef) error
	// SetDisplay refreshes cached display fields.
	SetDisplay(ctx context.Context, id int64, d Detail) error
	List(ctx context.Context, offset, limit int) ([]Item, error)
	RecentlyPosted(ctx context.Context, n int) ([]Item, error)
	Count(ctx context.Context) (int, error)
}
