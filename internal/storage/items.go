package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"cinebot/internal/catalog"
	"cinebot/internal/errs"
	kit "cinebot/internal/transport"
)

var _ catalog.Store = (*SQLite)(nil)

const itemCols = `external_id, title, alt_names, external_link, primary_ref, mirror_ref, added_at,
	synopsis, release_date, poster_url, score`

func (s *SQLite) Upsert(ctx context.Context, it catalog.Item) error {
	if it.ExternalID == 0 {
		return errs.Invariantf("item without external id")
	}
	alt, err := json.Marshal(nonNil(it.AlternateNames))
	if err != nil {
		return err
	}
	added := ""
	if !it.AddedAt.IsZero() {
		added = it.AddedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items(external_id, seq, title, alt_names, external_link, primary_ref, mirror_ref, added_at,
			synopsis, release_date, poster_url, score)
		VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM items), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			title         = excluded.title,
			alt_names     = excluded.alt_names,
			external_link = excluded.external_link,
			primary_ref   = COALESCE(excluded.primary_ref, items.primary_ref),
			mirror_ref    = COALESCE(excluded.mirror_ref, items.mirror_ref),
			added_at      = CASE WHEN ? = '' THEN items.added_at ELSE excluded.added_at END,
			synopsis      = excluded.synopsis,
			release_date  = excluded.release_date,
			poster_url    = excluded.poster_url,
			score         = excluded.score`,
		it.ExternalID, it.Title, string(alt), it.ExternalLink,
		refJSON(it.PrimaryPost), refJSON(it.MirrorPost), orNow(added, s.now()),
		it.Synopsis, it.ReleaseDate, it.PosterURL, it.Score,
		added,
	)
	return errors.Wrapf(err, "upsert item %d", it.ExternalID)
}

func (s *SQLite) Get(ctx context.Context, id int64) (catalog.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemCols+` FROM items WHERE external_id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Item{}, errs.NotFoundf("item %d", id)
	}
	return it, err
}

// FindByName matches in Go so case folding covers non-ASCII titles.
func (s *SQLite) FindByName(ctx context.Context, q string) (catalog.Item, error) {
	items, err := s.query(ctx, `SELECT `+itemCols+` FROM items ORDER BY seq`)
	if err != nil {
		return catalog.Item{}, err
	}
	for _, it := range items {
		if it.MatchesName(q) {
			return it, nil
		}
	}
	return catalog.Item{}, errs.NotFoundf("no item matches %q", q)
}

func (s *SQLite) ListUnpublished(ctx context.Context) ([]catalog.Item, error) {
	return s.query(ctx, `SELECT `+itemCols+` FROM items WHERE primary_ref IS NULL ORDER BY seq`)
}

func (s *SQLite) List(ctx context.Context, offset, limit int) ([]catalog.Item, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.query(ctx, `SELECT `+itemCols+` FROM items ORDER BY seq LIMIT ? OFFSET ?`, limit, max(offset, 0))
}

func (s *SQLite) RecentlyPosted(ctx context.Context, n int) ([]catalog.Item, error) {
	if n <= 0 {
		n = 10
	}
	return s.query(ctx, `SELECT `+itemCols+` FROM items WHERE primary_ref IS NOT NULL
		ORDER BY posted_at DESC, seq DESC LIMIT ?`, n)
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n)
	return n, err
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE external_id = ?`, id)
	return errors.Wrapf(err, "delete item %d", id)
}

func (s *SQLite) SetPostRefs(ctx context.Context, id int64, primary, mirror *kit.PostRef) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET primary_ref = ?, mirror_ref = ?,
			posted_at = CASE WHEN ? IS NOT NULL AND (primary_ref IS NULL OR primary_ref != ?) THEN ? ELSE posted_at END
		WHERE external_id = ?`,
		refJSON(primary), refJSON(mirror), refJSON(primary), refJSON(primary),
		s.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return errors.Wrapf(err, "set refs %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFoundf("item %d", id)
	}
	return nil
}

func (s *SQLite) SetDisplay(ctx context.Context, id int64, d catalog.Detail) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE items SET synopsis = ?, release_date = ?, poster_url = ?, score = ?,
			title = CASE WHEN ? = '' THEN title ELSE ? END
		WHERE external_id = ?`,
		d.Synopsis, d.ReleaseDate, d.PosterURL, d.Score, d.Title, d.Title, id)
	return errors.Wrapf(err, "set display %d", id)
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]catalog.Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query items")
	}
	defer rows.Close()
	var out []catalog.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanItem(sc scanner) (catalog.Item, error) {
	var (
		it              catalog.Item
		alt, added      string
		primary, mirror sql.NullString
	)
	err := sc.Scan(&it.ExternalID, &it.Title, &alt, &it.ExternalLink, &primary, &mirror, &added,
		&it.Synopsis, &it.ReleaseDate, &it.PosterURL, &it.Score)
	if err != nil {
		return catalog.Item{}, err
	}
	if err := json.Unmarshal([]byte(alt), &it.AlternateNames); err != nil {
		return catalog.Item{}, errors.Wrap(err, "decode alt names")
	}
	if it.PrimaryPost, err = parseRef(primary); err != nil {
		return catalog.Item{}, err
	}
	if it.MirrorPost, err = parseRef(mirror); err != nil {
		return catalog.Item{}, err
	}
	it.AddedAt, _ = time.Parse(time.RFC3339Nano, added)
	return it, nil
}

func refJSON(r *kit.PostRef) any {
	if r == nil {
		return nil
	}
	b, _ := json.Marshal(r)
	return string(b)
}

func parseRef(ns sql.NullString) (*kit.PostRef, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var r kit.PostRef
	if err := json.Unmarshal([]byte(ns.String), &r); err != nil {
		return nil, errors.Wrap(err, "decode post ref")
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orNow(v string, now time.Time) string {
	if v != "" {
		return v
	}
	return now.UTC().Format(time.RFC3339Nano)
}
