package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// AuditEntry records one operator or scheduler action.
type AuditEntry struct {
	ID      int64
	At      time.Time
	ActorID int64
	Action  string
	ItemID  int64
	OK      bool
	Err     string
	Meta    map[string]any
}

func (s *SQLite) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	var meta any
	if len(e.Meta) > 0 {
		b, err := json.Marshal(e.Meta)
		if err != nil {
			return errors.Wrap(err, "encode audit meta")
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit(at, actor_id, action, item_id, ok, err, meta) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.Action, e.ItemID, e.OK, nullStr(e.Err), meta)
	return errors.Wrap(err, "append audit")
}

// RecentAudit returns the newest n entries, newest first.
func (s *SQLite) RecentAudit(ctx context.Context, n int) ([]AuditEntry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, actor_id, action, item_id, ok, err, meta FROM audit ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "query audit")
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			at       string
			msg, raw sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.ItemID, &e.OK, &msg, &raw); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Err = msg.String
		if raw.Valid && raw.String != "" {
			_ = json.Unmarshal([]byte(raw.String), &e.Meta)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
