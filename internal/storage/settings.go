package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

// GetSetting returns the stored value and whether the key exists.
func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "get setting %s", key)
	}
	return v, true, nil
}

func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC().Format(time.RFC3339Nano))
	return errors.Wrapf(err, "set setting %s", key)
}

// IncrementCounter bumps the (name, key, period) counter and returns the new value.
func (s *SQLite) IncrementCounter(ctx context.Context, name, key, period string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO counters(name, key, period, count) VALUES(?, ?, ?, 1)
		ON CONFLICT(name, key, period) DO UPDATE SET count = count + 1
		RETURNING count`, name, key, period).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "increment %s/%s", name, key)
	}
	return n, nil
}

// GetCounter returns 0 for a counter that was never incremented in period.
func (s *SQLite) GetCounter(ctx context.Context, name, key, period string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM counters WHERE name = ? AND key = ? AND period = ?`,
		name, key, period).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get counter %s/%s", name, key)
	}
	return n, nil
}

// PruneCounters drops counters of every period except keep.
func (s *SQLite) PruneCounters(ctx context.Context, name, keep string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM counters WHERE name = ? AND period != ?`, name, keep)
	if err != nil {
		return 0, errors.Wrapf(err, "prune %s", name)
	}
	return res.RowsAffected()
}
