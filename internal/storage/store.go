// Package storage is the SQLite persistence layer.
//
// It holds:
//   - the item catalog (implements catalog.Store)
//   - operator settings and date-scoped counters (quota, rate limits)
//   - the audit log of publication actions
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "cinebot/pkg/logx"
)

// Config configures storage.
//
// Driver is "sqlite" (default). Path ":memory:" keeps everything in process.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

type SQLite struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

// Open opens and migrates the configured database.
func Open(cfg Config, log logx.Logger) (*SQLite, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
	default:
		return nil, errors.Newf("unknown storage driver: %s", cfg.Driver)
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create storage dir")
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes writers; counters rely on it for atomic increments.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	s := &SQLite{db: db, log: log, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("path", path))
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "migrate")
	}
	return nil
}

// Ping checks the database handle; used by /healthz.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	external_id   INTEGER PRIMARY KEY,
	seq           INTEGER NOT NULL,
	title         TEXT    NOT NULL,
	alt_names     TEXT    NOT NULL DEFAULT '[]',
	external_link TEXT    NOT NULL DEFAULT '',
	primary_ref   TEXT,
	mirror_ref    TEXT,
	added_at      TEXT    NOT NULL,
	posted_at     TEXT,
	synopsis      TEXT    NOT NULL DEFAULT '',
	release_date  TEXT    NOT NULL DEFAULT '',
	poster_url    TEXT    NOT NULL DEFAULT '',
	score         REAL    NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS items_seq ON items(seq);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	name   TEXT    NOT NULL,
	key    TEXT    NOT NULL,
	period TEXT    NOT NULL,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (name, key, period)
);

CREATE TABLE IF NOT EXISTS audit (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	at       TEXT    NOT NULL,
	actor_id INTEGER NOT NULL DEFAULT 0,
	action   TEXT    NOT NULL,
	item_id  INTEGER NOT NULL DEFAULT 0,
	ok       INTEGER NOT NULL,
	err      TEXT,
	meta     TEXT
);
`
