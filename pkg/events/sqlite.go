package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
    id          TEXT PRIMARY KEY,
    ts          INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    request_id  TEXT,
    identity    TEXT NOT NULL,
    tier        TEXT,
    class       TEXT,
    chars       INTEGER NOT NULL DEFAULT 0,
    outcome     TEXT NOT NULL,
    reason      TEXT,
    attempts    INTEGER NOT NULL DEFAULT 0,
    bytes       INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_events_ts ON usage_events(ts);
CREATE INDEX IF NOT EXISTS idx_usage_events_identity_ts ON usage_events(identity, ts);
`

// SQLiteConfig configures the SQLite event store.
type SQLiteConfig struct {
	Path string

	// Default: 5 seconds
	BusyTimeout time.Duration

	// Default: 4
	MaxOpenConns int
}

// SQLiteStore stores events in SQLite using github.com/mattn/go-sqlite3.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	closeOnce sync.Once
}

// NewSQLiteStore opens (or creates) the database at cfg.Path in WAL mode.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("events: sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("events: create data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("events: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("events: create schema: %w", err)
	}

	logger := slog.Default().With("component", "events.sqlite")
	logger.Info("event store initialized", "path", cfg.Path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events
		    (id, ts, kind, request_id, identity, tier, class, chars, outcome, reason, attempts, bytes, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UnixNano(), string(e.Kind), e.RequestID, e.Identity, e.Tier, e.Class,
		e.Chars, e.Outcome, e.Reason, e.Attempts, e.Bytes, e.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("events: insert %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if q.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, q.Identity)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, q.Until.UnixNano())
	}

	stmt := `SELECT id, ts, kind, request_id, identity, tier, class, chars, outcome, reason, attempts, bytes, duration_ms
	         FROM usage_events`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY ts DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e    Event
			ts   int64
			kind string
		)
		var requestID, tier, class, reason sql.NullString
		if err := rows.Scan(&e.ID, &ts, &kind, &requestID, &e.Identity, &tier, &class,
			&e.Chars, &e.Outcome, &reason, &e.Attempts, &e.Bytes, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("events: scan: %w", err)
		}
		e.Time = time.Unix(0, ts).UTC()
		e.Kind = Kind(kind)
		e.RequestID = requestID.String
		e.Tier = tier.String
		e.Class = class.String
		e.Reason = reason.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE ts < ?`, t.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("events: delete: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}
