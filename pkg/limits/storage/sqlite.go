package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite for persistence.
//
// Rows are unique on (identity_kind, subject, usage_date). A consume runs
// in one transaction: insert-if-absent, a conditional row-level increment,
// then a read-back. The database uses a write-ahead log with periodic
// checkpoints and a single connection, so transactions are serialized.
type SQLiteStore struct {
	db               *sql.DB
	dbPath           string
	snapshotInterval time.Duration
	done             chan struct{}
	mu               sync.Mutex
	closed           bool
	closeOnce        sync.Once

	insertStmt  *sql.Stmt
	headStmt    *sql.Stmt
	updateStmt  *sql.Stmt
	rowStmt     *sql.Stmt
	listStmt    *sql.Stmt
	cleanupStmt *sql.Stmt
}

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// SnapshotInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	SnapshotInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a SQLite store with default settings.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteStoreConfig{DBPath: dbPath})
}

// NewSQLiteStoreWithConfig creates a SQLite store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:               db,
		dbPath:           cfg.DBPath,
		snapshotInterval: cfg.SnapshotInterval,
		done:             make(chan struct{}),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go s.checkpointLoop()

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quota_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		usage_date TEXT NOT NULL,
		request_count INTEGER NOT NULL DEFAULT 0,
		chars_consumed INTEGER NOT NULL DEFAULT 0,
		webui_tts INTEGER NOT NULL DEFAULT 0,
		api_tts INTEGER NOT NULL DEFAULT 0,
		webui_multivoice INTEGER NOT NULL DEFAULT 0,
		api_multivoice INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (identity_kind, subject, usage_date)
	);

	CREATE INDEX IF NOT EXISTS idx_quota_usage_date ON quota_usage(usage_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

const rowColumns = `id, identity_kind, subject, usage_date, request_count, chars_consumed,
	webui_tts, api_tts, webui_multivoice, api_multivoice, created_at, updated_at`

func (s *SQLiteStore) prepareStatements() error {
	var err error

	// NOT EXISTS keeps the insert idempotent on databases created before
	// the unique constraint existed.
	s.insertStmt, err = s.db.Prepare(`
		INSERT OR IGNORE INTO quota_usage (identity_kind, subject, usage_date, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM quota_usage WHERE identity_kind = ? AND subject = ? AND usage_date = ?
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.headStmt, err = s.db.Prepare(`
		SELECT id FROM quota_usage
		WHERE identity_kind = ? AND subject = ? AND usage_date = ?
		ORDER BY id LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare head statement: %w", err)
	}

	s.updateStmt, err = s.db.Prepare(`
		UPDATE quota_usage SET
			request_count = request_count + ?,
			chars_consumed = chars_consumed + ?,
			webui_tts = webui_tts + ?,
			api_tts = api_tts + ?,
			webui_multivoice = webui_multivoice + ?,
			api_multivoice = api_multivoice + ?,
			updated_at = ?
		WHERE id = ? AND (? < 0 OR request_count < ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update statement: %w", err)
	}

	s.rowStmt, err = s.db.Prepare(`SELECT ` + rowColumns + ` FROM quota_usage WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare row statement: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`SELECT ` + rowColumns + ` FROM quota_usage WHERE usage_date = ? ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`DELETE FROM quota_usage WHERE usage_date < ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

// GetOrCreateAndIncrement implements Store.
func (s *SQLiteStore) GetOrCreateAndIncrement(ctx context.Context, key Key, date string, d Deltas) (*Row, error) {
	row, _, err := s.ConsumeIfBelow(ctx, key, date, d, NoLimit)
	return row, err
}

// ConsumeIfBelow implements Store.
func (s *SQLiteStore) ConsumeIfBelow(ctx context.Context, key Key, date string, d Deltas, limit int64) (*Row, bool, error) {
	if err := d.validate(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	kind, subject := string(key.Kind), key.Subject

	if _, err := tx.StmtContext(ctx, s.insertStmt).ExecContext(ctx,
		kind, subject, date, now, now,
		kind, subject, date,
	); err != nil {
		return nil, false, fmt.Errorf("failed to create row: %w", err)
	}

	var id int64
	if err := tx.StmtContext(ctx, s.headStmt).QueryRowContext(ctx, kind, subject, date).Scan(&id); err != nil {
		return nil, false, fmt.Errorf("failed to locate row: %w", err)
	}

	counts := classDeltas(d.Class)
	res, err := tx.StmtContext(ctx, s.updateStmt).ExecContext(ctx,
		d.Requests, d.Chars,
		counts[0], counts[1], counts[2], counts[3],
		now, id, limit, limit,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to increment row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	row, err := scanRow(tx.StmtContext(ctx, s.rowStmt).QueryRowContext(ctx, id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}

	return row, affected == 1, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key Key, date string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	var id int64
	err := s.headStmt.QueryRowContext(ctx, string(key.Kind), key.Subject, date).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate row: %w", err)
	}

	row, err := scanRow(s.rowStmt.QueryRowContext(ctx, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}
	return row, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, date string) ([]*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.listStmt.QueryContext(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Cleanup implements Store.
func (s *SQLiteStore) Cleanup(ctx context.Context, before string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	result, err := s.cleanupStmt.ExecContext(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close releases any resources held by the store.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.done)

		for _, stmt := range []*sql.Stmt{s.insertStmt, s.headStmt, s.updateStmt, s.rowStmt, s.listStmt, s.cleanupStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})

	return closeErr
}

func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// classDeltas returns the per-column increments in Classes order.
func classDeltas(c Class) [4]int64 {
	var out [4]int64
	for i, known := range Classes {
		if c == known {
			out[i] = 1
		}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (*Row, error) {
	var (
		row                  Row
		kind                 string
		counts               [4]int64
		createdAt, updatedAt int64
	)
	if err := sc.Scan(
		&row.ID, &kind, &row.Key.Subject, &row.Date,
		&row.RequestCount, &row.CharsConsumed,
		&counts[0], &counts[1], &counts[2], &counts[3],
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	row.Key.Kind = Kind(kind)
	row.Classes = make(map[Class]int64, len(Classes))
	for i, c := range Classes {
		row.Classes[c] = counts[i]
	}
	row.CreatedAt = time.Unix(createdAt, 0)
	row.UpdatedAt = time.Unix(updatedAt, 0)
	return &row, nil
}
