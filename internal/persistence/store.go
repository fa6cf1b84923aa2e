package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "gr-v1-2026-10-01-relay-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrUnavailable wraps driver failures that mean the store cannot serve
	// requests at all (closed handle, disk errors).
	ErrUnavailable = errors.New("store unavailable")
)

// TransitionError reports a status change outside the allowed edge set.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for task %s", e.From, e.To, e.TaskID)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store can serve queries.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// retryOnBusy runs f again while SQLite reports BUSY or LOCKED, up to
// maxRetries extra attempts, with jittered exponential delays between
// 50ms and 500ms. This sits on top of the driver's busy_timeout. Other
// errors are returned at once.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.25,
		Multiplier:          2,
		MaxInterval:         500 * time.Millisecond,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f()
		if err != nil && !isSQLiteBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(maxRetries+1)))
	return err
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED. Errors that lost the
// driver type on the way up are matched by message.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withTx runs f inside a transaction, retrying the whole transaction on BUSY.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(fmt.Errorf("begin tx: %w", err))
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// classify marks errors from a closed handle as ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "sql: database is closed") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range schemaV1 {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
	`, schemaVersionLatest, schemaChecksumLatest, time.Now().UTC()); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		total_cost REAL NOT NULL DEFAULT 0 CHECK(total_cost >= 0),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		flow_id TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		aggregated_cost REAL NOT NULL DEFAULT 0,
		aggregated_task_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_flow
		ON conversations(flow_id) WHERE active = 1 AND flow_id IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		flow_id TEXT,
		conversation_id TEXT REFERENCES conversations(id),
		status TEXT NOT NULL CHECK(status IN ('QUEUED','RUNNING','WAITING_INPUT','COMPLETED','FAILED','CANCELLED')),
		executor_profile TEXT NOT NULL,
		input_message TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		result TEXT,
		error TEXT,
		cost REAL NOT NULL DEFAULT 0 CHECK(cost >= 0),
		input_tokens INTEGER NOT NULL DEFAULT 0 CHECK(input_tokens >= 0),
		output_tokens INTEGER NOT NULL DEFAULT 0 CHECK(output_tokens >= 0),
		source TEXT NOT NULL,
		source_metadata TEXT NOT NULL DEFAULT '{}',
		parent_task_id TEXT REFERENCES tasks(id),
		requires_approval INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		pending_input TEXT,
		input_rounds INTEGER NOT NULL DEFAULT 0,
		executor_session_id TEXT NOT NULL DEFAULT '',
		enqueue_attempts INTEGER NOT NULL DEFAULT 0,
		next_enqueue_at DATETIME,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		duration_ms INTEGER,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_flow ON tasks(flow_id);`,
	`CREATE TABLE IF NOT EXISTS session_tasks (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		task_id TEXT NOT NULL REFERENCES tasks(id),
		PRIMARY KEY (session_id, task_id)
	);`,
	`CREATE TABLE IF NOT EXISTS task_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		session_id TEXT NOT NULL,
		trace_id TEXT NOT NULL DEFAULT '-',
		event_type TEXT NOT NULL,
		state_from TEXT,
		state_to TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_session ON task_events(session_id, event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_created ON task_events(created_at);`,
	`CREATE TABLE IF NOT EXISTS commands (
		provider TEXT NOT NULL,
		name TEXT NOT NULL,
		aliases_json TEXT NOT NULL DEFAULT '[]',
		event_types_json TEXT NOT NULL DEFAULT '[]',
		target_profile TEXT NOT NULL,
		prompt_template TEXT NOT NULL,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (provider, name)
	);`,
	`CREATE TABLE IF NOT EXISTS posted_messages (
		provider TEXT NOT NULL,
		message_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (provider, message_id)
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '-',
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
