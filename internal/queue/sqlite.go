package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a durable FIFO in a queue_entries table. Pop leases the oldest
// entry; an entry whose lease expires without Ack is delivered again.
type SQLite struct {
	db     *sql.DB
	ownsDB bool
	lease  time.Duration
	notify chan struct{}

	mu     sync.Mutex
	closed bool
}

// OpenSQLite opens a dedicated queue database at path.
func OpenSQLite(path string, lease time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue pragma: %w", err)
	}
	q, err := NewSQLite(db, lease)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.ownsDB = true
	return q, nil
}

// NewSQLite uses an existing handle, typically the task store's.
func NewSQLite(db *sql.DB, lease time.Duration) (*SQLite, error) {
	if lease <= 0 {
		lease = time.Minute
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			enqueued_at DATETIME NOT NULL,
			lease_until DATETIME
		);
	`); err != nil {
		return nil, fmt.Errorf("create queue_entries: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_queue_entries_task ON queue_entries(task_id);`); err != nil {
		return nil, fmt.Errorf("create queue index: %w", err)
	}
	return &SQLite{db: db, lease: lease, notify: make(chan struct{}, 1)}, nil
}

func (q *SQLite) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *SQLite) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *SQLite) Push(ctx context.Context, taskID string) error {
	if q.isClosed() {
		return ErrClosed
	}
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_entries (task_id, enqueued_at) VALUES (?, ?);
	`, taskID, time.Now().UTC()); err != nil {
		return unavailable(err)
	}
	q.signal()
	return nil
}

func (q *SQLite) Pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if q.isClosed() {
			return "", false, ErrClosed
		}
		id, ok, err := q.claim(ctx)
		if err != nil || ok {
			if ok {
				q.signal()
			}
			return id, ok, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return "", false, nil
		}
		// Expired leases are not signalled; cap the wait so they are retried.
		wait = min(wait, q.lease)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		case <-q.notify:
			timer.Stop()
		}
	}
}

func (q *SQLite) claim(ctx context.Context) (string, bool, error) {
	now := time.Now().UTC()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT seq, task_id FROM queue_entries
		WHERE lease_until IS NULL OR lease_until < ?
		ORDER BY seq ASC LIMIT 1;
	`, now).Scan(&seq, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue_entries SET lease_until = ? WHERE seq = ?;`, now.Add(q.lease), seq); err != nil {
		return "", false, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, unavailable(err)
	}
	return id, true, nil
}

// Ack removes the leased entries for taskID.
func (q *SQLite) Ack(ctx context.Context, taskID string) error {
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_entries WHERE task_id = ? AND lease_until IS NOT NULL;
	`, taskID); err != nil {
		return unavailable(err)
	}
	return nil
}

func (q *SQLite) Has(ctx context.Context, taskID string) (bool, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue_entries WHERE task_id = ?;`, taskID).Scan(&n); err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (q *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM queue_entries WHERE lease_until IS NULL OR lease_until < ?;
	`, time.Now().UTC()).Scan(&n); err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (q *SQLite) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "database is closed") || strings.Contains(msg, "unable to open") ||
		strings.Contains(msg, "disk I/O") || strings.Contains(msg, "locked") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
