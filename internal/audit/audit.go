// Package audit records webhook ingress decisions.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-relay/internal/shared"
)

// Decisions written to the trail.
const (
	DecisionAccepted = "accepted"
	DecisionReceived = "received"
	DecisionRejected = "rejected"
	DecisionDenied   = "denied"
)

type Entry struct {
	Provider string
	Decision string
	Reason   string
	TaskID   string
}

type line struct {
	Timestamp string `json:"timestamp"`
	Provider  string `json:"provider"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	TaskID    string `json:"task_id,omitempty"`
	TraceID   string `json:"trace_id"`
}

// Log appends to <home>/logs/audit.jsonl and, when a database is set, to
// the audit_log table. A nil *Log discards entries.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	denied atomic.Int64
}

func Open(homeDir string, db *sql.DB) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, db: db}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Denied returns the number of authentication failures since startup.
func (l *Log) Denied() int64 {
	if l == nil {
		return 0
	}
	return l.denied.Load()
}

func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.Decision == DecisionDenied {
		l.denied.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	traceID := shared.TraceID(ctx)
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		b, err := json.Marshal(line{
			Timestamp: now.Format(time.RFC3339Nano),
			Provider:  e.Provider,
			Decision:  e.Decision,
			Reason:    e.Reason,
			TaskID:    e.TaskID,
			TraceID:   traceID,
		})
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (provider, decision, reason, task_id, trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.Provider, e.Decision, e.Reason, e.TaskID, traceID, now)
	}
}
