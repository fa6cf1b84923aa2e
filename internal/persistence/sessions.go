package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID            string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	TotalCost     float64   `json:"total_cost"`
	ActiveTaskIDs []string  `json:"active_task_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// EnsureSession creates the session row if missing. An existing session
// keeps its user id.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("invalid session_id: %w", err)
	}
	now := time.Now().UTC()
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, sessionID, userID, now, now)
		return err
	})
	if err != nil {
		return classify(fmt.Errorf("insert session: %w", err))
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, total_cost, created_at FROM sessions WHERE id = ?;
	`, sessionID).Scan(&sess.ID, &sess.UserID, &sess.TotalCost, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(fmt.Errorf("get session: %w", err))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT st.task_id FROM session_tasks st
		JOIN tasks t ON t.id = st.task_id
		WHERE st.session_id = ?
		ORDER BY t.created_at ASC;
	`, sessionID)
	if err != nil {
		return nil, classify(fmt.Errorf("list active tasks: %w", err))
	}
	defer rows.Close()
	sess.ActiveTaskIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sess.ActiveTaskIDs = append(sess.ActiveTaskIDs, id)
	}
	return &sess, rows.Err()
}
