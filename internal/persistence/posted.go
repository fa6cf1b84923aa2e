package persistence

import (
	"context"
	"fmt"
	"time"
)

// RecordPostedMessage remembers a message this relay posted to a provider so
// the webhook it triggers can be ignored.
func (s *Store) RecordPostedMessage(ctx context.Context, provider, messageID, taskID string) error {
	if messageID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posted_messages (provider, message_id, task_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider, message_id) DO NOTHING;
	`, provider, messageID, taskID, time.Now().UTC())
	if err != nil {
		return classify(fmt.Errorf("record posted message: %w", err))
	}
	return nil
}

func (s *Store) IsPostedMessage(ctx context.Context, provider, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM posted_messages WHERE provider = ? AND message_id = ?;
	`, provider, messageID).Scan(&n); err != nil {
		return false, classify(fmt.Errorf("lookup posted message: %w", err))
	}
	return n > 0, nil
}
