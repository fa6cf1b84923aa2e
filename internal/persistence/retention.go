package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents     int64 `json:"purged_task_events"`
	PurgedAuditLogs      int64 `json:"purged_audit_logs"`
	PurgedPostedMessages int64 `json:"purged_posted_messages"`
}

// RunRetention deletes records older than the retention window. Events of
// tasks that are still active are kept. Zero days disables the purge.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_events
		WHERE created_at < ?
		AND task_id IN (SELECT id FROM tasks WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED'));
	`, cutoff)
	if err != nil {
		return result, classify(fmt.Errorf("purge task_events: %w", err))
	}
	result.PurgedTaskEvents, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, classify(fmt.Errorf("purge audit_log: %w", err))
	}
	result.PurgedAuditLogs, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM posted_messages WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, classify(fmt.Errorf("purge posted_messages: %w", err))
	}
	result.PurgedPostedMessages, _ = res.RowsAffected()
	return result, nil
}
