package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID                  string    `json:"conversation_id"`
	FlowID              string    `json:"flow_id,omitempty"`
	Active              bool      `json:"active"`
	AggregatedCost      float64   `json:"aggregated_cost"`
	AggregatedTaskCount int       `json:"aggregated_task_count"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

const conversationColumns = `id, COALESCE(flow_id, ''), active, aggregated_cost, aggregated_task_count, created_at, updated_at`

func scanConversation(scanFn func(dest ...any) error) (*Conversation, error) {
	var c Conversation
	var active int
	if err := scanFn(&c.ID, &c.FlowID, &active, &c.AggregatedCost, &c.AggregatedTaskCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Active = active != 0
	return &c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?;`, id).Scan)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, classify(fmt.Errorf("get conversation: %w", err))
	}
	return c, err
}

// ActiveConversation returns the current conversation for flowID.
func (s *Store) ActiveConversation(ctx context.Context, flowID string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE flow_id = ? AND active = 1;
	`, flowID).Scan)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, classify(fmt.Errorf("active conversation: %w", err))
	}
	return c, err
}

// OpenConversation mints a conversation. With a flowID it becomes the flow's
// active conversation and the previous one is retired, so a flow never has
// two active conversations.
func (s *Store) OpenConversation(ctx context.Context, flowID string) (*Conversation, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if flowID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations SET active = 0, updated_at = ? WHERE flow_id = ? AND active = 1;
			`, now, flowID); err != nil {
				return fmt.Errorf("retire conversation: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, flow_id, active, created_at, updated_at)
			VALUES (?, NULLIF(?, ''), 1, ?, ?);
		`, id, flowID, now, now); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return s.GetConversation(ctx, id)
}

// AddConversationTask folds one finished task into the conversation totals.
func (s *Store) AddConversationTask(ctx context.Context, conversationID string, cost float64) error {
	cost = max(cost, 0)
	return classify(retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE conversations
			SET aggregated_cost = aggregated_cost + ?, aggregated_task_count = aggregated_task_count + 1, updated_at = ?
			WHERE id = ?;
		`, cost, time.Now().UTC(), conversationID)
		if err != nil {
			return fmt.Errorf("aggregate conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	}))
}
