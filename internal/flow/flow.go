// Package flow correlates tasks that stem from the same external thread.
package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-relay/internal/persistence"
)

const idLength = 16

// DeriveFlowID maps a provider's external id to a stable flow id. An empty
// external id has no flow.
func DeriveFlowID(provider, externalID string) string {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(provider)) + ":" + externalID))
	return "flow-" + hex.EncodeToString(sum[:])[:idLength]
}

// Store is the subset of the task store the tracker needs.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	ActiveConversation(ctx context.Context, flowID string) (*persistence.Conversation, error)
	OpenConversation(ctx context.Context, flowID string) (*persistence.Conversation, error)
	AddConversationTask(ctx context.Context, conversationID string, cost float64) error
}

type LinkRequest struct {
	Provider        string
	ExternalID      string
	ParentTaskID    string
	NewConversation bool
}

type Linkage struct {
	FlowID         string
	ConversationID string
	Reused         bool
}

type Tracker struct {
	store  Store
	logger *slog.Logger
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger}
}

// Link assigns flow and conversation ids to a task about to be created.
// A parent task's conversation wins over flow lookup; an explicit break
// always mints a fresh conversation but keeps the flow id.
func (t *Tracker) Link(ctx context.Context, req LinkRequest) (Linkage, error) {
	link := Linkage{FlowID: DeriveFlowID(req.Provider, req.ExternalID)}

	if !req.NewConversation && req.ParentTaskID != "" {
		parent, err := t.store.GetTask(ctx, req.ParentTaskID)
		if err != nil {
			return link, fmt.Errorf("load parent task: %w", err)
		}
		if parent.ConversationID != "" {
			if link.FlowID == "" {
				link.FlowID = parent.FlowID
			}
			link.ConversationID = parent.ConversationID
			link.Reused = true
			return link, nil
		}
	}

	if !req.NewConversation && link.FlowID != "" {
		conv, err := t.store.ActiveConversation(ctx, link.FlowID)
		switch {
		case err == nil:
			link.ConversationID = conv.ID
			link.Reused = true
			return link, nil
		case !errors.Is(err, persistence.ErrNotFound):
			return link, err
		}
	}

	conv, err := t.store.OpenConversation(ctx, link.FlowID)
	if err != nil {
		return link, err
	}
	link.ConversationID = conv.ID
	t.logger.Debug("conversation opened", "conversation_id", conv.ID, "flow_id", link.FlowID, "forced", req.NewConversation)
	return link, nil
}

// Complete folds a finished task into its conversation's aggregates.
func (t *Tracker) Complete(ctx context.Context, task *persistence.Task) error {
	if task == nil || task.ConversationID == "" {
		return nil
	}
	if err := t.store.AddConversationTask(ctx, task.ConversationID, task.Cost); err != nil {
		return fmt.Errorf("aggregate conversation %s: %w", task.ConversationID, err)
	}
	return nil
}
