package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/flow"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/shared"
)

// Submission is a request to create and enqueue one task.
type Submission struct {
	SessionID string
	UserID    string
	Input     string
	Profile   string
	Source    persistence.Source
	Metadata  persistence.SourceMetadata
	// Provider and ExternalID feed flow derivation. Provider defaults to
	// Metadata.Provider.
	Provider         string
	ExternalID       string
	ParentTaskID     string
	NewConversation  bool
	RequiresApproval bool
	Priority         int
}

// Submit persists a QUEUED task and pushes it onto the queue. A push
// failure leaves the task QUEUED for the reconciler and is not an error.
func (p *Pool) Submit(ctx context.Context, sub Submission) (*persistence.Task, error) {
	if p.closed.Load() {
		return nil, ErrShuttingDown
	}
	if strings.TrimSpace(sub.Input) == "" {
		return nil, ErrEmptyInput
	}
	if sub.Profile == "" {
		sub.Profile = p.config.DefaultProfile
	}
	if sub.Source == "" {
		sub.Source = persistence.SourceAPI
	}
	if sub.Provider == "" {
		sub.Provider = sub.Metadata.Provider
	}

	if p.config.MaxQueueDepth > 0 {
		depth, err := p.queue.Len(ctx)
		if err != nil {
			p.logger.Warn("queue depth unavailable", "error", err)
		} else if depth >= p.config.MaxQueueDepth {
			p.logger.Warn("queue backpressure applied", "depth", depth, "max", p.config.MaxQueueDepth)
			return nil, ErrQueueSaturated
		}
	}

	if err := p.store.EnsureSession(ctx, sub.SessionID, sub.UserID); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	var link flow.Linkage
	if p.tracker != nil {
		var err error
		link, err = p.tracker.Link(ctx, flow.LinkRequest{
			Provider:        sub.Provider,
			ExternalID:      sub.ExternalID,
			ParentTaskID:    sub.ParentTaskID,
			NewConversation: sub.NewConversation,
		})
		if err != nil {
			return nil, fmt.Errorf("link conversation: %w", err)
		}
	}

	task, err := p.store.CreateTask(ctx, persistence.NewTask{
		SessionID:        sub.SessionID,
		FlowID:           link.FlowID,
		ConversationID:   link.ConversationID,
		ExecutorProfile:  sub.Profile,
		InputMessage:     sub.Input,
		Source:           sub.Source,
		Metadata:         sub.Metadata,
		ParentTaskID:     sub.ParentTaskID,
		RequiresApproval: sub.RequiresApproval,
		Priority:         sub.Priority,
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	p.publish(task.SessionID, bus.Event{
		Type:            bus.KindTaskCreated,
		TaskID:          task.ID,
		Status:          string(task.Status),
		ExecutorProfile: task.ExecutorProfile,
	})

	if err := p.queue.Push(ctx, task.ID); err != nil {
		p.setLastError(fmt.Errorf("enqueue task %s: %w", task.ID, err))
	}
	p.logger.Info("task queued",
		"task_id", task.ID,
		"session_id", task.SessionID,
		"flow_id", task.FlowID,
		"conversation_id", task.ConversationID,
		"trace_id", shared.TraceID(ctx),
	)
	return task, nil
}

// SubmitInput answers a WAITING_INPUT task and re-enqueues it.
func (p *Pool) SubmitInput(ctx context.Context, taskID, message string) error {
	if p.closed.Load() {
		return ErrShuttingDown
	}
	if strings.TrimSpace(message) == "" {
		return ErrEmptyInput
	}
	if err := p.store.SetPendingInput(ctx, taskID, message); err != nil {
		return err
	}
	if err := p.queue.Push(ctx, taskID); err != nil {
		p.setLastError(fmt.Errorf("enqueue input for %s: %w", taskID, err))
	}
	return nil
}

// Stop cancels a task. Running tasks are signalled and finish
// asynchronously; pending ones are cancelled in place. Stopping a task
// that already ended is a no-op and reports false.
func (p *Pool) Stop(ctx context.Context, taskID string) (bool, error) {
	if p.signalStop(taskID) {
		return true, nil
	}

	for range 3 {
		task, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if task.Status.Terminal() {
			return false, nil
		}
		reason := cancelReason(errStopRequested)
		final, err := p.store.TransitionTask(ctx, taskID, persistence.TaskStatusCancelled, persistence.TaskUpdate{Error: &reason, Reason: "cancel"})
		if errors.Is(err, persistence.ErrIllegalTransition) {
			// Lost a race with the pool; look again.
			if p.signalStop(taskID) {
				return true, nil
			}
			continue
		}
		if err != nil {
			return false, err
		}
		p.publish(final.SessionID, bus.Event{Type: bus.KindTaskCancelled, TaskID: final.ID, Status: string(final.Status), Error: reason})
		p.aggregate(ctx, final)
		return true, nil
	}
	return false, fmt.Errorf("stop task %s: status kept changing", taskID)
}

// signalStop cancels a running task under cancelMu, so the signal is
// ordered before the runner releases its cancel func and reads the cause.
func (p *Pool) signalStop(taskID string) bool {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	cancel, ok := p.cancels[taskID]
	if ok {
		cancel(errStopRequested)
	}
	return ok
}
