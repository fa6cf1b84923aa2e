package engine

import (
	"context"
	"time"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/dispatch"
	"github.com/basket/go-relay/internal/executor"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
)

const dispatchTimeout = 30 * time.Second

// strategy is one linear completion path for a finished run.
type strategy struct {
	name   string
	finish func(ctx context.Context, p *Pool, task *persistence.Task, res executor.Result, cause error) (*persistence.Task, error)
}

type strategyKey struct {
	success          bool
	awaitingApproval bool
}

var (
	completeStrategy   = strategy{name: "complete", finish: finishComplete}
	awaitInputStrategy = strategy{name: "await_input", finish: finishAwaitInput}
	failStrategy       = strategy{name: "fail", finish: finishFail}
	cancelStrategy     = strategy{name: "cancel", finish: finishCancel}

	strategies = map[strategyKey]strategy{
		{success: true, awaitingApproval: false}:  completeStrategy,
		{success: true, awaitingApproval: true}:   awaitInputStrategy,
		{success: false, awaitingApproval: false}: failStrategy,
		{success: false, awaitingApproval: true}:  failStrategy,
	}
)

// selectStrategy picks the completion path. A cancelled run never records
// success, whatever the executor reported.
func selectStrategy(res executor.Result, task *persistence.Task, cause error) strategy {
	if cause != nil {
		return cancelStrategy
	}
	return strategies[strategyKey{success: res.Success, awaitingApproval: task.AwaitingApproval()}]
}

func usageUpdate(res executor.Result, reason string) persistence.TaskUpdate {
	return persistence.TaskUpdate{
		AddCost:           res.Cost,
		AddInputTokens:    res.InputTokens,
		AddOutputTokens:   res.OutputTokens,
		ExecutorSessionID: res.SessionID,
		Reason:            reason,
	}
}

func finishComplete(ctx context.Context, p *Pool, task *persistence.Task, res executor.Result, _ error) (*persistence.Task, error) {
	upd := usageUpdate(res, "executor succeeded")
	result := res.Result
	upd.Result = &result
	final, err := p.store.TransitionTask(ctx, task.ID, persistence.TaskStatusCompleted, upd)
	if err != nil {
		return nil, err
	}
	p.publish(final.SessionID, bus.Event{
		Type:         bus.KindTaskCompleted,
		TaskID:       final.ID,
		Status:       string(final.Status),
		Result:       final.Result,
		Cost:         final.Cost,
		InputTokens:  final.InputTokens,
		OutputTokens: final.OutputTokens,
	})
	p.aggregate(ctx, final)
	p.deliver(ctx, final, dispatch.OutcomeCompleted)
	return final, nil
}

// finishAwaitInput parks a successful run until a human answers. Nothing
// is dispatched or aggregated yet.
func finishAwaitInput(ctx context.Context, p *Pool, task *persistence.Task, res executor.Result, _ error) (*persistence.Task, error) {
	upd := usageUpdate(res, "awaiting approval")
	result := res.Result
	upd.Result = &result
	final, err := p.store.TransitionTask(ctx, task.ID, persistence.TaskStatusWaitingInput, upd)
	if err != nil {
		return nil, err
	}
	p.publish(final.SessionID, bus.Event{
		Type:   bus.KindTaskWaitingInput,
		TaskID: final.ID,
		Status: string(final.Status),
		Result: final.Result,
		Cost:   final.Cost,
	})
	return final, nil
}

func finishFail(ctx context.Context, p *Pool, task *persistence.Task, res executor.Result, _ error) (*persistence.Task, error) {
	upd := usageUpdate(res, "executor failed")
	msg := res.ErrorMessage()
	if msg == "" {
		msg = "executor failed"
	}
	upd.Error = &msg
	final, err := p.store.TransitionTask(ctx, task.ID, persistence.TaskStatusFailed, upd)
	if err != nil {
		return nil, err
	}
	p.publish(final.SessionID, bus.Event{
		Type:   bus.KindTaskFailed,
		TaskID: final.ID,
		Status: string(final.Status),
		Error:  final.Error,
		Cost:   final.Cost,
	})
	p.aggregate(ctx, final)
	p.deliver(ctx, final, dispatch.OutcomeFailed)
	return final, nil
}

func finishCancel(ctx context.Context, p *Pool, task *persistence.Task, res executor.Result, cause error) (*persistence.Task, error) {
	upd := usageUpdate(res, "cancel")
	msg := cancelReason(cause)
	upd.Error = &msg
	final, err := p.store.TransitionTask(ctx, task.ID, persistence.TaskStatusCancelled, upd)
	if err != nil {
		return nil, err
	}
	p.publish(final.SessionID, bus.Event{
		Type:   bus.KindTaskCancelled,
		TaskID: final.ID,
		Status: string(final.Status),
		Error:  final.Error,
	})
	p.aggregate(ctx, final)
	return final, nil
}

func (p *Pool) aggregate(ctx context.Context, task *persistence.Task) {
	if p.tracker == nil {
		return
	}
	if err := p.tracker.Complete(ctx, task); err != nil {
		p.logger.Warn("conversation aggregate failed", "task_id", task.ID, "error", err)
	}
}

// deliver posts the outcome back to the provider at most once.
func (p *Pool) deliver(ctx context.Context, task *persistence.Task, outcome string) {
	if p.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(ctx, p.tracer, "task.dispatch",
		otel.AttrTaskID.String(task.ID),
		otel.AttrProvider.String(task.Metadata.Provider),
		otel.AttrOutcome.String(outcome),
	)
	receipt, err := p.dispatcher.Dispatch(ctx, dispatch.Delivery{Task: task, Outcome: outcome})
	otel.EndSpan(span, err)
	if err != nil {
		p.logger.Warn("result dispatch failed", "task_id", task.ID, "outcome", outcome, "error", err)
		return
	}
	p.logger.Debug("result dispatched", "task_id", task.ID, "outcome", outcome, "messages", len(receipt.MessageIDs))
}
