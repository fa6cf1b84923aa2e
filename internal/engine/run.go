package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/executor"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/shared"
)

// execute owns one task id for the lifetime of a slot. Store writes use a
// context detached from ctx so a cancelled run still reaches a final state.
func (p *Pool) execute(ctx context.Context, taskID string) {
	storeCtx := context.WithoutCancel(ctx)
	task, err := p.store.GetTask(storeCtx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			p.logger.Warn("dequeued unknown task", "task_id", taskID)
			return
		}
		p.setLastError(fmt.Errorf("load task %s: %w", taskID, err))
		return
	}

	prompt := task.InputMessage
	resumeID := ""
	upd := persistence.TaskUpdate{Reason: "dequeued"}
	switch {
	case task.Status == persistence.TaskStatusQueued:
	case task.Status == persistence.TaskStatusWaitingInput && task.PendingInput != "":
		prompt = task.PendingInput
		resumeID = task.ExecutorSessionID
		upd = persistence.TaskUpdate{Reason: "input", ConsumeInput: true}
	default:
		// Duplicate delivery, or a stop that won the race.
		p.logger.Debug("skip dequeued task", "task_id", taskID, "status", task.Status)
		return
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithSessionID(ctx, task.SessionID)
	if task.Metadata.Provider != "" {
		ctx = shared.WithProvider(ctx, task.Metadata.Provider)
	}
	logger := p.logger.With(shared.LogAttrs(ctx)...)

	runCtx, cancel := context.WithCancelCause(ctx)
	p.registerCancel(task.ID, cancel)
	defer func() {
		p.unregisterCancel(task.ID)
		cancel(nil)
	}()

	if runCtx.Err() != nil {
		reason := cancelReason(context.Cause(runCtx))
		if _, err := p.store.TransitionTask(storeCtx, task.ID, persistence.TaskStatusCancelled, persistence.TaskUpdate{Error: &reason, Reason: "cancel"}); err == nil {
			p.publish(task.SessionID, bus.Event{Type: bus.KindTaskCancelled, TaskID: task.ID, Status: string(persistence.TaskStatusCancelled), Error: reason})
		}
		return
	}

	running, err := p.store.TransitionTask(storeCtx, task.ID, persistence.TaskStatusRunning, upd)
	if err != nil {
		if errors.Is(err, persistence.ErrIllegalTransition) {
			logger.Debug("task claimed elsewhere", "error", err)
			return
		}
		p.setLastError(fmt.Errorf("start task %s: %w", task.ID, err))
		return
	}

	ctx, span := otel.StartSpan(runCtx, p.tracer, "task.execute",
		otel.AttrTaskID.String(running.ID),
		otel.AttrSessionID.String(running.SessionID),
		otel.AttrProfile.String(running.ExecutorProfile),
		otel.AttrFlowID.String(running.FlowID),
	)
	p.activeTasks.Add(1)
	defer p.activeTasks.Add(-1)
	p.metrics.TaskStarted(ctx)
	logger.Info("task running", "profile", running.ExecutorProfile, "resume", resumeID != "", "flow_id", running.FlowID)
	p.publish(running.SessionID, bus.Event{Type: bus.KindTaskStatus, TaskID: running.ID, Status: string(running.Status), ExecutorProfile: running.ExecutorProfile})

	res := p.runner.Run(ctx, executor.Request{
		Prompt:          prompt,
		Profile:         running.ExecutorProfile,
		Timeout:         p.config.TaskTimeout,
		ResumeSessionID: resumeID,
		Sink: func(chunk string) {
			if err := p.store.AppendOutput(storeCtx, running.ID, chunk); err != nil {
				logger.Warn("append output failed", "error", err)
			}
			p.publish(running.SessionID, bus.Event{Type: bus.KindTaskOutput, TaskID: running.ID, Chunk: chunk})
		},
	})

	span.SetAttributes(
		otel.AttrTokensInput.Int64(res.InputTokens),
		otel.AttrTokensOutput.Int64(res.OutputTokens),
	)
	p.metrics.Usage(storeCtx, running.ExecutorProfile, res.InputTokens, res.OutputTokens, res.Cost, res.ProtocolErrors)
	if res.Cost > 0 || res.InputTokens > 0 || res.OutputTokens > 0 {
		p.publish(running.SessionID, bus.Event{
			Type:         bus.KindTaskMetrics,
			TaskID:       running.ID,
			Cost:         res.Cost,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
		})
	}

	// From here on Stop goes through the store, so a stop either lands in
	// cause or wins the final transition outright.
	p.unregisterCancel(running.ID)
	cause := context.Cause(runCtx)
	strat := selectStrategy(res, running, cause)
	final, err := strat.finish(context.WithoutCancel(ctx), p, running, res, cause)
	span.SetAttributes(otel.AttrOutcome.String(strat.name))
	otel.EndSpan(span, res.Err)
	if errors.Is(err, persistence.ErrIllegalTransition) {
		logger.Info("task stopped before it could finish", "strategy", strat.name)
		return
	}
	if err != nil {
		p.setLastError(fmt.Errorf("%s task %s: %w", strat.name, running.ID, err))
		return
	}
	p.metrics.TaskFinished(storeCtx, string(final.Status), res.Duration)
	logger.Info("task finished",
		"status", final.Status,
		"strategy", strat.name,
		"cost", res.Cost,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"duration_ms", res.Duration.Milliseconds(),
	)
}
