// Package cron runs the periodic maintenance jobs of the relay: re-enqueueing
// tasks whose push was lost and purging expired history.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/queue"
)

// DeadLetterError is stored on tasks that could not be enqueued within the
// attempt budget.
const DeadLetterError = "dead_letter: queue unavailable"

const sweepBatch = 100

// Config holds the dependencies for the reconciler.
type Config struct {
	Store   *persistence.Store
	Queue   queue.Queue
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Logger  *slog.Logger

	Interval      time.Duration // requeue sweep period; defaults to 15s
	StaleAfter    time.Duration // QUEUED tasks younger than this are left alone; defaults to Interval
	BaseBackoff   time.Duration // defaults to 5s
	MaxBackoff    time.Duration // defaults to 5m
	MaxAttempts   int           // defaults to 6
	RetentionDays int           // 0 disables the daily purge

	Now func() time.Time
}

// SweepResult summarizes one requeue pass.
type SweepResult struct {
	Requeued     int
	Resumed      int
	Failed       int
	DeadLettered int
}

// Reconciler re-pushes QUEUED tasks that never reached the queue and
// WAITING_INPUT tasks holding unconsumed input.
type Reconciler struct {
	store   *persistence.Store
	queue   queue.Queue
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
	cfg     Config

	mu     sync.Mutex
	cron   *cronlib.Cron
	cancel context.CancelFunc
}

// NewReconciler creates a Reconciler with the given config.
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = cfg.Interval
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 300 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   cfg.Store,
		queue:   cfg.Queue,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start registers the sweep and retention jobs and starts the cron runner.
// The jobs stop when ctx ends or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	cl := cronLogger{r.logger}
	c := cronlib.New(cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)), cronlib.WithLogger(cl))

	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { r.runSweep(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule requeue sweep: %w", err)
	}
	if r.cfg.RetentionDays > 0 {
		if _, err := c.AddFunc("@daily", func() { r.runRetention(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("schedule retention: %w", err)
		}
	}
	r.cron = c
	r.cancel = cancel
	c.Start()
	r.logger.Info("reconciler started", "interval", r.cfg.Interval, "retention_days", r.cfg.RetentionDays)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for a running job to return.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	c, cancel := r.cron, r.cancel
	r.cron, r.cancel = nil, nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) runSweep(ctx context.Context) {
	res, err := r.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("requeue sweep failed", "error", err)
		}
		return
	}
	if res != (SweepResult{}) {
		r.logger.Info("requeue sweep",
			"requeued", res.Requeued, "resumed", res.Resumed,
			"failed", res.Failed, "dead_lettered", res.DeadLettered)
	}
}

func (r *Reconciler) runRetention(ctx context.Context) {
	res, err := r.store.RunRetention(ctx, r.cfg.RetentionDays)
	if err != nil {
		r.logger.Error("retention failed", "error", err)
		return
	}
	r.logger.Info("retention complete",
		"task_events", res.PurgedTaskEvents,
		"audit_logs", res.PurgedAuditLogs,
		"posted_messages", res.PurgedPostedMessages)
}

// Sweep performs one requeue pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := r.cfg.Now()

	stale, err := r.store.StaleQueuedTasks(ctx, now.Add(-r.cfg.StaleAfter), now, sweepBatch)
	if err != nil {
		return res, err
	}
	for _, task := range stale {
		if r.inQueue(ctx, task.ID) {
			continue
		}
		if err := r.queue.Push(ctx, task.ID); err != nil {
			dead, ferr := r.recordFailure(ctx, task, now, err)
			if ferr != nil {
				return res, ferr
			}
			if dead {
				res.DeadLettered++
			} else {
				res.Failed++
			}
			continue
		}
		if err := r.store.ResetEnqueueAttempts(ctx, task.ID); err != nil {
			r.logger.Warn("reset enqueue attempts failed", "task_id", task.ID, "error", err)
		}
		r.metrics.EnqueueRetry(ctx, "requeued")
		res.Requeued++
	}

	resumable, err := r.store.ResumableTaskIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range resumable {
		if r.inQueue(ctx, id) {
			continue
		}
		if err := r.queue.Push(ctx, id); err != nil {
			r.logger.Warn("re-push waiting task failed", "task_id", id, "error", err)
			res.Failed++
			continue
		}
		res.Resumed++
	}
	return res, nil
}

// inQueue treats a Has error as absent; a duplicate push is skipped by the
// pool.
func (r *Reconciler) inQueue(ctx context.Context, taskID string) bool {
	ok, err := r.queue.Has(ctx, taskID)
	return err == nil && ok
}

func (r *Reconciler) recordFailure(ctx context.Context, task persistence.Task, now time.Time, pushErr error) (bool, error) {
	attempts, err := r.store.RecordEnqueueFailure(ctx, task.ID, now.Add(r.Backoff(task.EnqueueAttempts+1)))
	if err != nil {
		return false, err
	}
	r.logger.Warn("requeue failed", "task_id", task.ID, "attempts", attempts, "error", pushErr)
	if attempts < r.cfg.MaxAttempts {
		r.metrics.EnqueueRetry(ctx, "failed")
		return false, nil
	}

	msg := DeadLetterError
	updated, err := r.store.TransitionTask(ctx, task.ID, persistence.TaskStatusCancelled, persistence.TaskUpdate{
		Error:  &msg,
		Reason: "dead_letter",
	})
	if errors.Is(err, persistence.ErrIllegalTransition) {
		// Picked up in the meantime.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.metrics.EnqueueRetry(ctx, "dead_letter")
	r.logger.Error("task dead-lettered", "task_id", task.ID, "attempts", attempts)
	if r.bus != nil {
		r.bus.Publish(updated.SessionID, bus.Event{
			Type:            bus.KindTaskCancelled,
			SessionID:       updated.SessionID,
			TaskID:          updated.ID,
			Status:          string(updated.Status),
			ExecutorProfile: updated.ExecutorProfile,
			Error:           msg,
		})
	}
	return true, nil
}

// Backoff returns the delay before the given (1-based) enqueue attempt:
// exponential from BaseBackoff, capped at MaxBackoff.
func (r *Reconciler) Backoff(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval: r.cfg.BaseBackoff,
		Multiplier:      2,
		MaxInterval:     r.cfg.MaxBackoff,
	}
	b.Reset()
	d := r.cfg.BaseBackoff
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
