// Package engine is the worker pool: it pops task ids from the queue, runs
// each one through the executor under a bounded number of slots, and
// drives the task record to its final state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/dispatch"
	"github.com/basket/go-relay/internal/executor"
	"github.com/basket/go-relay/internal/flow"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/queue"
)

type Config struct {
	MaxConcurrent int
	// PopTimeout bounds each blocking queue read.
	PopTimeout     time.Duration
	TaskTimeout    time.Duration
	MaxQueueDepth  int // 0 = unlimited
	DefaultProfile string
	Bus            *bus.Bus
}

// Runner executes one prompt. *executor.Supervisor is the production Runner.
type Runner interface {
	Run(ctx context.Context, req executor.Request) executor.Result
}

type Dispatcher interface {
	Dispatch(ctx context.Context, d dispatch.Delivery) (dispatch.Receipt, error)
}

// Options carries the optional collaborators. Nil fields disable the
// matching behaviour.
type Options struct {
	Dispatcher Dispatcher
	Tracker    *flow.Tracker
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

type Status struct {
	MaxConcurrent int    `json:"max_concurrent"`
	ActiveTasks   int32  `json:"active_tasks"`
	Accepting     bool   `json:"accepting"`
	LastError     string `json:"last_error,omitempty"`
}

type Pool struct {
	store      *persistence.Store
	queue      queue.Queue
	runner     Runner
	config     Config
	bus        *bus.Bus
	dispatcher Dispatcher
	tracker    *flow.Tracker
	metrics    *otel.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	slots chan struct{}

	once      sync.Once
	stopOnce  sync.Once
	loopDone  chan struct{}
	stopLoop  context.CancelFunc
	runCtx    context.Context
	cancelRun context.CancelCauseFunc
	inflight  conc.WaitGroup
	closed    atomic.Bool

	cancelMu sync.Mutex
	cancels  map[string]context.CancelCauseFunc

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func New(store *persistence.Store, q queue.Queue, runner Runner, cfg Config, opts Options) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Minute
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = "default"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	runCtx, cancelRun := context.WithCancelCause(context.Background())
	return &Pool{
		store:      store,
		queue:      q,
		runner:     runner,
		config:     cfg,
		bus:        cfg.Bus,
		dispatcher: opts.Dispatcher,
		tracker:    opts.Tracker,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     opts.Logger,
		slots:      make(chan struct{}, cfg.MaxConcurrent),
		loopDone:   make(chan struct{}),
		runCtx:     runCtx,
		cancelRun:  cancelRun,
		cancels:    map[string]context.CancelCauseFunc{},
	}
}

// Start recovers state left by a previous process and starts the dequeue
// loop. Calling it more than once is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		if p.closed.Load() {
			return
		}
		p.recover(ctx)
		loopCtx, cancel := context.WithCancel(ctx)
		p.stopLoop = cancel
		go p.loop(loopCtx)
	})
}

// recover fails tasks orphaned in RUNNING and re-enqueues everything that
// was waiting for a slot.
func (p *Pool) recover(ctx context.Context) {
	failed, err := p.store.RecoverInterrupted(ctx)
	if err != nil {
		p.logger.Error("task recovery failed", "error", err)
	} else if len(failed) > 0 {
		p.logger.Info("recovered interrupted tasks on startup", "count", len(failed))
	}

	queued, err := p.store.TaskIDsByStatus(ctx, persistence.TaskStatusQueued)
	if err != nil {
		p.logger.Error("list queued tasks failed", "error", err)
	}
	resumable, err := p.store.ResumableTaskIDs(ctx)
	if err != nil {
		p.logger.Error("list resumable tasks failed", "error", err)
	}
	requeued := 0
	for _, id := range append(queued, resumable...) {
		if has, err := p.queue.Has(ctx, id); err == nil && has {
			continue
		}
		if err := p.queue.Push(ctx, id); err != nil {
			p.setLastError(fmt.Errorf("requeue %s: %w", id, err))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		p.logger.Info("re-enqueued pending tasks on startup", "count", requeued)
	}
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.loopDone)
	for {
		if ctx.Err() != nil {
			return
		}
		taskID, ok, err := p.queue.Pop(ctx, p.config.PopTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.setLastError(fmt.Errorf("queue pop: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.PopTimeout):
			}
			continue
		}
		if !ok {
			continue
		}

		// Holding the id while no slot is free; running tasks keep going.
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		p.inflight.Go(func() {
			defer func() { <-p.slots }()
			p.execute(p.runCtx, taskID)
			if err := p.queue.Ack(context.WithoutCancel(ctx), taskID); err != nil {
				p.logger.Warn("queue ack failed", "task_id", taskID, "error", err)
			}
		})
	}
}

// Shutdown stops dequeuing, cancels in-flight executors and waits for
// their slots to drain or ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	p.stopOnce.Do(func() {
		if p.stopLoop != nil {
			p.stopLoop()
		} else {
			close(p.loopDone)
		}
		p.cancelRun(ErrShuttingDown)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-p.loopDone
		if rec := p.inflight.WaitAndRecover(); rec != nil {
			p.logger.Error("task goroutine panicked", "panic", rec.Value, "stack", string(rec.Stack))
		}
	}()
	select {
	case <-done:
		p.logger.Info("pool drained cleanly")
		return nil
	case <-ctx.Done():
		p.logger.Warn("pool drain timed out", "active_tasks", p.activeTasks.Load())
		return ctx.Err()
	}
}

// Bus returns the output hub, or nil if not configured.
func (p *Pool) Bus() *bus.Bus {
	return p.bus
}

func (p *Pool) Status() Status {
	status := Status{
		MaxConcurrent: p.config.MaxConcurrent,
		ActiveTasks:   p.activeTasks.Load(),
		Accepting:     !p.closed.Load(),
	}
	if ptr := p.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}

func (p *Pool) publish(sessionID string, ev bus.Event) {
	if p.bus == nil {
		return
	}
	ev.SessionID = sessionID
	p.bus.Publish(sessionID, ev)
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
	p.logger.Warn("pool error", "error", msg)
}

func (p *Pool) registerCancel(taskID string, cancel context.CancelCauseFunc) {
	p.cancelMu.Lock()
	p.cancels[taskID] = cancel
	p.cancelMu.Unlock()
}

func (p *Pool) unregisterCancel(taskID string) {
	p.cancelMu.Lock()
	delete(p.cancels, taskID)
	p.cancelMu.Unlock()
}
