// Package dispatch delivers finished task results back to the provider
// that triggered them. Delivery is at most once: a failed send is logged
// and not retried.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/safety"
	"github.com/basket/go-relay/internal/shared"
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

type Delivery struct {
	Task    *persistence.Task
	Outcome string
	// Body replaces the rendered text when set. The router fills it with
	// the scrubbed text when secrets were found.
	Body string
}

// Text renders the human-readable reply body.
func (d Delivery) Text() string {
	if d.Body != "" {
		return d.Body
	}
	if d.Task == nil {
		return ""
	}
	if d.Outcome == OutcomeFailed {
		return fmt.Sprintf("Task %s failed: %s", d.Task.ID, d.Task.Error)
	}
	text := strings.TrimSpace(d.Task.Result)
	if text == "" {
		text = strings.TrimSpace(d.Task.Output)
	}
	return text
}

// Receipt lists the provider-side ids of messages posted for a delivery.
type Receipt struct {
	MessageIDs []string
}

type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) (Receipt, error)
}

// Ledger remembers posted message ids so ingress can skip the echo.
type Ledger interface {
	RecordPostedMessage(ctx context.Context, provider, messageID, taskID string) error
}

// Router picks the dispatcher configured for the task's provider. Tasks
// without a provider, or providers without a reply target, go to the log.
type Router struct {
	byProvider map[string]Dispatcher
	fallback   Dispatcher
	ledger     Ledger
	leaks      *safety.LeakDetector
	logger     *slog.Logger
}

func NewRouter(providers map[string]config.ProviderConfig, ledger Ledger, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		byProvider: make(map[string]Dispatcher, len(providers)),
		fallback:   NewLog(logger),
		ledger:     ledger,
		leaks:      safety.NewLeakDetector(),
		logger:     logger,
	}
	for name, pc := range providers {
		switch pc.Reply.Kind {
		case "http":
			r.byProvider[name] = NewHTTP(pc.Reply, logger)
		case "telegram":
			r.byProvider[name] = NewTelegram(pc.Reply, logger)
		}
	}
	return r
}

// Set overrides the dispatcher for one provider.
func (r *Router) Set(provider string, d Dispatcher) {
	r.byProvider[provider] = d
}

func (r *Router) Dispatch(ctx context.Context, d Delivery) (Receipt, error) {
	if d.Task == nil {
		return Receipt{}, nil
	}
	provider := d.Task.Metadata.Provider
	target, ok := r.byProvider[provider]
	if !ok {
		target = r.fallback
	}
	// Replies leave the relay, so secrets are redacted first.
	if scrubbed, leaks := r.leaks.Scrub(d.Text()); len(leaks) > 0 {
		patterns := make([]string, 0, len(leaks))
		for _, l := range leaks {
			patterns = append(patterns, l.Pattern)
		}
		r.logger.Warn("secrets redacted from task result", "task_id", d.Task.ID, "provider", provider, "patterns", patterns)
		d.Body = scrubbed
	}
	receipt, err := target.Dispatch(ctx, d)
	if err != nil {
		return receipt, fmt.Errorf("dispatch to %s: %w", provider, err)
	}
	if r.ledger != nil && provider != "" {
		for _, id := range receipt.MessageIDs {
			if err := r.ledger.RecordPostedMessage(ctx, provider, id, d.Task.ID); err != nil {
				r.logger.Warn("record posted message failed", "provider", provider, "message_id", id, "error", err)
			}
		}
	}
	return receipt, nil
}

// Log writes results to the structured log only.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Dispatch(ctx context.Context, d Delivery) (Receipt, error) {
	l.logger.Info("task result",
		"task_id", d.Task.ID,
		"outcome", d.Outcome,
		"provider", d.Task.Metadata.Provider,
		"external_id", d.Task.Metadata.ExternalID,
		"trace_id", shared.TraceID(ctx),
		"chars", len(d.Text()),
	)
	return Receipt{}, nil
}
