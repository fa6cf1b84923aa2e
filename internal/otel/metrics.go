package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the relay's instruments. A nil *Metrics records nothing,
// so components can take one optionally.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	TaskDuration    metric.Float64Histogram
	TasksRunning    metric.Int64UpDownCounter
	TaskOutcomes    metric.Int64Counter
	TokensUsed      metric.Int64Counter
	CostUSD         metric.Float64Counter
	WebhookRequests metric.Int64Counter
	ProtocolErrors  metric.Int64Counter
	EnqueueRetries  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("gorelay.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("gorelay.task.duration",
		metric.WithDescription("Executor run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRunning, err = meter.Int64UpDownCounter("gorelay.task.running",
		metric.WithDescription("Tasks currently holding a concurrency slot"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOutcomes, err = meter.Int64Counter("gorelay.task.outcomes",
		metric.WithDescription("Tasks finished, by final status"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("gorelay.executor.tokens",
		metric.WithDescription("Tokens reported by the executor"),
	)
	if err != nil {
		return nil, err
	}

	m.CostUSD, err = meter.Float64Counter("gorelay.executor.cost",
		metric.WithDescription("Cost reported by the executor"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookRequests, err = meter.Int64Counter("gorelay.webhook.requests",
		metric.WithDescription("Webhook requests by provider and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ProtocolErrors, err = meter.Int64Counter("gorelay.executor.protocol_errors",
		metric.WithDescription("Executor output lines that did not parse"),
	)
	if err != nil {
		return nil, err
	}

	m.EnqueueRetries, err = meter.Int64Counter("gorelay.queue.enqueue_retries",
		metric.WithDescription("Reconciler re-enqueue attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) WebhookRequest(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksRunning.Add(ctx, 1)
}

// TaskFinished releases the running gauge and records the outcome.
func (m *Metrics) TaskFinished(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksRunning.Add(ctx, -1)
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.TaskOutcomes.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) Usage(ctx context.Context, profile string, inputTokens, outputTokens int64, cost float64, protocolErrors int) {
	if m == nil {
		return
	}
	p := attribute.String("profile", profile)
	if inputTokens > 0 {
		m.TokensUsed.Add(ctx, inputTokens, metric.WithAttributes(p, attribute.String("direction", "input")))
	}
	if outputTokens > 0 {
		m.TokensUsed.Add(ctx, outputTokens, metric.WithAttributes(p, attribute.String("direction", "output")))
	}
	if cost > 0 {
		m.CostUSD.Add(ctx, cost, metric.WithAttributes(p))
	}
	if protocolErrors > 0 {
		m.ProtocolErrors.Add(ctx, int64(protocolErrors), metric.WithAttributes(p))
	}
}

func (m *Metrics) EnqueueRetry(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.EnqueueRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) Request(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
