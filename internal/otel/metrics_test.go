package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RequestDuration == nil || m.TaskDuration == nil || m.TasksRunning == nil || m.TaskOutcomes == nil {
		t.Fatal("task instruments missing")
	}
	if m.TokensUsed == nil || m.CostUSD == nil || m.ProtocolErrors == nil {
		t.Fatal("executor instruments missing")
	}
	if m.WebhookRequests == nil || m.EnqueueRetries == nil {
		t.Fatal("ingress instruments missing")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.TaskStarted(context.Background())
	m.TaskFinished(context.Background(), "COMPLETED", time.Second)
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.WebhookRequest(ctx, "github", "accepted")
	m.TaskStarted(ctx)
	m.TaskFinished(ctx, "FAILED", time.Second)
	m.Usage(ctx, "default", 1, 2, 0.1, 3)
	m.EnqueueRetry(ctx, "ok")
	m.Request(ctx, "/healthz", 200, time.Millisecond)
}

func sumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			if mm.Name != name {
				continue
			}
			sum, ok := mm.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T", name, mm.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetrics_RecordsValues(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricReader: reader})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.WebhookRequest(ctx, "github", "accepted")
	m.WebhookRequest(ctx, "github", "received")
	m.TaskStarted(ctx)
	m.TaskStarted(ctx)
	m.TaskFinished(ctx, "COMPLETED", 2*time.Second)
	m.Usage(ctx, "default", 10, 5, 0.02, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumInt64(t, rm, "gorelay.webhook.requests"); got != 2 {
		t.Fatalf("webhook requests = %d", got)
	}
	if got := sumInt64(t, rm, "gorelay.task.running"); got != 1 {
		t.Fatalf("running = %d", got)
	}
	if got := sumInt64(t, rm, "gorelay.executor.tokens"); got != 15 {
		t.Fatalf("tokens = %d", got)
	}
	if got := sumInt64(t, rm, "gorelay.executor.protocol_errors"); got != 1 {
		t.Fatalf("protocol errors = %d", got)
	}
}
