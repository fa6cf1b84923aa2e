package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for relay spans.
var (
	AttrTaskID       = attribute.Key("gorelay.task.id")
	AttrSessionID    = attribute.Key("gorelay.session.id")
	AttrProvider     = attribute.Key("gorelay.provider")
	AttrCommand      = attribute.Key("gorelay.command")
	AttrProfile      = attribute.Key("gorelay.executor.profile")
	AttrFlowID       = attribute.Key("gorelay.flow.id")
	AttrTokensInput  = attribute.Key("gorelay.executor.tokens.input")
	AttrTokensOutput = attribute.Key("gorelay.executor.tokens.output")
	AttrOutcome      = attribute.Key("gorelay.outcome")
)

// StartSpan starts an internal span. A nil tracer yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartClientSpan starts a span for an outbound call, such as a reply
// dispatched to a provider.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
