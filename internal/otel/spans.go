package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Borg spans.
var (
	AttrChatID        = attribute.Key("borg.chat.id")
	AttrTaskID        = attribute.Key("borg.task.id")
	AttrPhase         = attribute.Key("borg.pipeline.phase")
	AttrModel         = attribute.Key("borg.llm.model")
	AttrCostUSD       = attribute.Key("borg.agent.cost_usd")
	AttrContainerName = attribute.Key("borg.container.name")
	AttrSessionID     = attribute.Key("borg.session.id")
	AttrTransport     = attribute.Key("borg.transport")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (webapi, transport poll).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (agent container run, transport send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
