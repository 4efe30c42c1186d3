package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for minder spans.
var (
	AttrTaskID       = attribute.Key("minder.task.id")
	AttrRunID        = attribute.Key("minder.run.id")
	AttrPass         = attribute.Key("minder.scheduler.pass")
	AttrModel        = attribute.Key("minder.llm.model")
	AttrTokensInput  = attribute.Key("minder.llm.tokens.input")
	AttrTokensOutput = attribute.Key("minder.llm.tokens.output")
	AttrChatID       = attribute.Key("minder.chat.id")
	AttrTriageID     = attribute.Key("minder.triage.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, chat platform).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
