package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Grace spans and metrics.
var (
	AttrKernel   = attribute.Key("grace.kernel")
	AttrTier     = attribute.Key("grace.kernel.tier")
	AttrBootID   = attribute.Key("grace.boot.id")
	AttrWave     = attribute.Key("grace.boot.wave")
	AttrAttempt  = attribute.Key("grace.boot.attempt")
	AttrOutcome  = attribute.Key("grace.outcome")
	AttrFrom     = attribute.Key("grace.state.from")
	AttrTo       = attribute.Key("grace.state.to")
	AttrActor    = attribute.Key("grace.actor")
	AttrSeverity = attribute.Key("grace.severity")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound operator request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
