package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/parallaxlabs/relay"

// StartRunSpan opens a span around one processing pass. Span provider
// wiring is the host's concern; with no provider installed this is a
// no-op, so the processor can call it unconditionally.
func StartRunSpan(ctx context.Context, runID, mode string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.mode", mode),
		))
}

// EndRunSpan records the pass outcome on the span and ends it.
func EndRunSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("run.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID extracts the hex trace id from the context for propagation
// into the agent context. Empty when no span is recording.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
