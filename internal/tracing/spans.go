package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	AttrStreamName     = "stream.name"
	AttrEventType      = "event.type"
	AttrEventHandled   = "event.handled"
	AttrProcessorID    = "processor.id"
	AttrProcessorCount = "processor.count"
	AttrSimulationSeq  = "simulation.seq"
	AttrDocumentCount  = "simulation.documents"
	AttrParsedRate     = "simulation.parsed_rate"
	AttrStreamState    = "machine.stream_state"
)

// Span names.
const (
	SpanPrefixDispatch = "event.dispatch."
	SpanUpsert         = "upsert.request"
	SpanSimulation     = "simulation.run"
	SpanGrokSetup      = "grok.setup"
)

// Span event names.
const (
	EventGuardRejected   = "guard.rejected"
	EventReadyEntered    = "ready.entered"
	EventSimulatorSpawn  = "simulator.spawned"
	EventForwarded       = "simulator.forwarded"
	EventNotificationOut = "notification.sent"
)

// OrNoop returns t, or a no-op tracer when t is nil.
func OrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("noop")
	}
	return t
}

// Start starts an internal span with attrs.
func Start(ctx context.Context, t trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return OrNoop(t).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// End records err on span, sets the status and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
