package reconciler

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/tether/pkg/cancel"
)

var tracer = otel.Tracer("github.com/yairfalse/tether/reconciler")

// recordConnectionEvent adds a connection event to the reconciliation span.
func recordConnectionEvent(span trace.Span, ev Event, reason string) {
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.type", "tether.connection."+string(ev.Kind)),
		attribute.String("server.key", ev.Resource.Key),
		attribute.String("server.variant", ev.Resource.Variant),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	span.AddEvent("tether.connection."+string(ev.Kind), trace.WithAttributes(attrs...))
}

// endSpan ends span, marking real failures as errors. Superseded runs are
// not failures.
func endSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case cancel.IsCancellation(err):
		span.SetAttributes(attribute.String("cancel.reason", err.Error()))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
