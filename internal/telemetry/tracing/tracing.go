package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var GlobalTracer = otel.Tracer("dashgate")

// SpanError marks the span as failed with the given status description.
func SpanError(span trace.Span, description string, err error) {
	span.SetStatus(codes.Error, description)
	if err != nil {
		span.RecordError(err)
	}
}
