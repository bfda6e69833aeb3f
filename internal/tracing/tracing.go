package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartInstanceSpan starts a span for an operation on a workflow instance.
func StartInstanceSpan(ctx context.Context, tracer trace.Tracer, name, instanceID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(WorkflowInstanceID, instanceID))

	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// WithSpanError records err on span and marks the span as failed. It returns err unchanged.
func WithSpanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}
