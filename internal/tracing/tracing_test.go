package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func Test_StartInstanceSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	_, span := StartInstanceSpan(context.Background(), tp.Tracer("test"), "Application.Run", "instance-1",
		attribute.String(Operation, "Run"))

	err := WithSpanError(span, errors.New("failed"))
	require.EqualError(t, err, "failed")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "Application.Run", spans[0].Name)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 1)
	require.Equal(t, "exception", spans[0].Events[0].Name)
	require.Contains(t, spans[0].Attributes, attribute.String(WorkflowInstanceID, "instance-1"))
	require.Contains(t, spans[0].Attributes, attribute.String(Operation, "Run"))
}

func Test_WithSpanError_Nil(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	require.NoError(t, WithSpanError(span, nil))
	span.End()

	require.Equal(t, codes.Unset, exporter.GetSpans()[0].Status.Code)
}
