// Package tracing wraps OpenTelemetry's SDK tracer behind a small
// business-operation API, so the rest of the agent never touches the
// otel API surface directly.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Tracer starts and annotates spans for the agent's operations
// (session connect, publish, one whole drain execution).
type Tracer struct {
	tracer oteltrace.Tracer
}

// New builds a Tracer with an in-process (no exporter) tracer provider,
// identified by deviceID in the emitted resource attributes.
func New(deviceID string) *Tracer {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("aura-agent"),
			attribute.String("device.id", deviceID),
		)),
	)
	otel.SetTracerProvider(tp)
	return &Tracer{tracer: otel.Tracer("aura-agent")}
}

// StartOperation begins a span for a named agent operation.
func (t *Tracer) StartOperation(ctx context.Context, name string, attrs map[string]any) (context.Context, oteltrace.Span) {
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(kv...))
}

// FinishOperation closes span, recording success/failure and err if any.
func FinishOperation(span oteltrace.Span, success bool, err error) {
	defer span.End()
	span.SetAttributes(attribute.Bool("operation.success", success))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
