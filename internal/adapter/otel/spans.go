package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "conductor"

// StartSagaSpan starts a span covering one saga execution.
func StartSagaSpan(ctx context.Context, sagaID, definition string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "saga",
		trace.WithAttributes(
			attribute.String("saga.id", sagaID),
			attribute.String("saga.definition", definition),
		),
	)
}

// StartStepSpan starts a span for a step attempt within a saga.
func StartStepSpan(ctx context.Context, sagaID, stepName string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("saga.id", sagaID),
			attribute.String("step.name", stepName),
			attribute.Int("step.attempt", attempt),
		),
	)
}

// StartCompensationSpan starts a span for the compensation chain of a saga.
func StartCompensationSpan(ctx context.Context, sagaID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "compensation",
		trace.WithAttributes(
			attribute.String("saga.id", sagaID),
		),
	)
}
