package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartConsumeSpan opens a consumer span around one pipeline job.
func StartConsumeSpan(ctx context.Context, pipeline, jobID string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "pipeline.consume."+pipeline,
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	span.SetAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("job.id", jobID),
	)
	return ctx, span
}

// StartPublishSpan opens a producer span around a pipeline enqueue.
func StartPublishSpan(ctx context.Context, pipeline string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "pipeline.publish."+pipeline,
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(attribute.String("pipeline", pipeline))
	return ctx, span
}
