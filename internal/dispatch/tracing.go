package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mattjoyce/relay/internal/dispatch"

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

func (in *Instance) startSpan(ctx context.Context, canon string) (context.Context, trace.Span) {
	return in.tracer.Start(ctx, "relay.act",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("relay.instance", in.id),
			attribute.String("relay.message", canon),
		),
	)
}

func endSpan(span trace.Span, meta *Meta, err *Error) {
	span.SetAttributes(
		attribute.String("relay.call_id", meta.ID),
		attribute.String("relay.tx", meta.Tx),
		attribute.String("relay.pattern", meta.Pattern),
		attribute.String("relay.action", meta.Action),
		attribute.Bool("relay.cached", meta.Cached),
		attribute.Int("relay.depth", len(meta.Parents)),
	)
	if err != nil {
		span.SetAttributes(attribute.String("relay.error_code", err.Code))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Code)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
