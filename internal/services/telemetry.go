package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ryu-qqq/setof-commerce-sub006/internal/services"

var tracer = otel.Tracer(instrumentationName)

type transitionRecorder struct {
	counter metric.Int64Counter
	enabled bool
}

func newTransitionRecorder(meter metric.Meter, name, description string) transitionRecorder {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	return transitionRecorder{counter: counter, enabled: err == nil}
}

func (r transitionRecorder) record(ctx context.Context, kind, from, to string, err error) {
	if !r.enabled {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("outcome", outcome),
	))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
