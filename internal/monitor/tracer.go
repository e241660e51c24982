package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "app-monitor"

// Tracer wraps OpenTelemetry tracing. Spans are no-ops unless a
// TracerProvider is installed globally.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// NewTracerFromProvider creates a Tracer on an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		// A detached no-op span, so End never touches a caller's span.
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, "appmon."+name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

var (
	AttrRunID      = attribute.Key("appmon.run.id")
	AttrTargetID   = attribute.Key("appmon.target.id")
	AttrPID        = attribute.Key("appmon.pid")
	AttrLockID     = attribute.Key("appmon.lock.id")
	AttrCheckType  = attribute.Key("appmon.check.type")
	AttrURL        = attribute.Key("appmon.url")
	AttrSuccess    = attribute.Key("appmon.success")
	AttrDurationMS = attribute.Key("appmon.duration_ms")
)
