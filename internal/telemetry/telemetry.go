// Package telemetry wraps OpenTelemetry tracing for the learning loop,
// grounded on the teacher repo's internal/executor/tracing.go.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is a thin facade over an otel Tracer plus a debug flag that
// gates whether verbose span attributes (full hint text, full
// rationale) are attached.
type Tracer struct {
	tracer trace.Tracer
	debug  bool
}

var (
	once    sync.Once
	current *Tracer
)

// GetTracer returns the process-wide Tracer, initializing it on first use.
func GetTracer() *Tracer {
	once.Do(func() {
		current = &Tracer{tracer: otel.Tracer("github.com/vinayprograms/learnloop")}
	})
	return current
}

// SetDebug toggles whether verbose attributes are recorded on spans.
func SetDebug(debug bool) {
	GetTracer().debug = debug
}

// Debug reports whether verbose span attributes should be recorded.
func (t *Tracer) Debug() bool { return t.debug }

// StartSpan starts a span named name.
func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// StartIngestSpan starts a span around Store.Append + index/miner ingest.
func StartIngestSpan(ctx context.Context, sessionID, eventType string) (context.Context, trace.Span) {
	ctx, span := GetTracer().StartSpan(ctx, "learningloop.ingest")
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("event.type", eventType),
	)
	return ctx, span
}

// StartSuggestSpan starts a span around hint synthesis.
func StartSuggestSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := GetTracer().StartSpan(ctx, "learningloop.suggest")
	span.SetAttributes(attribute.String("session.id", sessionID))
	return ctx, span
}

// EndSpan ends span, recording err if non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
