package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordPublish(context.Context, string, time.Duration, error)         {}
func (NoopMetrics) RecordHandler(context.Context, string, string, time.Duration, error) {}
func (NoopMetrics) RecordDeadLetter(context.Context, string, string)                    {}
func (NoopMetrics) RecordDelivery(context.Context, string, int, time.Duration, error)   {}
func (NoopMetrics) RecordDeferred(context.Context, string, string)                      {}
func (NoopMetrics) RecordJobFinished(context.Context, string, string)                   {}
func (NoopMetrics) RecordBreakerTransition(context.Context, string, string, string)     {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartPublishSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartPublishSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartHandlerSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartHandlerSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartDeliverySpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartDeliverySpan(ctx context.Context, _, _ string, _ int) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}

// MetricsOrNoop returns m, or NoopMetrics when m is nil.
func MetricsOrNoop(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}

// SpansOrNoop returns s, or NoopSpanManager when s is nil.
func SpansOrNoop(s SpanManager) SpanManager {
	if s == nil {
		return NoopSpanManager{}
	}
	return s
}
