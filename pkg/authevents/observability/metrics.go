package observability

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event and webhook metrics.
// Use NewMetricsRecorder() for OTel, NewPrometheusMetrics() for Prometheus,
// or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one Publish call.
	RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordHandler records one handler invocation (after its retries).
	RecordHandler(ctx context.Context, handlerID, eventType string, duration time.Duration, err error)

	// RecordDeadLetter records an entry entering the DLQ.
	RecordDeadLetter(ctx context.Context, handlerID, eventType string)

	// RecordDelivery records one webhook HTTP attempt.
	RecordDelivery(ctx context.Context, endpointID string, statusCode int, duration time.Duration, err error)

	// RecordDeferred records a job rescheduled without an attempt.
	// Reason is "circuit_open" or "rate_limited".
	RecordDeferred(ctx context.Context, endpointID, reason string)

	// RecordJobFinished records a job reaching a terminal status.
	RecordJobFinished(ctx context.Context, endpointID, status string)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, endpointID, from, to string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	publishLatency  metric.Float64Histogram
	handlerCalls    metric.Int64Counter
	handlerLatency  metric.Float64Histogram
	handlerErrors   metric.Int64Counter
	deadLetters     metric.Int64Counter
	deliveries      metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	deferred        metric.Int64Counter
	jobsFinished    metric.Int64Counter
	breakerChanges  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the OTel instruments.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("authevents")
	m := &otelMetrics{}
	var err error

	if m.publishes, err = meter.Int64Counter("authevents.publish.count",
		metric.WithDescription("Number of publish calls"),
	); err != nil {
		return nil, err
	}
	if m.publishLatency, err = meter.Float64Histogram("authevents.publish.latency_ms",
		metric.WithDescription("Publish latency including handler fan-out"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.handlerCalls, err = meter.Int64Counter("authevents.handler.invocations",
		metric.WithDescription("Number of handler invocations"),
	); err != nil {
		return nil, err
	}
	if m.handlerLatency, err = meter.Float64Histogram("authevents.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = meter.Int64Counter("authevents.handler.errors",
		metric.WithDescription("Handlers that exhausted their retry budget"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("authevents.dlq.enqueued",
		metric.WithDescription("Entries added to the dead letter queue"),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("authevents.webhook.deliveries",
		metric.WithDescription("Webhook delivery attempts"),
	); err != nil {
		return nil, err
	}
	if m.deliveryLatency, err = meter.Float64Histogram("authevents.webhook.latency_ms",
		metric.WithDescription("Webhook delivery latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.deferred, err = meter.Int64Counter("authevents.webhook.deferred",
		metric.WithDescription("Jobs rescheduled by the breaker or limiter"),
	); err != nil {
		return nil, err
	}
	if m.jobsFinished, err = meter.Int64Counter("authevents.webhook.jobs_finished",
		metric.WithDescription("Jobs reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.breakerChanges, err = meter.Int64Counter("authevents.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	)
	m.publishes.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordHandler(ctx context.Context, handlerID, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("handler", handlerID),
		attribute.String("event_type", eventType),
	)
	m.handlerCalls.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.handlerErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, handlerID, eventType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handlerID),
		attribute.String("event_type", eventType),
	))
}

func (m *otelMetrics) RecordDelivery(ctx context.Context, endpointID string, statusCode int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("endpoint_id", endpointID),
		attribute.String("status_code", strconv.Itoa(statusCode)),
		attribute.Bool("success", err == nil),
	)
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordDeferred(ctx context.Context, endpointID, reason string) {
	m.deferred.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint_id", endpointID),
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordJobFinished(ctx context.Context, endpointID, status string) {
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint_id", endpointID),
		attribute.String("status", status),
	))
}

func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, endpointID, from, to string) {
	m.breakerChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint_id", endpointID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
