package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsRecorder with Prometheus collectors.
// A nil or zero value records nothing.
type PrometheusMetrics struct {
	publishes       *prometheus.CounterVec
	publishLatency  *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec
	handlerLatency  *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	deferred        *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	breakerChanges  *prometheus.CounterVec
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the collectors on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		return &PrometheusMetrics{}
	}
	m := &PrometheusMetrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authevents_publish_total",
			Help: "Publish calls by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authevents_publish_duration_seconds",
			Help:    "Publish latency including handler fan-out.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authevents_handler_failures_total",
			Help: "Handlers that exhausted their retry budget.",
		}, []string{"handler", "event_type"}),
		handlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authevents_handler_duration_seconds",
			Help:    "Handler latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authevents_dlq_enqueued_total",
			Help: "Entries added to the dead letter queue.",
		}, []string{"handler", "event_type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authevents_webhook_deliveries_total",
			Help: "Webhook delivery attempts by endpoint and status code.",
		}, []string{"endpoint_id", "status_code", "outcome"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authevents_webhook_delivery_duration_seconds",
			Help:    "Webhook delivery latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint_id"}),
		deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authevents_webhook_deferred_total",
			Help: "Jobs rescheduled without an attempt.",
		}, []string{"endpoint_id", "reason"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authevents_webhook_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"endpoint_id", "status"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authevents_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"endpoint_id", "from", "to"}),
	}
	reg.MustRegister(
		m.publishes, m.publishLatency,
		m.handlerErrors, m.handlerLatency,
		m.deadLetters,
		m.deliveries, m.deliveryLatency,
		m.deferred, m.jobsFinished, m.breakerChanges,
	)
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordPublish implements MetricsRecorder.
func (m *PrometheusMetrics) RecordPublish(_ context.Context, eventType string, duration time.Duration, err error) {
	if m == nil || m.publishes == nil {
		return
	}
	eventType = normalizeLabel(eventType)
	m.publishes.WithLabelValues(eventType, outcome(err)).Inc()
	m.publishLatency.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordHandler implements MetricsRecorder.
func (m *PrometheusMetrics) RecordHandler(_ context.Context, handlerID, eventType string, duration time.Duration, err error) {
	if m == nil || m.handlerLatency == nil {
		return
	}
	handlerID = normalizeLabel(handlerID)
	m.handlerLatency.WithLabelValues(handlerID).Observe(duration.Seconds())
	if err != nil {
		m.handlerErrors.WithLabelValues(handlerID, normalizeLabel(eventType)).Inc()
	}
}

// RecordDeadLetter implements MetricsRecorder.
func (m *PrometheusMetrics) RecordDeadLetter(_ context.Context, handlerID, eventType string) {
	if m == nil || m.deadLetters == nil {
		return
	}
	m.deadLetters.WithLabelValues(normalizeLabel(handlerID), normalizeLabel(eventType)).Inc()
}

// RecordDelivery implements MetricsRecorder.
func (m *PrometheusMetrics) RecordDelivery(_ context.Context, endpointID string, statusCode int, duration time.Duration, err error) {
	if m == nil || m.deliveries == nil {
		return
	}
	endpointID = normalizeLabel(endpointID)
	m.deliveries.WithLabelValues(endpointID, strconv.Itoa(statusCode), outcome(err)).Inc()
	m.deliveryLatency.WithLabelValues(endpointID).Observe(duration.Seconds())
}

// RecordDeferred implements MetricsRecorder.
func (m *PrometheusMetrics) RecordDeferred(_ context.Context, endpointID, reason string) {
	if m == nil || m.deferred == nil {
		return
	}
	m.deferred.WithLabelValues(normalizeLabel(endpointID), normalizeLabel(reason)).Inc()
}

// RecordJobFinished implements MetricsRecorder.
func (m *PrometheusMetrics) RecordJobFinished(_ context.Context, endpointID, status string) {
	if m == nil || m.jobsFinished == nil {
		return
	}
	m.jobsFinished.WithLabelValues(normalizeLabel(endpointID), normalizeLabel(status)).Inc()
}

// RecordBreakerTransition implements MetricsRecorder.
func (m *PrometheusMetrics) RecordBreakerTransition(_ context.Context, endpointID, from, to string) {
	if m == nil || m.breakerChanges == nil {
		return
	}
	m.breakerChanges.WithLabelValues(normalizeLabel(endpointID), from, to).Inc()
}
