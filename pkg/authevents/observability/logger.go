// Package observability provides structured logging, metrics, and tracing
// for event publication, handler dispatch, and webhook delivery.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "user.created", "evt-123")
//	enriched.Info("dispatching") // includes event_type, event_id
func EnrichLogger(logger *slog.Logger, eventType, eventID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)
}

// LogPublish logs a completed publish.
func LogPublish(logger *slog.Logger, eventType, eventID, streamID string, version int64, handlers int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.String("stream_id", streamID),
		slog.Int64("version", version),
		slog.Int("handlers", handlers),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogPublishRejected logs an event refused before persistence.
func LogPublishRejected(logger *slog.Logger, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event rejected",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogHandlerFailure logs a handler that exhausted its retry budget.
func LogHandlerFailure(logger *slog.Logger, handlerID, eventType, eventID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("handler failed",
		slog.String("handler", handlerID),
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs a DLQ insertion or parking.
func LogDeadLetter(logger *slog.Logger, entryID, handlerID, eventType string, retries int, parked bool) {
	if logger == nil {
		return
	}
	logger.Warn("dead letter recorded",
		slog.String("entry_id", entryID),
		slog.String("handler", handlerID),
		slog.String("event_type", eventType),
		slog.Int("retries", retries),
		slog.Bool("parked", parked),
	)
}

// LogReplay logs the outcome of a replay run.
func LogReplay(logger *slog.Logger, processed, failed, skipped int, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("replay finished",
		slog.Int("processed", processed),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// LogDelivery logs one webhook attempt.
func LogDelivery(logger *slog.Logger, jobID, endpointID string, attempt, statusCode int, durationMs int64, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("job_id", jobID),
		slog.String("endpoint_id", endpointID),
		slog.Int("attempt", attempt),
		slog.Int("status_code", statusCode),
		slog.Int64("duration_ms", durationMs),
	}
	if err != nil {
		logger.Warn("webhook delivery failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	logger.Debug("webhook delivered", attrs...)
}

// LogDeliveryDeferred logs a job pushed back by the breaker or limiter.
func LogDeliveryDeferred(logger *slog.Logger, jobID, endpointID, reason string, retryAfter time.Duration) {
	if logger == nil {
		return
	}
	logger.Debug("webhook delivery deferred",
		slog.String("job_id", jobID),
		slog.String("endpoint_id", endpointID),
		slog.String("reason", reason),
		slog.Duration("retry_after", retryAfter),
	)
}

// LogJobExhausted logs a job reaching its terminal failed status.
func LogJobExhausted(logger *slog.Logger, jobID, endpointID string, attempts int, lastError string) {
	if logger == nil {
		return
	}
	logger.Error("webhook job failed permanently",
		slog.String("job_id", jobID),
		slog.String("endpoint_id", endpointID),
		slog.Int("attempts", attempts),
		slog.String("last_error", lastError),
	)
}

// LogBreakerTransition logs a circuit breaker state change.
func LogBreakerTransition(logger *slog.Logger, endpointID, from, to string) {
	if logger == nil {
		return
	}
	logger.Warn("circuit breaker transition",
		slog.String("endpoint_id", endpointID),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogStorageError logs a non-fatal persistence failure.
func LogStorageError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("storage operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
