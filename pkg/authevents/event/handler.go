package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/observability"
)

// Handler consumes events. Handlers run concurrently with each other and
// must treat the event as read-only.
type Handler interface {
	Handle(ctx context.Context, evt *Event) error
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, evt *Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}

// Named is implemented by handlers that supply their own stable ID.
type Named interface {
	HandlerName() string
}

// HandlerMiddleware wraps a handler.
type HandlerMiddleware func(next Handler) Handler

// ChainHandler applies middleware so the first one is outermost.
func ChainHandler(h Handler, mws ...HandlerMiddleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// HandlerOption configures a subscription.
type HandlerOption func(*handlerEntry)

// WithHandlerName sets the handler ID used in logs, metrics and the DLQ.
// IDs must be unique per bus.
func WithHandlerName(name string) HandlerOption {
	return func(e *handlerEntry) {
		e.id = name
	}
}

// WithHandlerRetry overrides the bus retry policy for this handler.
func WithHandlerRetry(cfg aeerrors.RetryConfig) HandlerOption {
	return func(e *handlerEntry) {
		e.retry = cfg
		e.retrySet = true
	}
}

// WithHandlerTimeout bounds each handler invocation including retries.
func WithHandlerTimeout(d time.Duration) HandlerOption {
	return func(e *handlerEntry) {
		e.timeout = d
	}
}

// WithoutDeadLetter disables DLQ capture for this handler.
func WithoutDeadLetter() HandlerOption {
	return func(e *handlerEntry) {
		e.noDLQ = true
	}
}

// RecoveryMiddleware converts handler panics into errors.
func RecoveryMiddleware() HandlerMiddleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt *Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic on %s %s: %v", evt.Type, evt.ID, r)
				}
			}()
			return next.Handle(ctx, evt)
		})
	}
}

// LoggingMiddleware logs every handler invocation at debug level.
func LoggingMiddleware(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt *Event) error {
			start := time.Now()
			err := next.Handle(ctx, evt)
			if logger != nil {
				logger.Debug("handler invoked",
					slog.String("event_type", evt.Type),
					slog.String("event_id", evt.ID),
					slog.Duration("duration", time.Since(start)),
					slog.Any("error", err),
				)
			}
			return err
		})
	}
}

// TimeoutMiddleware bounds each attempt.
func TimeoutMiddleware(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt *Event) error {
			if d <= 0 {
				return next.Handle(ctx, evt)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next.Handle(ctx, evt)
			if err != nil && ctx.Err() == context.DeadlineExceeded {
				return &aeerrors.TimeoutError{Operation: "handle " + evt.Type, Duration: d}
			}
			return err
		})
	}
}

// MetricsMiddleware records per-attempt handler metrics under handlerID.
func MetricsMiddleware(recorder observability.MetricsRecorder, handlerID string) HandlerMiddleware {
	recorder = observability.MetricsOrNoop(recorder)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt *Event) error {
			start := time.Now()
			err := next.Handle(ctx, evt)
			recorder.RecordHandler(ctx, handlerID, evt.Type, time.Since(start), err)
			return err
		})
	}
}

type contextKey string

const (
	depthKey  contextKey = "authevents_depth"
	parentKey contextKey = "authevents_parent"
)

func eventDepth(ctx context.Context) int {
	if v, ok := ctx.Value(depthKey).(int); ok {
		return v
	}
	return 0
}

func withHandling(ctx context.Context, evt *Event) context.Context {
	ctx = context.WithValue(ctx, depthKey, eventDepth(ctx)+1)
	return context.WithValue(ctx, parentKey, evt)
}

// ParentFromContext returns the event being handled, if ctx belongs to a handler.
func ParentFromContext(ctx context.Context) (*Event, bool) {
	evt, ok := ctx.Value(parentKey).(*Event)
	return evt, ok
}
