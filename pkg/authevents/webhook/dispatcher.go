package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/randalmurphal/authevents/pkg/authevents/event"
)

// DispatcherName is the bus handler ID of the webhook fan-out.
const DispatcherName = "webhooks"

// Dispatcher is the bus handler that turns events into delivery jobs, one
// per matching endpoint. It never makes HTTP calls itself.
type Dispatcher struct {
	endpoints *EndpointRegistry
	queue     *Queue
	idem      Idempotency
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. idem may be nil.
func NewDispatcher(endpoints *EndpointRegistry, queue *Queue, idem Idempotency, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{endpoints: endpoints, queue: queue, idem: idem, logger: logger}
}

// HandlerName implements event.Named.
func (d *Dispatcher) HandlerName() string { return DispatcherName }

// Handle implements event.Handler. Endpoints already enqueued for evt are
// skipped, so bus retries and DLQ redelivery don't duplicate jobs.
func (d *Dispatcher) Handle(ctx context.Context, evt *event.Event) error {
	var errs error
	for _, ep := range d.endpoints.Matching(evt.Type) {
		key := IdempotencyKey(evt.ID, ep.ID)
		if d.idem != nil {
			first, err := d.idem.Claim(ctx, key)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if !first {
				continue
			}
		}
		job, err := d.queue.EnqueueEvent(ctx, ep, evt)
		if err != nil {
			if d.idem != nil {
				if rerr := d.idem.Release(ctx, key); rerr != nil {
					err = multierr.Append(err, rerr)
				}
			}
			errs = multierr.Append(errs, fmt.Errorf("enqueue %s for %s: %w", evt.ID, ep.ID, err))
			continue
		}
		d.logger.Debug("webhook job enqueued",
			slog.String("job_id", job.ID),
			slog.String("endpoint_id", ep.ID),
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID),
		)
	}
	return errs
}
