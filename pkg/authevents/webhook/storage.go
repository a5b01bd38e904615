package webhook

import (
	"context"
	"errors"
	"time"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
)

// ErrEndpointNotFound is returned for unknown endpoint IDs. It matches
// errors.ErrNotFound.
var ErrEndpointNotFound = aeerrors.ErrNotFound

// ErrJobChanged is returned by UpdateJob when the stored job has left the
// expected status, e.g. it was cancelled while a worker held it.
var ErrJobChanged = errors.New("job changed concurrently")

// JobFilter selects jobs for ListJobs. Zero fields don't filter.
type JobFilter struct {
	EndpointID string
	EventID    string
	Status     JobStatus
	Limit      int
}

// Storage persists endpoints, jobs and deliveries. Missing records are
// reported with errors.ErrNotFound.
type Storage interface {
	SaveEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error

	SaveJob(ctx context.Context, job *Job) error

	// UpdateJob overwrites job only while the stored copy still has status
	// from. Otherwise it returns ErrJobChanged and leaves the stored job as is.
	UpdateJob(ctx context.Context, job *Job, from JobStatus) error

	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*Job, error)

	// ClaimDueJobs atomically moves up to limit pending jobs with
	// NextAttemptAt <= now to processing, oldest NextAttemptAt first, and
	// leases them until now+lease.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Job, error)

	// RecoverStale returns processing jobs whose lease expired before now
	// to pending and reports how many were reset.
	RecoverStale(ctx context.Context, now time.Time) (int, error)

	SaveDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, jobID string) ([]*Delivery, error)
	ListEndpointDeliveries(ctx context.Context, endpointID string, limit int) ([]*Delivery, error)
	DeleteDeliveriesBefore(ctx context.Context, before time.Time) (int64, error)
}
