package webhook

import (
	"time"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

// Job states. Completed, Failed and Cancelled are terminal.
const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further attempts will be made.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one event bound for one endpoint. URL, Secret, Headers and
// Timeout are copied from the endpoint at enqueue time, so later endpoint
// edits don't affect queued jobs.
type Job struct {
	ID         string `json:"id"`
	EndpointID string `json:"endpoint_id"`
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`

	URL     string            `json:"url"`
	Secret  string            `json:"-"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout"`
	Format  Format            `json:"format"`
	Payload []byte            `json:"payload"`

	Status        JobStatus `json:"status"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	LastStatus    int       `json:"last_status,omitempty"`

	// LockedUntil is the processing lease; expired leases are recovered.
	LockedUntil time.Time `json:"locked_until,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	if j.Headers != nil {
		c.Headers = make(map[string]string, len(j.Headers))
		for k, v := range j.Headers {
			c.Headers[k] = v
		}
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Delivery records one HTTP attempt. Deliveries are append-only.
type Delivery struct {
	ID           string        `json:"id"`
	JobID        string        `json:"job_id"`
	EndpointID   string        `json:"endpoint_id"`
	EventID      string        `json:"event_id"`
	EventType    string        `json:"event_type"`
	Attempt      int           `json:"attempt"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Succeeded reports a 2xx response.
func (d *Delivery) Succeeded() bool {
	return d.Error == "" && d.StatusCode >= 200 && d.StatusCode < 300
}
