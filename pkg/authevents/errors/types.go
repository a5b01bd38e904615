package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSignature matches every *SignatureError via errors.Is.
var ErrInvalidSignature = errors.New("invalid signature")

// FieldProblem describes one schema violation.
type FieldProblem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports a payload that does not satisfy its schema.
// Events failing validation are never persisted.
type ValidationError struct {
	EventType     string
	SchemaVersion int
	Problems      []FieldProblem
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("validation error: %s v%d", e.EventType, e.SchemaVersion)
	}
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Field == "" {
			parts = append(parts, p.Message)
			continue
		}
		parts = append(parts, p.Field+": "+p.Message)
	}
	return fmt.Sprintf("validation error: %s v%d: %s",
		e.EventType, e.SchemaVersion, strings.Join(parts, "; "))
}

// Add appends a problem.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Message: fmt.Sprintf(format, args...)})
}

// DuplicateVersionError is returned when a schema version is registered twice.
type DuplicateVersionError struct {
	Name    string
	Version int
}

// Error implements the error interface.
func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("schema %s version %d already registered", e.Name, e.Version)
}

// VersionConflictError indicates an optimistic concurrency violation on a stream.
// The caller should reload and retry the append.
type VersionConflictError struct {
	StreamID string
	Expected int64
	Actual   int64
}

// Error implements the error interface.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on stream %s: expected %d, actual %d",
		e.StreamID, e.Expected, e.Actual)
}

// HandlerError records a handler that failed after its retry budget.
type HandlerError struct {
	HandlerID string
	EventID   string
	EventType string
	Attempts  int
	Err       error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s %s after %d attempts: %v",
		e.HandlerID, e.EventType, e.EventID, e.Attempts, e.Err)
}

// Unwrap returns the handler's error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// DeliveryError is a failed webhook attempt (network error, timeout or non-2xx).
type DeliveryError struct {
	JobID      string
	EndpointID string
	Attempt    int
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery %s to %s failed (attempt %d, status %d): %v",
			e.JobID, e.EndpointID, e.Attempt, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery %s to %s failed (attempt %d): %v",
		e.JobID, e.EndpointID, e.Attempt, e.Err)
}

// Unwrap returns the underlying transport or HTTP error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// CircuitOpenError means the endpoint's breaker rejected the call.
// It is not counted as a delivery attempt.
type CircuitOpenError struct {
	EndpointID string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.EndpointID, e.RetryAfter)
}

// RateLimitError means the endpoint's token bucket was empty.
// It is not counted as a delivery attempt.
type RateLimitError struct {
	EndpointID string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.EndpointID, e.RetryAfter)
}

// SignatureError is a receiver-side rejection. Reason is one of
// "missing", "malformed", "expired" or "mismatch".
type SignatureError struct {
	Reason string
}

// Error implements the error interface.
func (e *SignatureError) Error() string {
	return "invalid signature: " + e.Reason
}

// Is reports whether target is ErrInvalidSignature.
func (e *SignatureError) Is(target error) bool {
	return target == ErrInvalidSignature
}

// StorageError wraps a persistence backend failure.
// The operation must be considered not performed.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the backend error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// Sentinel errors shared by the persistence backends.
var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates the component has been closed.
	ErrClosed = errors.New("closed")
)
