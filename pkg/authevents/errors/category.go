// Package errors provides the error taxonomy, categorization, retry, and
// backoff primitives shared by the event and webhook subsystems.
//
// Every failure mode has a typed error (see types.go). Categorize sorts
// them into transient and permanent so retry loops know when to stop;
// nothing in the core is treated as fatal.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category says whether retrying an error can help.
type Category int

const (
	// CategoryTransient: version conflicts, 5xx and 429 responses, timeouts,
	// open circuits, rate limits.
	CategoryTransient Category = iota

	// CategoryPermanent: schema violations, bad signatures, storage failures,
	// cancellation, and anything unrecognised.
	CategoryPermanent
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError is what retry loops return: the last failure, its
// category, and how many attempts were spent.
type CategorizedError struct {
	Err      error
	Category Category
	Retries  int

	// Context names the stage that gave up, e.g. "max retries exceeded".
	Context string
}

func (e *CategorizedError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("%s (category: %s, attempts: %d)", e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s: %s (category: %s, attempts: %d)", e.Context, e.Err, e.Category, e.Retries)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// transientKinds are matched with errors.As; any hit is transient.
var transientKinds = []func(error) bool{
	as[*VersionConflictError],
	as[*DeliveryError],
	as[*CircuitOpenError],
	as[*RateLimitError],
	as[*TimeoutError],
}

func as[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// Categorize classifies err. A nil error is reported as permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	switch {
	case errors.Is(err, context.Canceled):
		return CategoryPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}

	// HTTPError is checked before DeliveryError, which usually wraps it,
	// so a 4xx stays permanent.
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return statusCategory(httpErr.StatusCode)
	}

	for _, match := range transientKinds {
		if match(err) {
			return CategoryTransient
		}
	}
	return CategoryPermanent
}

func statusCategory(code int) Category {
	if code == 408 || code == 429 || code >= 500 {
		return CategoryTransient
	}
	return CategoryPermanent
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// RetryAll retries every error except cancellation. Bus handlers use it
// because handler errors are usually plain errors with no category.
func RetryAll(err error) bool {
	return !errors.Is(err, context.Canceled)
}
