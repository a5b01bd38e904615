// Package store provides the persistence backends: an in-memory store for
// tests and single-process use, and a SQLite store for durable deployments.
// Both implement event.Store and webhook.Storage.
package store

import (
	"errors"
	"fmt"
	"io"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
	"github.com/randalmurphal/authevents/pkg/authevents/event"
	"github.com/randalmurphal/authevents/pkg/authevents/webhook"
)

var (
	// ErrNotFound indicates a record doesn't exist.
	ErrNotFound = aeerrors.ErrNotFound

	// ErrClosed indicates the store has been closed.
	ErrClosed = aeerrors.ErrClosed

	// ErrDuplicateEvent is returned when an event ID is appended twice.
	ErrDuplicateEvent = errors.New("event already stored")
)

// Store is a complete persistence backend.
type Store interface {
	event.Store
	webhook.Storage
	io.Closer
}

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open creates a store for driver. path is ignored by the memory driver.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
