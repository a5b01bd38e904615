// Package breaker implements a per-endpoint circuit breaker.
//
// A breaker starts Closed. FailureThreshold consecutive failures open it;
// once Cooldown has elapsed the next call moves it to HalfOpen, where at most
// HalfOpenMaxRequests trial calls run concurrently. SuccessThreshold
// consecutive trial successes close it again and any trial failure reopens it.
package breaker

import (
	"sync"
	"time"

	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive HalfOpen successes that closes it.
	// Default: 2
	SuccessThreshold int

	// Cooldown is how long the breaker stays Open before probing.
	// Default: 60 seconds
	Cooldown time.Duration

	// HalfOpenMaxRequests caps concurrent trial calls in HalfOpen.
	// Default: 3
	HalfOpenMaxRequests int

	// ProbeRetryDelay is the RetryAfter reported to callers turned away
	// because all HalfOpen trial slots are taken.
	// Default: 1 second
	ProbeRetryDelay time.Duration

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock (tests).
	Now func() time.Time
}

// DefaultConfig provides the standard thresholds.
var DefaultConfig = Config{
	FailureThreshold:    5,
	SuccessThreshold:    2,
	Cooldown:            60 * time.Second,
	HalfOpenMaxRequests: 3,
	ProbeRetryDelay:     1 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultConfig.Cooldown
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = DefaultConfig.HalfOpenMaxRequests
	}
	if c.ProbeRetryDelay <= 0 {
		c.ProbeRetryDelay = DefaultConfig.ProbeRetryDelay
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalFailures        int64     `json:"total_failures"`
	TotalSuccesses       int64     `json:"total_successes"`
	InFlightTrials       int       `json:"in_flight_trials"`
	LastTransition       time.Time `json:"last_transition"`
}

// Breaker is a circuit breaker for a single endpoint.
// All admission checks and counter updates happen under one mutex.
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalFailures        int64
	totalSuccesses       int64
	inFlight             int
	openedAt             time.Time
	lastTransition       time.Time
}

// New creates a Closed breaker.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:           name,
		cfg:            cfg,
		state:          Closed,
		lastTransition: cfg.Now(),
	}
}

// transition is a pending OnStateChange notification.
type transition struct {
	from, to State
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, t.from, t.to)
	}
}

// setStateLocked changes state and resets the per-state counters.
func (b *Breaker) setStateLocked(to State, now time.Time) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.lastTransition = now
	b.consecutiveSuccesses = 0
	b.inFlight = 0
	switch to {
	case Open:
		b.openedAt = now
	case Closed:
		b.consecutiveFailures = 0
	}
	return &transition{from: from, to: to}
}

// Allow asks for permission to make one call.
// It returns a *errors.CircuitOpenError carrying the remaining cooldown when
// the call must not be made. A nil return must be followed by exactly one of
// Success, Failure or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.cfg.Now()
	var tr *transition

	switch b.state {
	case Open:
		remaining := b.cfg.Cooldown - now.Sub(b.openedAt)
		if remaining > 0 {
			b.mu.Unlock()
			return &aeerrors.CircuitOpenError{EndpointID: b.name, RetryAfter: remaining}
		}
		tr = b.setStateLocked(HalfOpen, now)
		b.inFlight = 1
	case HalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMaxRequests {
			b.mu.Unlock()
			return &aeerrors.CircuitOpenError{EndpointID: b.name, RetryAfter: b.cfg.ProbeRetryDelay}
		}
		b.inFlight++
	}
	b.mu.Unlock()

	b.notify(tr)
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	now := b.cfg.Now()
	var tr *transition

	b.totalSuccesses++
	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
	case HalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			tr = b.setStateLocked(Closed, now)
		}
	}
	b.mu.Unlock()

	b.notify(tr)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	now := b.cfg.Now()
	var tr *transition

	b.totalFailures++
	b.consecutiveFailures++
	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			tr = b.setStateLocked(Open, now)
		}
	case HalfOpen:
		tr = b.setStateLocked(Open, now)
	}
	b.mu.Unlock()

	b.notify(tr)
}

// Release gives back an admitted call that was never made.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		InFlightTrials:       b.inFlight,
		LastTransition:       b.lastTransition,
	}
}

// Reset forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setStateLocked(Closed, b.cfg.Now())
	b.consecutiveFailures = 0
	b.mu.Unlock()
	b.notify(tr)
}
