package breaker_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/authevents/pkg/authevents/breaker"
	aeerrors "github.com/randalmurphal/authevents/pkg/authevents/errors"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(clock *fakeClock) *breaker.Breaker {
	return breaker.New("endpoint-1", breaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Cooldown:            10 * time.Second,
		HalfOpenMaxRequests: 2,
		Now:                 clock.Now,
	})
}

func fail(t *testing.T, b *breaker.Breaker) {
	t.Helper()
	require.NoError(t, b.Allow())
	b.Failure()
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)

	fail(t, b)
	fail(t, b)
	assert.Equal(t, breaker.Closed, b.State())
	fail(t, b)
	assert.Equal(t, breaker.Open, b.State())

	// Zero further attempts until cooldown elapses.
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		err := b.Allow()
		var open *aeerrors.CircuitOpenError
		require.True(t, errors.As(err, &open))
		assert.Equal(t, 10*time.Second-time.Duration(i+1)*time.Second, open.RetryAfter)
	}
}

func TestSuccessResetsFailureCountInClosed(t *testing.T) {
	b := newBreaker(newFakeClock())

	fail(t, b)
	fail(t, b)
	require.NoError(t, b.Allow())
	b.Success()
	fail(t, b)
	fail(t, b)

	assert.Equal(t, breaker.Closed, b.State())
	assert.Equal(t, 2, b.Snapshot().ConsecutiveFailures)
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}

	clock.Advance(10 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, breaker.HalfOpen, b.State())
	b.Success()
	assert.Equal(t, breaker.HalfOpen, b.State())

	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, breaker.Closed, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}

	clock.Advance(11 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, breaker.Open, b.State())

	var open *aeerrors.CircuitOpenError
	require.ErrorAs(t, b.Allow(), &open)
	assert.Equal(t, 10*time.Second, open.RetryAfter)
}

func TestHalfOpenLimitsConcurrentTrials(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)

	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	assert.Error(t, b.Allow())

	b.Release()
	assert.NoError(t, b.Allow())
}

func TestConcurrentHalfOpenAdmission(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), admitted.Load())
}

func TestStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := breaker.New("ep", breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to breaker.State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	fail(t, b)
	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	b.Success()

	assert.Equal(t, []string{
		"ep:closed->open",
		"ep:open->half_open",
		"ep:half_open->closed",
	}, transitions)
}

func TestGroupCreatesOnePerEndpoint(t *testing.T) {
	g := breaker.NewGroup(breaker.Config{FailureThreshold: 1})

	a := g.For("a")
	assert.Same(t, a, g.For("a"))
	assert.NotSame(t, a, g.For("b"))

	a.Failure()
	snaps := g.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)
	assert.Equal(t, breaker.Open, snaps[0].State)
	assert.Equal(t, breaker.Closed, snaps[1].State)

	g.Remove("a")
	assert.Equal(t, breaker.Closed, g.For("a").State())
}
