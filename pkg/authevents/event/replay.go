package event

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"go.uber.org/multierr"

	"github.com/randalmurphal/authevents/pkg/authevents/observability"
)

// Dispatcher delivers an already-stored event to current handlers.
type Dispatcher interface {
	Redispatch(ctx context.Context, evt *Event, deadLetter bool) ([]HandlerResult, error)
}

// Replay speeds.
const (
	SpeedFast     float64 = 0
	SpeedRealTime float64 = 1
)

// ReplayOptions selects and paces a replay. Zero fields don't filter.
type ReplayOptions struct {
	From      time.Time
	To        time.Time
	Types     []string
	StreamIDs []string

	// Speed scales the original gaps between events: SpeedRealTime keeps
	// them, 10 replays ten times faster and SpeedFast doesn't wait.
	Speed float64

	// MaxEvents stops after this many dispatched events; 0 is unlimited.
	MaxEvents int

	// StopOnError aborts on the first event with a failed handler.
	StopOnError bool

	// DeadLetter sends handler failures to the DLQ. Off by default so a
	// replay doesn't refill the queue it may be draining.
	DeadLetter bool
}

// ReplayStats summarizes a replay.
type ReplayStats struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// Replayer re-delivers stored events to the current handlers. It never
// validates or appends.
type Replayer struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewReplayer creates a replayer.
func NewReplayer(store Store, dispatcher Dispatcher, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{store: store, dispatcher: dispatcher, logger: logger}
}

// Replay dispatches every stored event matching opts in occurrence order.
func (r *Replayer) Replay(ctx context.Context, opts ReplayOptions) (ReplayStats, error) {
	if opts.Speed < 0 {
		return ReplayStats{}, fmt.Errorf("replay speed must be >= 0, got %v", opts.Speed)
	}
	q := Query{Types: opts.Types, From: opts.From, To: opts.To}
	if len(opts.StreamIDs) == 1 {
		q.StreamID = opts.StreamIDs[0]
	}
	return r.run(ctx, r.store.Query(ctx, q), opts)
}

// ReplayStream dispatches one stream's events from fromVersion on, in version order.
func (r *Replayer) ReplayStream(ctx context.Context, streamID string, fromVersion int64) (ReplayStats, error) {
	return r.run(ctx, r.store.ReadStream(ctx, streamID, fromVersion), ReplayOptions{})
}

func (r *Replayer) run(ctx context.Context, events iter.Seq2[*Event, error], opts ReplayOptions) (ReplayStats, error) {
	start := time.Now()
	var (
		stats ReplayStats
		prev  time.Time
	)
	finish := func(err error) (ReplayStats, error) {
		stats.Duration = time.Since(start)
		observability.LogReplay(r.logger, stats.Processed, stats.Failed, stats.Skipped, stats.Duration)
		return stats, err
	}

	for evt, err := range events {
		if err != nil {
			return finish(fmt.Errorf("replay: read events: %w", err))
		}
		if len(opts.StreamIDs) > 1 && !slices.Contains(opts.StreamIDs, evt.StreamID) {
			stats.Skipped++
			continue
		}
		if opts.MaxEvents > 0 && stats.Processed+stats.Failed >= opts.MaxEvents {
			break
		}
		if opts.Speed > 0 && !prev.IsZero() {
			if err := sleepContext(ctx, time.Duration(float64(evt.OccurredAt.Sub(prev))/opts.Speed)); err != nil {
				return finish(err)
			}
		}
		prev = evt.OccurredAt
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		results, err := r.dispatcher.Redispatch(ctx, evt, opts.DeadLetter)
		if err != nil {
			return finish(fmt.Errorf("replay: %w", err))
		}
		var failed []error
		for _, res := range results {
			if res.Err != nil {
				failed = append(failed, res.Err)
			}
		}
		if len(failed) == 0 {
			stats.Processed++
			continue
		}
		stats.Failed++
		if opts.StopOnError {
			return finish(fmt.Errorf("replay stopped at %s %s: %w", evt.Type, evt.ID, multierr.Combine(failed...)))
		}
	}
	return finish(nil)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
