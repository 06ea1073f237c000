package tui

import (
	"context"
	"log"
	"time"

	"github.com/stray/manyworlds/internal/events"
	"github.com/stray/manyworlds/internal/scheduler"
)

// DefaultFollowInterval is the poll cadence for store replay.
const DefaultFollowInterval = 500 * time.Millisecond

const followBatchSize = 200

// RunSource is the slice of the store the follower reads from.
type RunSource interface {
	Run(ctx context.Context, runID string) (*scheduler.RunState, error)
	EventsSince(ctx context.Context, runID string, afterID int64, limit int) ([]events.Event, error)
}

// Follow replays a run's durable event log into a channel, then keeps
// polling for new entries. The channel closes once the run has reached
// a terminal status and the log is drained, or when ctx is cancelled.
// This is how a console attaches to a run owned by another process.
func Follow(ctx context.Context, src RunSource, runID string, interval time.Duration) <-chan events.Event {
	if interval <= 0 {
		interval = DefaultFollowInterval
	}
	ch := make(chan events.Event, 256)

	go func() {
		defer close(ch)

		var after int64
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			drained := false
			for !drained {
				batch, err := src.EventsSince(ctx, runID, after, followBatchSize)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Printf("WARNING: event replay for run %s: %v", runID, err)
					break
				}
				for _, e := range batch {
					select {
					case ch <- e:
						after = e.ID
					case <-ctx.Done():
						return
					}
				}
				drained = len(batch) < followBatchSize
			}

			if drained && runFinished(ctx, src, runID) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch
}

func runFinished(ctx context.Context, src RunSource, runID string) bool {
	run, err := src.Run(ctx, runID)
	if err != nil {
		return false
	}
	switch run.Status {
	case scheduler.RunCompleted, scheduler.RunFailed, scheduler.RunCancelled:
		return true
	}
	return false
}
