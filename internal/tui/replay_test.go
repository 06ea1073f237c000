package tui

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stray/manyworlds/internal/events"
	"github.com/stray/manyworlds/internal/scheduler"
	"github.com/stray/manyworlds/internal/worlds"
)

// scriptedSource serves a fixed event log. With finishWhenDrained set
// it flips the run to a terminal status once everything has been
// handed out.
type scriptedSource struct {
	mu                sync.Mutex
	events            []events.Event
	status            scheduler.RunStatus
	finishWhenDrained bool
}

func (s *scriptedSource) Run(ctx context.Context, runID string) (*scheduler.RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &scheduler.RunState{ID: runID, Status: s.status}, nil
}

func (s *scriptedSource) EventsSince(ctx context.Context, runID string, afterID int64, limit int) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.ID > afterID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 && s.finishWhenDrained {
		s.status = scheduler.RunCompleted
	}
	return out, nil
}

func TestFollowReplaysAndCloses(t *testing.T) {
	src := &scriptedSource{status: scheduler.RunRunning, finishWhenDrained: true}
	for i := int64(1); i <= 5; i++ {
		src.events = append(src.events, events.Event{
			ID:    i,
			RunID: "run-1",
			Type:  events.EventTaskStarted,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := Follow(ctx, src, "run-1", 5*time.Millisecond)

	var got []int64
	for e := range ch {
		got = append(got, e.ID)
	}
	if len(got) != 5 {
		t.Fatalf("replayed %d events, want 5: %v", len(got), got)
	}
	for i, id := range got {
		if id != int64(i+1) {
			t.Errorf("event %d has id %d, want %d", i, id, i+1)
		}
	}
}

func TestFollowStopsOnCancel(t *testing.T) {
	src := &scriptedSource{status: scheduler.RunRunning}
	ctx, cancel := context.WithCancel(context.Background())
	ch := Follow(ctx, src, "run-1", time.Hour)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Error("follower did not stop after cancel")
	}
}

func TestApplyStrategySelection(t *testing.T) {
	proposed := []worlds.Strategy{
		{Name: "surgical-fix", Notes: "smallest change"},
		{Name: "root-cause-fix", Notes: "fix the cause"},
		{Name: "fix-plus-tests", Notes: "fix and test"},
	}

	chosen, err := applyStrategySelection(proposed, []string{"surgical-fix", "fix-plus-tests"}, "")
	if err != nil {
		t.Fatalf("applyStrategySelection: %v", err)
	}
	if len(chosen) != 2 || chosen[0].Name != "surgical-fix" || chosen[1].Name != "fix-plus-tests" {
		t.Errorf("chosen = %+v, want proposal order preserved", chosen)
	}

	chosen, err = applyStrategySelection(proposed, []string{"root-cause-fix"}, "bold-rewrite::start over")
	if err != nil {
		t.Fatalf("with custom: %v", err)
	}
	if len(chosen) != 2 {
		t.Fatalf("chosen = %+v, want 2", chosen)
	}
	if chosen[1].Name != "bold-rewrite" || chosen[1].Notes != "start over" {
		t.Errorf("custom strategy = %+v", chosen[1])
	}

	if _, err := applyStrategySelection(proposed, nil, "::notes only"); err == nil {
		t.Error("empty custom name should be rejected")
	}
}
