package worlds

import (
	"testing"

	"github.com/stray/manyworlds/internal/executor"
)

func intp(v int) *int { return &v }

func TestScoreWorldTiers(t *testing.T) {
	attempts := []executor.AttemptRecord{{Phase: executor.PhaseAgent, ExitCode: intp(0), DurationSec: 5}}
	tests := []struct {
		status WorldStatus
		tier   int
	}{
		{WorldPass, 0},
		{WorldFail, 1},
		{WorldError, 2},
		{WorldSkipped, 3},
		{WorldReady, 3},
	}
	for _, tt := range tests {
		got := ScoreWorld(World{Status: tt.status}, attempts)
		if got.Tier != tt.tier {
			t.Errorf("status %s: tier = %d, want %d", tt.status, got.Tier, tt.tier)
		}
	}
}

func TestScoreWorldNeverRan(t *testing.T) {
	got := ScoreWorld(World{Status: WorldReady}, nil)
	if got.Tier != 3 || got.Errors != 1 || got.Duration != neverRan || got.Churn != neverRan {
		t.Errorf("unexpected score for never-ran world: %+v", got)
	}
}

func TestScoreWorldAggregation(t *testing.T) {
	attempts := []executor.AttemptRecord{
		{Phase: executor.PhaseAgent, Attempt: 1, DurationSec: 10, Error: "agent exited with code 1"},
		{Phase: executor.PhaseAgent, Attempt: 2, DurationSec: 8, Diff: executor.DiffStat{LinesAdded: 30, LinesDeleted: 5}},
		{Phase: executor.PhaseVerify, Attempt: 2, DurationSec: 2},
	}
	got := ScoreWorld(World{Status: WorldPass}, attempts)
	if got.Errors != 1 {
		t.Errorf("errors = %d, want 1", got.Errors)
	}
	if got.Duration != 20 {
		t.Errorf("duration = %v, want 20", got.Duration)
	}
	// Churn comes from the last agent attempt.
	if got.Churn != 35 {
		t.Errorf("churn = %d, want 35", got.Churn)
	}
}

func TestRankOrdersBestFirst(t *testing.T) {
	worlds := []World{
		{ID: "w1", Index: 1, Status: WorldFail},
		{ID: "w2", Index: 2, Status: WorldPass},
		{ID: "w3", Index: 3, Status: WorldPass},
		{ID: "w4", Index: 4, Status: WorldError},
	}
	attempts := map[string][]executor.AttemptRecord{
		"w1": {{Phase: executor.PhaseAgent, DurationSec: 5}},
		"w2": {{Phase: executor.PhaseAgent, DurationSec: 9, Diff: executor.DiffStat{LinesAdded: 100}}},
		"w3": {{Phase: executor.PhaseAgent, DurationSec: 3, Diff: executor.DiffStat{LinesAdded: 10}}},
		"w4": {{Phase: executor.PhaseAgent, DurationSec: 1, Error: "spawn failed"}},
	}
	ranked := Rank(worlds, attempts)

	var order []string
	for _, rw := range ranked {
		order = append(order, rw.World.ID)
	}
	want := []string{"w3", "w2", "w1", "w4"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rank order = %v, want %v", order, want)
		}
	}
}

func TestRankBreaksTiesByIndex(t *testing.T) {
	worlds := []World{
		{ID: "w2", Index: 2, Status: WorldSkipped},
		{ID: "w1", Index: 1, Status: WorldSkipped},
	}
	ranked := Rank(worlds, nil)
	if ranked[0].World.ID != "w1" || ranked[1].World.ID != "w2" {
		t.Errorf("expected index order on full tie, got %s then %s", ranked[0].World.ID, ranked[1].World.ID)
	}
}

func TestGroupAttempts(t *testing.T) {
	grouped := GroupAttempts([]executor.AttemptRecord{
		{TaskID: "w1", Phase: executor.PhaseAgent},
		{TaskID: "w2", Phase: executor.PhaseAgent},
		{TaskID: "w1", Phase: executor.PhaseVerify},
	})
	if len(grouped["w1"]) != 2 || len(grouped["w2"]) != 1 {
		t.Errorf("unexpected grouping: %+v", grouped)
	}
}
