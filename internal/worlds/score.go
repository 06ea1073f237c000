package worlds

import (
	"sort"

	"github.com/stray/manyworlds/internal/executor"
)

// neverRan pushes worlds without any recorded attempt to the bottom of
// the ranking.
const neverRan = 999999

// Score orders worlds best-first: outcome tier, then error count, then
// total duration, then diff churn. Smaller is better on every axis.
type Score struct {
	Tier     int
	Errors   int
	Duration float64
	Churn    int
}

// Less compares scores lexicographically.
func (s Score) Less(o Score) bool {
	if s.Tier != o.Tier {
		return s.Tier < o.Tier
	}
	if s.Errors != o.Errors {
		return s.Errors < o.Errors
	}
	if s.Duration != o.Duration {
		return s.Duration < o.Duration
	}
	return s.Churn < o.Churn
}

// ScoreWorld scores one world from its status and its recorded phase
// attempts. Ties between equally successful worlds break toward the
// faster and smaller change.
func ScoreWorld(w World, attempts []executor.AttemptRecord) Score {
	score := Score{Tier: outcomeTier(w.Status)}
	if len(attempts) == 0 {
		score.Errors = 1
		score.Duration = neverRan
		score.Churn = neverRan
		return score
	}
	for _, a := range attempts {
		score.Duration += a.DurationSec
		if a.Error != "" {
			score.Errors++
		}
		if a.Phase == executor.PhaseAgent {
			score.Churn = a.Diff.LinesAdded + a.Diff.LinesDeleted
		}
	}
	return score
}

func outcomeTier(status WorldStatus) int {
	switch status {
	case WorldPass:
		return 0
	case WorldFail:
		return 1
	case WorldError:
		return 2
	default:
		return 3
	}
}

// RankedWorld pairs a world with its score and attempts for reporting.
type RankedWorld struct {
	World    World
	Score    Score
	Attempts []executor.AttemptRecord
}

// Rank scores and sorts worlds best-first. attemptsByWorld maps world
// id to that world's recorded attempts; index order breaks full ties
// so the ranking is deterministic.
func Rank(worlds []World, attemptsByWorld map[string][]executor.AttemptRecord) []RankedWorld {
	ranked := make([]RankedWorld, 0, len(worlds))
	for _, w := range worlds {
		attempts := attemptsByWorld[w.ID]
		ranked = append(ranked, RankedWorld{
			World:    w,
			Score:    ScoreWorld(w, attempts),
			Attempts: attempts,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score.Less(ranked[j].Score)
		}
		return ranked[i].World.Index < ranked[j].World.Index
	})
	return ranked
}

// GroupAttempts splits a run's attempt records by task (world) id.
func GroupAttempts(attempts []executor.AttemptRecord) map[string][]executor.AttemptRecord {
	out := make(map[string][]executor.AttemptRecord)
	for _, a := range attempts {
		out[a.TaskID] = append(out[a.TaskID], a)
	}
	return out
}
