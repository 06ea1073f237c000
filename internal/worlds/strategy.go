package worlds

import (
	"fmt"
	"strings"
)

// Strategy is one approach a world will take at the intent.
type Strategy struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

// DefaultWorldCount is how many worlds a kickoff provisions when the
// operator does not say otherwise.
const DefaultWorldCount = 3

// ParseStrategyArg parses the CLI form "name::notes" (notes optional).
func ParseStrategyArg(raw string) (Strategy, error) {
	name, notes, _ := strings.Cut(raw, "::")
	name = strings.TrimSpace(name)
	notes = strings.TrimSpace(notes)
	if name == "" {
		return Strategy{}, fmt.Errorf("strategy name cannot be empty")
	}
	return Strategy{Name: name, Notes: notes}, nil
}

// InferStrategies picks strategy templates from keywords in the
// intent. The sets lean toward contrast: each template should produce
// a recognizably different diff for the same intent.
func InferStrategies(intent string) []Strategy {
	lower := strings.ToLower(intent)

	if containsAny(lower, "latency", "performance", "slow", "throughput") {
		return []Strategy{
			{Name: "quick-win-perf", Notes: "Low-risk performance optimization with minimal surface area changes."},
			{Name: "algorithmic-perf", Notes: "Improve algorithmic efficiency and hot paths with measurable speedup."},
			{Name: "cache-and-guard", Notes: "Introduce caching and protective limits; verify correctness under load."},
			{Name: "observability-first", Notes: "Add instrumentation first, then optimize bottlenecks based on traces."},
		}
	}

	if containsAny(lower, "bug", "fix", "failing", "error", "regression") {
		return []Strategy{
			{Name: "surgical-fix", Notes: "Smallest code change to resolve the failing behavior safely."},
			{Name: "root-cause-fix", Notes: "Resolve root cause and add guard conditions to prevent recurrence."},
			{Name: "defensive-hardening", Notes: "Add validation/error handling around failure boundaries."},
			{Name: "fix-plus-tests", Notes: "Address bug and strengthen tests for adjacent edge cases."},
		}
	}

	if containsAny(lower, "refactor", "cleanup", "module", "separate") {
		return []Strategy{
			{Name: "thin-refactor", Notes: "Extract minimal module boundaries while preserving current behavior."},
			{Name: "layered-refactor", Notes: "Reorganize into clearer layers and dependency direction."},
			{Name: "interface-first", Notes: "Define stable interfaces then move implementation behind them."},
			{Name: "incremental-migration", Notes: "Add new module path and migrate usage gradually in small steps."},
		}
	}

	return []Strategy{
		{Name: "conservative-path", Notes: "Low-risk implementation with minimal changes and fast validation."},
		{Name: "balanced-path", Notes: "Moderate refactor for maintainability while satisfying intent."},
		{Name: "ambitious-path", Notes: "Higher-upside design exploring broader simplification or performance gains."},
		{Name: "test-driven-path", Notes: "Implementation guided by expanded tests and explicit behavior contracts."},
	}
}

// ChooseStrategies settles the strategy list for a kickoff: explicit
// strategies win, otherwise templates inferred from the intent. Short
// lists get padded with numbered template variants, long lists get
// truncated to count.
func ChooseStrategies(intent string, count int, explicit []Strategy) ([]Strategy, error) {
	if count <= 0 {
		count = DefaultWorldCount
	}

	chosen := make([]Strategy, 0, count)
	for _, s := range explicit {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("strategy name cannot be empty")
		}
		chosen = append(chosen, s)
	}
	if len(chosen) == 0 {
		chosen = InferStrategies(intent)
	}

	if len(chosen) < count {
		templates := InferStrategies(intent)
		for i := 0; len(chosen) < count; i++ {
			base := templates[i%len(templates)]
			chosen = append(chosen, Strategy{
				Name:  fmt.Sprintf("%s-%d", base.Name, len(chosen)+1),
				Notes: base.Notes,
			})
		}
	}
	return chosen[:count], nil
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
