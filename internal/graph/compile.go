package graph

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Plan is the operator-facing document that CompilePlan turns into an
// executable graph. Priorities and sizes are words, relations point at
// sibling tasks by ID.
type Plan struct {
	ID           string            `json:"plan_id,omitempty"`
	Tasks        []PlanTask        `json:"tasks"`
	Orchestrator *PlanOrchestrator `json:"orchestrator,omitempty"`
}

// PlanTask is one entry of a plan.
type PlanTask struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Size      string          `json:"size,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Relations []Relation      `json:"relations,omitempty"`
}

// Relation links a plan task to another one. depends_on and blocks
// compile to hard_block edges, informs to a soft_block edge.
type Relation struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
}

// PlanOrchestrator mirrors Hints with optional fields, so a plan can
// leave settings unset without clobbering the compiled defaults.
type PlanOrchestrator struct {
	MaxParallelAgents *int     `json:"max_parallel_agents,omitempty"`
	RetryLimit        *int     `json:"retry_limit,omitempty"`
	TargetBranch      string   `json:"target_branch,omitempty"`
	MergeStrategy     string   `json:"merge_strategy,omitempty"`
	QualityGates      []string `json:"quality_gates,omitempty"`
}

// priorityLevels maps plan priority words to scheduling priority.
// Higher runs first.
var priorityLevels = map[string]int{
	"critical": 5,
	"high":     4,
	"medium":   3,
	"low":      2,
}

// sizeBudgets maps plan size classes to attempt and timeout budgets.
var sizeBudgets = map[string]Budget{
	"XS": {MaxAttempts: 2, TimeoutSec: 900},
	"S":  {MaxAttempts: 2, TimeoutSec: 1200},
	"M":  {MaxAttempts: 3, TimeoutSec: 1800},
	"L":  {MaxAttempts: 3, TimeoutSec: 2400},
	"XL": {MaxAttempts: 4, TimeoutSec: 3000},
}

const (
	defaultPriority = "medium"
	defaultSize     = "M"

	DefaultMaxParallelAgents = 4
	DefaultRetryLimit        = 2
	DefaultTargetBranch      = "main"
	DefaultMergeStrategy     = "squash"
)

// CompilePlan validates a plan document and compiles it into a graph:
// priority words become integers, size classes become budgets,
// relations become dependency edges, and a task is parallelizable
// exactly when nothing hard-blocks it. The graph gets a fresh ID and
// records the SHA-256 of the plan bytes for provenance.
func CompilePlan(data []byte) (*Graph, error) {
	_, schema, err := compiledSchemas()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("plan document rejected: %w", err)
	}

	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}

	sum := sha256.Sum256(data)
	g := &Graph{
		ID:           uuid.NewString(),
		PlanSHA256:   hex.EncodeToString(sum[:]),
		Orchestrator: compileHints(plan.Orchestrator),
	}

	for _, pt := range plan.Tasks {
		priority, ok := priorityLevels[pt.Priority]
		if !ok {
			priority = priorityLevels[defaultPriority]
		}
		budget, ok := sizeBudgets[pt.Size]
		if !ok {
			budget = sizeBudgets[defaultSize]
		}
		g.Tasks = append(g.Tasks, Task{
			ID:       pt.ID,
			Title:    pt.Title,
			Priority: priority,
			Budget:   budget,
			Payload:  append(json.RawMessage(nil), pt.Payload...),
		})
	}

	for _, pt := range plan.Tasks {
		for _, rel := range pt.Relations {
			var dep Dependency
			switch rel.Kind {
			case "depends_on":
				dep = Dependency{From: rel.Target, To: pt.ID, Kind: DepHardBlock}
			case "blocks":
				dep = Dependency{From: pt.ID, To: rel.Target, Kind: DepHardBlock}
			case "informs":
				dep = Dependency{From: pt.ID, To: rel.Target, Kind: DepSoftBlock}
			default:
				return nil, fmt.Errorf("task %q has unknown relation kind %q", pt.ID, rel.Kind)
			}
			g.Dependencies = append(g.Dependencies, dep)
		}
	}
	g.Dependencies = sortedUniqueDeps(g.Dependencies)

	// A task can run alongside others only when nothing hard-blocks it.
	blocked := make(map[string]bool)
	for _, dep := range g.Dependencies {
		if dep.Kind == DepHardBlock {
			blocked[dep.To] = true
		}
	}
	for i := range g.Tasks {
		g.Tasks[i].Parallelizable = !blocked[g.Tasks[i].ID]
	}

	if _, err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func compileHints(po *PlanOrchestrator) Hints {
	hints := Hints{
		MaxParallelAgents: DefaultMaxParallelAgents,
		RetryLimit:        DefaultRetryLimit,
		TargetBranch:      DefaultTargetBranch,
		MergeStrategy:     DefaultMergeStrategy,
	}
	if po == nil {
		return hints
	}
	if po.MaxParallelAgents != nil {
		hints.MaxParallelAgents = *po.MaxParallelAgents
	}
	if po.RetryLimit != nil {
		hints.RetryLimit = *po.RetryLimit
	}
	if po.TargetBranch != "" {
		hints.TargetBranch = po.TargetBranch
	}
	if po.MergeStrategy != "" {
		hints.MergeStrategy = po.MergeStrategy
	}
	if po.QualityGates != nil {
		hints.QualityGates = append([]string(nil), po.QualityGates...)
	}
	return hints
}

func sortedUniqueDeps(deps []Dependency) []Dependency {
	seen := make(map[Dependency]bool, len(deps))
	out := make([]Dependency, 0, len(deps))
	for _, dep := range deps {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
