package graph

import "encoding/json"

// DepKind classifies a dependency edge. Only hard_block edges gate
// scheduling; soft_block edges are advisory and carried through for
// reporting.
type DepKind string

const (
	DepHardBlock DepKind = "hard_block"
	DepSoftBlock DepKind = "soft_block"
)

// Budget bounds a single task: how many attempts it gets and how long
// one attempt may run.
type Budget struct {
	MaxAttempts int     `json:"max_attempts"`
	TimeoutSec  float64 `json:"timeout_sec"`
}

// Task is a unit of work in the graph. Payload is opaque to the
// scheduler and carried through to the executor untouched.
type Task struct {
	ID             string          `json:"task_id"`
	Title          string          `json:"title,omitempty"`
	Priority       int             `json:"priority"`
	Parallelizable bool            `json:"parallelizable"`
	Budget         Budget          `json:"budget"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Dependency is a directed edge: From must finish before To may start
// (for hard_block edges).
type Dependency struct {
	From string  `json:"from"`
	To   string  `json:"to"`
	Kind DepKind `json:"kind"`
}

// Hints carries orchestrator-level settings compiled into the graph.
// Run options override them; they override built-in defaults.
type Hints struct {
	MaxParallelAgents int      `json:"max_parallel_agents,omitempty"`
	RetryLimit        int      `json:"retry_limit,omitempty"`
	TargetBranch      string   `json:"target_branch,omitempty"`
	MergeStrategy     string   `json:"merge_strategy,omitempty"`
	QualityGates      []string `json:"quality_gates,omitempty"`
}

func cloneTask(task Task) Task {
	cp := task
	if task.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), task.Payload...)
	}
	return cp
}
