package graph

import (
	"testing"
)

func TestCompilePlanBasics(t *testing.T) {
	plan := `{
		"tasks": [
			{"id": "api", "title": "Build API", "priority": "critical", "size": "L"},
			{"id": "db", "priority": "high", "size": "S"},
			{"id": "docs", "priority": "low", "size": "XS",
			 "relations": [{"kind": "depends_on", "target": "api"}]}
		]
	}`

	g, err := CompilePlan([]byte(plan))
	if err != nil {
		t.Fatalf("CompilePlan() error = %v", err)
	}

	if g.ID == "" {
		t.Error("compiled graph has no ID")
	}
	if len(g.PlanSHA256) != 64 {
		t.Errorf("plan SHA-256 = %q, want 64 hex chars", g.PlanSHA256)
	}

	tests := []struct {
		id       string
		priority int
		budget   Budget
	}{
		{"api", 5, Budget{MaxAttempts: 3, TimeoutSec: 2400}},
		{"db", 4, Budget{MaxAttempts: 2, TimeoutSec: 1200}},
		{"docs", 2, Budget{MaxAttempts: 2, TimeoutSec: 900}},
	}
	for _, tt := range tests {
		task, ok := g.TaskByID(tt.id)
		if !ok {
			t.Fatalf("task %q missing from compiled graph", tt.id)
		}
		if task.Priority != tt.priority {
			t.Errorf("task %s priority = %d, want %d", tt.id, task.Priority, tt.priority)
		}
		if task.Budget != tt.budget {
			t.Errorf("task %s budget = %+v, want %+v", tt.id, task.Budget, tt.budget)
		}
	}

	// Orchestrator defaults when the plan stays silent.
	if g.Orchestrator.MaxParallelAgents != DefaultMaxParallelAgents {
		t.Errorf("max_parallel_agents = %d, want %d", g.Orchestrator.MaxParallelAgents, DefaultMaxParallelAgents)
	}
	if g.Orchestrator.RetryLimit != DefaultRetryLimit {
		t.Errorf("retry_limit = %d, want %d", g.Orchestrator.RetryLimit, DefaultRetryLimit)
	}
	if g.Orchestrator.MergeStrategy != DefaultMergeStrategy {
		t.Errorf("merge_strategy = %q, want %q", g.Orchestrator.MergeStrategy, DefaultMergeStrategy)
	}
}

func TestCompilePlanUnknownWordsFallBack(t *testing.T) {
	plan := `{"tasks": [{"id": "t", "priority": "urgent-ish", "size": "XXXL"}]}`

	g, err := CompilePlan([]byte(plan))
	if err != nil {
		t.Fatalf("CompilePlan() error = %v", err)
	}

	task, _ := g.TaskByID("t")
	if task.Priority != 3 {
		t.Errorf("unknown priority word compiled to %d, want medium (3)", task.Priority)
	}
	if task.Budget.MaxAttempts != 3 || task.Budget.TimeoutSec != 1800 {
		t.Errorf("unknown size compiled to %+v, want medium budget", task.Budget)
	}
}

func TestCompilePlanRelations(t *testing.T) {
	plan := `{
		"tasks": [
			{"id": "a", "relations": [
				{"kind": "blocks", "target": "b"},
				{"kind": "informs", "target": "c"}
			]},
			{"id": "b", "relations": [{"kind": "depends_on", "target": "a"}]},
			{"id": "c"}
		]
	}`

	g, err := CompilePlan([]byte(plan))
	if err != nil {
		t.Fatalf("CompilePlan() error = %v", err)
	}

	// "a blocks b" and "b depends_on a" compile to the same hard edge
	// and collapse into one row.
	want := []Dependency{
		{From: "a", To: "b", Kind: DepHardBlock},
		{From: "a", To: "c", Kind: DepSoftBlock},
	}
	if len(g.Dependencies) != len(want) {
		t.Fatalf("got %d dependencies, want %d: %v", len(g.Dependencies), len(want), g.Dependencies)
	}
	for i, dep := range want {
		if g.Dependencies[i] != dep {
			t.Errorf("dependencies[%d] = %+v, want %+v", i, g.Dependencies[i], dep)
		}
	}

	// b has an incoming hard edge, a and c do not.
	for _, tt := range []struct {
		id   string
		want bool
	}{{"a", true}, {"b", false}, {"c", true}} {
		task, _ := g.TaskByID(tt.id)
		if task.Parallelizable != tt.want {
			t.Errorf("task %s parallelizable = %v, want %v", tt.id, task.Parallelizable, tt.want)
		}
	}
}

func TestCompilePlanOrchestratorOverrides(t *testing.T) {
	plan := `{
		"tasks": [{"id": "t"}],
		"orchestrator": {
			"max_parallel_agents": 8,
			"retry_limit": 0,
			"target_branch": "develop",
			"quality_gates": ["go test ./..."]
		}
	}`

	g, err := CompilePlan([]byte(plan))
	if err != nil {
		t.Fatalf("CompilePlan() error = %v", err)
	}

	if g.Orchestrator.MaxParallelAgents != 8 {
		t.Errorf("max_parallel_agents = %d, want 8", g.Orchestrator.MaxParallelAgents)
	}
	// Explicit zero must survive, not collapse to the default.
	if g.Orchestrator.RetryLimit != 0 {
		t.Errorf("retry_limit = %d, want 0", g.Orchestrator.RetryLimit)
	}
	if g.Orchestrator.TargetBranch != "develop" {
		t.Errorf("target_branch = %q, want %q", g.Orchestrator.TargetBranch, "develop")
	}
	if len(g.Orchestrator.QualityGates) != 1 {
		t.Errorf("quality_gates = %v", g.Orchestrator.QualityGates)
	}
}

func TestCompilePlanRejectsBadPlans(t *testing.T) {
	tests := []struct {
		name string
		plan string
	}{
		{"no tasks", `{"tasks": []}`},
		{"missing id", `{"tasks": [{"title": "x"}]}`},
		{"bad relation kind", `{"tasks": [{"id": "a", "relations": [{"kind": "requires", "target": "b"}]}]}`},
		{"relation to unknown task", `{"tasks": [{"id": "a", "relations": [{"kind": "depends_on", "target": "ghost"}]}]}`},
		{"dependency cycle", `{"tasks": [
			{"id": "a", "relations": [{"kind": "depends_on", "target": "b"}]},
			{"id": "b", "relations": [{"kind": "depends_on", "target": "a"}]}
		]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompilePlan([]byte(tt.plan)); err == nil {
				t.Error("CompilePlan() error = nil, want error")
			}
		})
	}
}

func TestCompilePlanDeterministicSHA(t *testing.T) {
	plan := []byte(`{"tasks": [{"id": "t"}]}`)

	g1, err := CompilePlan(plan)
	if err != nil {
		t.Fatalf("CompilePlan() error = %v", err)
	}
	g2, err := CompilePlan(plan)
	if err != nil {
		t.Fatalf("CompilePlan() error = %v", err)
	}

	if g1.PlanSHA256 != g2.PlanSHA256 {
		t.Errorf("same plan bytes produced different SHAs: %s vs %s", g1.PlanSHA256, g2.PlanSHA256)
	}
	if g1.ID == g2.ID {
		t.Error("each compile should mint a fresh graph ID")
	}
}
