package graph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validGraphDoc = `{
	"graph_id": "demo",
	"tasks": [
		{"task_id": "A", "priority": 5, "parallelizable": true,
		 "budget": {"max_attempts": 2, "timeout_sec": 600},
		 "payload": {"prompt": "do A"}},
		{"task_id": "B", "priority": 3}
	],
	"dependencies": [
		{"from": "A", "to": "B", "kind": "hard_block"}
	],
	"orchestrator": {"max_parallel_agents": 2, "retry_limit": 1}
}`

func TestParseValidDocument(t *testing.T) {
	g, err := Parse([]byte(validGraphDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if g.ID != "demo" {
		t.Errorf("graph ID = %q, want %q", g.ID, "demo")
	}
	if len(g.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(g.Tasks))
	}

	a, _ := g.TaskByID("A")
	if a.Budget.MaxAttempts != 2 || a.Budget.TimeoutSec != 600 {
		t.Errorf("task A budget = %+v, want {2 600}", a.Budget)
	}
	if string(a.Payload) == "" || !strings.Contains(string(a.Payload), "do A") {
		t.Errorf("task A payload not preserved: %s", a.Payload)
	}

	// B carries no budget in the document and gets the medium defaults.
	b, _ := g.TaskByID("B")
	if b.Budget.MaxAttempts != 3 || b.Budget.TimeoutSec != 1800 {
		t.Errorf("task B budget = %+v, want medium defaults {3 1800}", b.Budget)
	}

	if g.Orchestrator.MaxParallelAgents != 2 || g.Orchestrator.RetryLimit != 1 {
		t.Errorf("orchestrator hints = %+v", g.Orchestrator)
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name        string
		doc         string
		errContains string
	}{
		{
			name:        "not json",
			doc:         "{not json",
			errContains: "invalid graph JSON",
		},
		{
			name:        "missing graph_id",
			doc:         `{"tasks": [{"task_id": "A"}]}`,
			errContains: "rejected",
		},
		{
			name:        "empty tasks array",
			doc:         `{"graph_id": "g", "tasks": []}`,
			errContains: "rejected",
		},
		{
			name:        "task without task_id",
			doc:         `{"graph_id": "g", "tasks": [{"priority": 1}]}`,
			errContains: "rejected",
		},
		{
			name: "bad dependency kind",
			doc: `{"graph_id": "g", "tasks": [{"task_id": "A"}, {"task_id": "B"}],
				"dependencies": [{"from": "A", "to": "B", "kind": "sometimes"}]}`,
			errContains: "rejected",
		},
		{
			name: "zero max_attempts",
			doc: `{"graph_id": "g",
				"tasks": [{"task_id": "A", "budget": {"max_attempts": 0}}]}`,
			errContains: "rejected",
		},
		{
			name: "cycle caught after decode",
			doc: `{"graph_id": "g", "tasks": [{"task_id": "A"}, {"task_id": "B"}],
				"dependencies": [
					{"from": "A", "to": "B", "kind": "hard_block"},
					{"from": "B", "to": "A", "kind": "hard_block"}
				]}`,
			errContains: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("Parse() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Error %q doesn't contain %q", err.Error(), tt.errContains)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")
	if err := os.WriteFile(path, []byte(validGraphDoc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	g, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if g.ID != "demo" {
		t.Errorf("graph ID = %q, want %q", g.ID, "demo")
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Load() on missing file error = nil, want error")
	}

	badPath := filepath.Join(dir, "bad.json")
	os.WriteFile(badPath, []byte(`{"tasks": []}`), 0o644)
	if _, err := Load(badPath); err == nil || !strings.Contains(err.Error(), badPath) {
		t.Errorf("Load() on bad file should mention the path, got %v", err)
	}
}
