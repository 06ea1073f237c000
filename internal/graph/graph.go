package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is a directed acyclic graph of tasks. Decode one from JSON via
// Parse or Load, or build one with CompilePlan; all three validate the
// result, so a Graph handed to the scheduler is structurally sound.
type Graph struct {
	ID           string       `json:"graph_id"`
	PlanSHA256   string       `json:"plan_sha256,omitempty"`
	Tasks        []Task       `json:"tasks"`
	Dependencies []Dependency `json:"dependencies"`
	Orchestrator Hints        `json:"orchestrator"`

	hardPreds map[string][]string
}

// Validate checks structural soundness and returns the topological
// order of the hard_block subgraph. It must be called before the
// resolver helpers are used; Parse, Load and CompilePlan call it.
//
// Checks: at least one task, unique task IDs, every dependency endpoint
// refers to a known task, no self-loops, no hard_block cycles.
// Duplicate dependency rows are removed as a side effect.
func (g *Graph) Validate() ([]string, error) {
	if len(g.Tasks) == 0 {
		return nil, fmt.Errorf("graph %q has no tasks", g.ID)
	}

	ids := make(map[string]bool, len(g.Tasks))
	for _, task := range g.Tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("graph %q contains a task with an empty task_id", g.ID)
		}
		if ids[task.ID] {
			return nil, fmt.Errorf("duplicate task_id %q", task.ID)
		}
		ids[task.ID] = true
	}

	deduped := make([]Dependency, 0, len(g.Dependencies))
	seen := make(map[Dependency]bool, len(g.Dependencies))
	for _, dep := range g.Dependencies {
		if !ids[dep.From] {
			return nil, fmt.Errorf("dependency references unknown task %q", dep.From)
		}
		if !ids[dep.To] {
			return nil, fmt.Errorf("dependency references unknown task %q", dep.To)
		}
		if dep.From == dep.To {
			return nil, fmt.Errorf("task %q depends on itself", dep.From)
		}
		if dep.Kind != DepHardBlock && dep.Kind != DepSoftBlock {
			return nil, fmt.Errorf("dependency %s -> %s has unknown kind %q", dep.From, dep.To, dep.Kind)
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deduped = append(deduped, dep)
	}
	g.Dependencies = deduped

	g.hardPreds = make(map[string][]string, len(g.Tasks))
	for _, dep := range deduped {
		if dep.Kind != DepHardBlock {
			continue
		}
		g.hardPreds[dep.To] = append(g.hardPreds[dep.To], dep.From)
	}
	for id := range g.hardPreds {
		sort.Strings(g.hardPreds[id])
	}

	// Build edges for topological sort. Tasks without hard predecessors
	// get an edge from nil so they appear in the result.
	var edges []toposort.Edge
	for _, task := range g.Tasks {
		preds := g.hardPreds[task.ID]
		if len(preds) == 0 {
			edges = append(edges, toposort.Edge{nil, task.ID})
			continue
		}
		for _, pred := range preds {
			edges = append(edges, toposort.Edge{pred, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph %q contains a cycle: %w", g.ID, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.Tasks) {
		missing := []string{}
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for _, task := range g.Tasks {
			if !found[task.ID] {
				missing = append(missing, task.ID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// HardDependenciesOf returns the deduplicated hard_block predecessor
// IDs of a task, sorted. Soft dependencies never appear.
func (g *Graph) HardDependenciesOf(taskID string) []string {
	if g.hardPreds != nil {
		return append([]string(nil), g.hardPreds[taskID]...)
	}

	// Unvalidated graph: compute directly, skipping self-loops.
	set := make(map[string]bool)
	for _, dep := range g.Dependencies {
		if dep.Kind == DepHardBlock && dep.To == taskID && dep.From != dep.To {
			set[dep.From] = true
		}
	}
	preds := make([]string, 0, len(set))
	for id := range set {
		preds = append(preds, id)
	}
	sort.Strings(preds)
	return preds
}

// TaskByID returns a copy of the task with the given ID.
func (g *Graph) TaskByID(taskID string) (Task, bool) {
	for _, task := range g.Tasks {
		if task.ID == taskID {
			return cloneTask(task), true
		}
	}
	return Task{}, false
}

// TaskList returns copies of all tasks, sorted by ID for stable output.
func (g *Graph) TaskList() []Task {
	tasks := make([]Task, 0, len(g.Tasks))
	for _, task := range g.Tasks {
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}
