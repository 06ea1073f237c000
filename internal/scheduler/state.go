package scheduler

import (
	"time"

	"github.com/stray/manyworlds/internal/graph"
)

// TaskStatus is the scheduling state of one task within a run.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskBlocked TaskStatus = "blocked"
	TaskPaused  TaskStatus = "paused"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskStopped TaskStatus = "stopped"
)

// BlockedReason says why a task sits in blocked status.
type BlockedReason string

const (
	BlockedNone         BlockedReason = "none"
	BlockedOnDependency BlockedReason = "dependency"
	BlockedOnFailedDep  BlockedReason = "failed_dependency"
)

// RunStatus is the overall state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunPaused    RunStatus = "paused"
)

// TaskState tracks one task through a run. The scheduler loop is the
// only writer; everyone else sees copies.
type TaskState struct {
	Status         TaskStatus    `json:"status"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	LastError      string        `json:"last_error,omitempty"`
	LastExitCode   *int          `json:"last_exit_code,omitempty"`
	LastStartedAt  *time.Time    `json:"last_started_at,omitempty"`
	LastFinishedAt *time.Time    `json:"last_finished_at,omitempty"`
	BlockedBy      []string      `json:"blocked_by,omitempty"`
	BlockedReason  BlockedReason `json:"blocked_reason"`
}

// RunState is the durable record of one run.
type RunState struct {
	ID                string                `json:"run_id"`
	GraphID           string                `json:"graph_id"`
	Status            RunStatus             `json:"status"`
	MaxParallelAgents int                   `json:"max_parallel_agents"`
	RetryLimit        int                   `json:"retry_limit"`
	Error             string                `json:"error,omitempty"`
	StartedAt         time.Time             `json:"started_at"`
	FinishedAt        *time.Time            `json:"finished_at,omitempty"`
	Tasks             map[string]*TaskState `json:"tasks"`
}

// NewRunState seeds pending task states for every task in the graph.
// Effective max_attempts per task is the task budget capped by the
// run's retry limit, floored at one attempt.
func NewRunState(runID string, g *graph.Graph, maxParallel, retryLimit int) *RunState {
	run := &RunState{
		ID:                runID,
		GraphID:           g.ID,
		Status:            RunRunning,
		MaxParallelAgents: maxParallel,
		RetryLimit:        retryLimit,
		StartedAt:         time.Now().UTC(),
		Tasks:             make(map[string]*TaskState, len(g.Tasks)),
	}
	for _, task := range g.Tasks {
		maxAttempts := task.Budget.MaxAttempts
		if retryLimit+1 < maxAttempts {
			maxAttempts = retryLimit + 1
		}
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		run.Tasks[task.ID] = &TaskState{
			Status:        TaskPending,
			MaxAttempts:   maxAttempts,
			BlockedReason: BlockedNone,
		}
	}
	return run
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *RunState) Clone() *RunState {
	if r == nil {
		return nil
	}
	cp := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	cp.Tasks = make(map[string]*TaskState, len(r.Tasks))
	for id, st := range r.Tasks {
		cp.Tasks[id] = st.clone()
	}
	return &cp
}

func (t *TaskState) clone() *TaskState {
	cp := *t
	if t.LastExitCode != nil {
		v := *t.LastExitCode
		cp.LastExitCode = &v
	}
	if t.LastStartedAt != nil {
		v := *t.LastStartedAt
		cp.LastStartedAt = &v
	}
	if t.LastFinishedAt != nil {
		v := *t.LastFinishedAt
		cp.LastFinishedAt = &v
	}
	if t.BlockedBy != nil {
		cp.BlockedBy = append([]string(nil), t.BlockedBy...)
	}
	return &cp
}

// StatusCounts tallies task states by status, for reporting and for
// final-status resolution.
func (r *RunState) StatusCounts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, st := range r.Tasks {
		counts[st.Status]++
	}
	return counts
}
