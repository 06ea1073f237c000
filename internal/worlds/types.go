// Package worlds implements the branchpoint pipeline: forking one
// intent into several candidate implementations ("worlds"), each on
// its own branch and git worktree, running them as a single-wave task
// graph, and ranking the outcomes.
package worlds

import (
	"context"
	"time"

	"github.com/stray/manyworlds/internal/executor"
)

// WorldStatus is the lifecycle state of one world.
type WorldStatus string

const (
	WorldReady   WorldStatus = "ready"
	WorldRunning WorldStatus = "running"
	WorldPass    WorldStatus = "pass"
	WorldFail    WorldStatus = "fail"
	WorldError   WorldStatus = "error"
	WorldSkipped WorldStatus = "skipped"
)

// Branchpoint is a fork of one intent into several worlds. BaseCommit
// pins the commit every world starts from, so a moving start ref does
// not skew the comparison.
type Branchpoint struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Intent      string    `json:"intent"`
	BaseBranch  string    `json:"base_branch"`
	BaseCommit  string    `json:"base_commit"`
	ParentWorld string    `json:"parent_world,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// World is one candidate implementation: a strategy bound to a branch
// and a worktree.
type World struct {
	ID            string      `json:"id"`
	BranchpointID string      `json:"branchpoint_id"`
	Index         int         `json:"index"`
	Name          string      `json:"name"`
	Slug          string      `json:"slug"`
	Notes         string      `json:"notes,omitempty"`
	Branch        string      `json:"branch"`
	Worktree      string      `json:"worktree"`
	Status        WorldStatus `json:"status"`
	Selected      bool        `json:"selected,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Matches reports whether the token identifies this world by id, slug,
// name, or branch.
func (w World) Matches(token string) bool {
	return token != "" && (token == w.ID || token == w.Slug || token == w.Name || token == w.Branch)
}

// Store is the persistence surface the pipeline needs. Lookup methods
// return (nil, nil) when the record does not exist.
type Store interface {
	SaveBranchpoint(ctx context.Context, bp *Branchpoint) error
	Branchpoint(ctx context.Context, id string) (*Branchpoint, error)
	LatestBranchpoint(ctx context.Context) (*Branchpoint, error)
	ListBranchpoints(ctx context.Context) ([]Branchpoint, error)

	SaveWorld(ctx context.Context, w *World) error
	World(ctx context.Context, id string) (*World, error)
	WorldsForBranchpoint(ctx context.Context, branchpointID string) ([]World, error)

	AttemptsForRun(ctx context.Context, runID string) ([]executor.AttemptRecord, error)
}
