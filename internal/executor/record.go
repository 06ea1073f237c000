package executor

import (
	"context"
	"time"
)

// DiffStat summarizes the delta of a world branch against its base.
type DiffStat struct {
	FilesChanged int `json:"files_changed"`
	LinesAdded   int `json:"lines_added"`
	LinesDeleted int `json:"lines_deleted"`
}

// AttemptRecord is the durable trace of one phase of one attempt:
// what ran, how it exited, where the log went, and what the worktree
// looked like afterwards. One row per (run, task, attempt, phase).
type AttemptRecord struct {
	RunID       string    `json:"run_id"`
	TaskID      string    `json:"task_id"`
	Attempt     int       `json:"attempt"`
	Phase       string    `json:"phase"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	DurationSec float64   `json:"duration_sec"`
	LogPath     string    `json:"log_path,omitempty"`
	Error       string    `json:"error,omitempty"`
	TimedOut    bool      `json:"timed_out"`
	Cancelled   bool      `json:"cancelled"`
	Diff        DiffStat  `json:"diff"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResultStore persists attempt records. Recording is best-effort from
// the executor's point of view: a failed save is logged, not fatal to
// the attempt.
type ResultStore interface {
	SaveAttempt(ctx context.Context, rec *AttemptRecord) error
}
