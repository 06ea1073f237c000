package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/stray/manyworlds/internal/graph"
)

// ResultStatus is the outcome an executor reports for one attempt.
type ResultStatus string

const (
	ResultDone    ResultStatus = "done"
	ResultFailed  ResultStatus = "failed"
	ResultStopped ResultStatus = "stopped"
	ResultPaused  ResultStatus = "paused"
	// ResultTimeout maps to failed at the task level but stays
	// distinguishable in results and events.
	ResultTimeout ResultStatus = "timeout"
)

// TaskResult is what an executor returns for one attempt.
type TaskResult struct {
	Status     ResultStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	TimedOut   bool         `json:"timed_out,omitempty"`
}

// ExecContext identifies the attempt being executed.
type ExecContext struct {
	RunID       string `json:"run_id"`
	GraphID     string `json:"graph_id"`
	TaskID      string `json:"task_id"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// TaskExecutor runs one attempt of a task. Implementations should
// normalize their own failures into the result; anything that escapes
// (including a panic) is converted to a failed result at the call
// boundary so the loop never crashes on task logic.
type TaskExecutor interface {
	Execute(ctx context.Context, task graph.Task, ec ExecContext) TaskResult
}

// ExecutorFunc adapts a plain function to the TaskExecutor interface.
type ExecutorFunc func(ctx context.Context, task graph.Task, ec ExecContext) TaskResult

func (f ExecutorFunc) Execute(ctx context.Context, task graph.Task, ec ExecContext) TaskResult {
	return f(ctx, task, ec)
}

// normalizeResult rejects statuses the loop does not understand at the
// boundary. Timeouts become failures but keep their tag; an unknown or
// empty status becomes a failure that names the offending value.
func normalizeResult(res TaskResult) TaskResult {
	switch res.Status {
	case ResultDone, ResultFailed, ResultStopped, ResultPaused:
		return res
	case ResultTimeout:
		res.Status = ResultFailed
		res.TimedOut = true
		if res.Error == "" {
			res.Error = "attempt timed out"
		}
		return res
	default:
		err := fmt.Sprintf("executor returned unknown status %q", res.Status)
		if res.Error != "" {
			err = fmt.Sprintf("%s: %s", err, res.Error)
		}
		res.Status = ResultFailed
		res.Error = err
		return res
	}
}

// safeExecute guards the executor boundary against panics.
func safeExecute(ctx context.Context, executor TaskExecutor, task graph.Task, ec ExecContext) (res TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			res = TaskResult{
				Status: ResultFailed,
				Error:  fmt.Sprintf("executor error: %v", r),
			}
		}
	}()
	return normalizeResult(executor.Execute(ctx, task, ec))
}
