package executor

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/stray/manyworlds/internal/graph"
	"github.com/stray/manyworlds/internal/runtime"
	"github.com/stray/manyworlds/internal/scheduler"
)

const (
	// PhaseAgent runs the coding agent against the world worktree.
	PhaseAgent = "agent"
	// PhaseVerify runs the repo's check command after the agent.
	PhaseVerify = "verify"

	// DefaultMetaDirName is the per-worktree directory for prompts,
	// logs, and diffs.
	DefaultMetaDirName = ".manyworlds"
)

// Options configure the world executor. Timeouts are fallbacks; a
// task's own budget wins for the agent phase.
type Options struct {
	AgentCommand     string
	VerifyCommand    string
	AgentTimeoutSec  float64
	VerifyTimeoutSec float64
	MetaDirName      string
}

// WorldExecutor runs world tasks: it builds the attempt prompt, runs
// the agent command and then the verify command through the runner
// (which keeps the controller registered around each phase), collects
// the diff, and records one attempt row per phase.
type WorldExecutor struct {
	runner     *runtime.Runner
	controller *runtime.Controller
	store      ResultStore
	breakers   *BreakerRegistry
	opts       Options
}

// NewWorldExecutor creates a world executor. The controller and store
// are optional; without them attempts still run, just without steering
// or durable attempt rows.
func NewWorldExecutor(runner *runtime.Runner, controller *runtime.Controller, store ResultStore, opts Options) *WorldExecutor {
	if runner == nil {
		panic("executor: runner is required")
	}
	if opts.MetaDirName == "" {
		opts.MetaDirName = DefaultMetaDirName
	}
	return &WorldExecutor{
		runner:     runner,
		controller: controller,
		store:      store,
		breakers:   NewBreakerRegistry(),
		opts:       opts,
	}
}

// Execute runs one attempt of a world task.
func (e *WorldExecutor) Execute(ctx context.Context, task graph.Task, ec scheduler.ExecContext) scheduler.TaskResult {
	payload, err := DecodeWorldPayload(task.Payload)
	if err != nil {
		return failed(fmt.Sprintf("invalid world payload: %v", err))
	}
	if _, err := os.Stat(payload.Worktree); err != nil {
		return failed(fmt.Sprintf("world worktree missing: %s", payload.Worktree))
	}
	if e.opts.AgentCommand == "" {
		return failed("agent command not configured")
	}

	metaDir := filepath.Join(payload.Worktree, e.opts.MetaDirName)
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return failed(fmt.Sprintf("failed to create meta dir: %v", err))
	}

	var steering []runtime.SteeringComment
	if e.controller != nil {
		steering, _, err = e.controller.Steering(ctx, task.ID, 0)
		if err != nil {
			log.Printf("WARNING: failed to load steering for task %s: %v", task.ID, err)
		}
	}

	prompt := BuildPrompt(payload, steering)
	promptFile := filepath.Join(metaDir, fmt.Sprintf("prompt.attempt-%d.md", ec.Attempt))
	if err := os.WriteFile(promptFile, []byte(prompt), 0644); err != nil {
		return failed(fmt.Sprintf("failed to write prompt: %v", err))
	}

	agentTimeout := task.Budget.TimeoutSec
	if agentTimeout <= 0 {
		agentTimeout = e.opts.AgentTimeoutSec
	}
	agentLine := RenderCommand(e.opts.AgentCommand, promptFile, payload)
	agentRes := e.runPhase(ctx, ec, PhaseAgent, agentLine, payload.Worktree, metaDir, agentTimeout)

	// Churn is attributed to the agent: verify must not modify the tree.
	diff, _, derr := CollectDiff(metaDir, payload.BaseRef, payload.Worktree)
	if derr != nil {
		log.Printf("WARNING: failed to collect diff for world %s: %v", payload.WorldID, derr)
	}
	e.record(ctx, ec, PhaseAgent, agentRes, diff)

	if term, ok := terminal(PhaseAgent, agentRes); ok {
		return term
	}

	if e.opts.VerifyCommand != "" {
		verifyLine := RenderCommand(e.opts.VerifyCommand, promptFile, payload)
		verifyRes := e.runPhase(ctx, ec, PhaseVerify, verifyLine, payload.Worktree, metaDir, e.opts.VerifyTimeoutSec)
		e.record(ctx, ec, PhaseVerify, verifyRes, DiffStat{})
		if term, ok := terminal(PhaseVerify, verifyRes); ok {
			return term
		}
	}

	now := time.Now().UTC()
	zero := 0
	return scheduler.TaskResult{
		Status:     scheduler.ResultDone,
		ExitCode:   &zero,
		FinishedAt: &now,
	}
}

// runPhase executes one phase command through its circuit breaker. An
// open breaker fails the phase immediately; infrastructure failures
// (the command never produced an exit code) count against the breaker,
// ordinary nonzero exits do not.
func (e *WorldExecutor) runPhase(ctx context.Context, ec scheduler.ExecContext, phase, line, dir, metaDir string, timeoutSec float64) runtime.Result {
	cb := e.breakers.Get(phase)
	out, err := cb.Execute(func() (interface{}, error) {
		res := e.runner.Execute(ctx, runtime.Command{
			Line:       line,
			Dir:        dir,
			TimeoutSec: timeoutSec,
			LogDir:     metaDir,
			LogName:    fmt.Sprintf("%s.attempt-%d.log", phase, ec.Attempt),
			RunID:      ec.RunID,
			TaskID:     ec.TaskID,
			Phase:      phase,
			Attempt:    ec.Attempt,
		})
		if res.ExitCode == nil && res.Error != "" && !res.WasCancelled {
			return res, fmt.Errorf("%s", res.Error)
		}
		return res, nil
	})
	if res, ok := out.(runtime.Result); ok {
		return res
	}
	// The breaker rejected the call before the command ran.
	return runtime.Result{
		Status: runtime.StatusFailed,
		Error:  fmt.Sprintf("%s phase unavailable: %v", phase, err),
	}
}

// record persists the attempt row for one phase. Best effort.
func (e *WorldExecutor) record(ctx context.Context, ec scheduler.ExecContext, phase string, res runtime.Result, diff DiffStat) {
	if e.store == nil {
		return
	}
	rec := &AttemptRecord{
		RunID:       ec.RunID,
		TaskID:      ec.TaskID,
		Attempt:     ec.Attempt,
		Phase:       phase,
		ExitCode:    res.ExitCode,
		DurationSec: res.DurationSec,
		LogPath:     res.LogPath,
		Error:       res.Error,
		TimedOut:    res.TimedOut,
		Cancelled:   res.WasCancelled,
		Diff:        diff,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.SaveAttempt(ctx, rec); err != nil {
		log.Printf("WARNING: failed to save attempt record %s/%s attempt %d: %v", ec.TaskID, phase, ec.Attempt, err)
	}
}

// terminal maps a phase result onto the task result when the phase
// ends the attempt: operator stop, timeout, or failure. A clean phase
// returns ok=false so the next phase may run.
func terminal(phase string, res runtime.Result) (scheduler.TaskResult, bool) {
	now := time.Now().UTC()
	switch {
	case res.Status == runtime.StatusCancelled:
		errMsg := res.Error
		if errMsg == "" {
			errMsg = "stopped by operator"
		}
		return scheduler.TaskResult{
			Status:     scheduler.ResultStopped,
			Error:      errMsg,
			ExitCode:   res.ExitCode,
			FinishedAt: &now,
		}, true
	case res.TimedOut:
		return scheduler.TaskResult{
			Status:     scheduler.ResultTimeout,
			Error:      res.Error,
			ExitCode:   res.ExitCode,
			FinishedAt: &now,
			TimedOut:   true,
		}, true
	case res.Status == runtime.StatusDone:
		return scheduler.TaskResult{}, false
	default:
		errMsg := res.Error
		if errMsg == "" && res.ExitCode != nil {
			errMsg = fmt.Sprintf("%s exited with code %d", phase, *res.ExitCode)
		}
		if errMsg == "" {
			errMsg = fmt.Sprintf("%s failed", phase)
		}
		return scheduler.TaskResult{
			Status:     scheduler.ResultFailed,
			Error:      errMsg,
			ExitCode:   res.ExitCode,
			FinishedAt: &now,
		}, true
	}
}

func failed(msg string) scheduler.TaskResult {
	now := time.Now().UTC()
	return scheduler.TaskResult{
		Status:     scheduler.ResultFailed,
		Error:      msg,
		FinishedAt: &now,
	}
}
