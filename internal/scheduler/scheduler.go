package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stray/manyworlds/internal/events"
	"github.com/stray/manyworlds/internal/graph"
)

// Store persists run state and appends to the durable event log.
// Durability is a precondition for correct resumption, so a store
// error is fatal to the run.
type Store interface {
	SaveRun(ctx context.Context, run *RunState) error
	AppendEvent(ctx context.Context, runID, taskID string, eventType events.EventType, payload any) (events.Event, error)
}

// Options tune a single run. An empty RunID mints a fresh one.
// MaxParallelAgents <= 0 and RetryLimit < 0 fall back to the graph's
// orchestrator hints.
type Options struct {
	RunID             string
	MaxParallelAgents int
	RetryLimit        int
}

// Scheduler executes task graphs through a bounded worker pool. One
// coordinating goroutine owns every TaskState write; workers only run
// the executor and report back over a channel.
type Scheduler struct {
	store Store
	bus   *events.Bus
}

// New creates a scheduler. The bus is optional; pass nil to skip live
// event publication.
func New(store Store, bus *events.Bus) *Scheduler {
	if store == nil {
		panic("scheduler: store is required")
	}
	return &Scheduler{store: store, bus: bus}
}

type dispatch struct {
	task graph.Task
	ec   ExecContext
}

type completion struct {
	taskID  string
	attempt int
	result  TaskResult
}

// Run executes the graph until no task is running or runnable, then
// resolves the final run status. Task failures never abort the run;
// configuration and persistence errors do.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, executor TaskExecutor, opts Options) (*RunState, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.MaxParallelAgents < 0 {
		return nil, fmt.Errorf("max_parallel_agents must be >= 1, got %d", opts.MaxParallelAgents)
	}
	if _, err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	maxParallel := opts.MaxParallelAgents
	if maxParallel <= 0 {
		maxParallel = g.Orchestrator.MaxParallelAgents
	}
	if maxParallel <= 0 {
		maxParallel = graph.DefaultMaxParallelAgents
	}
	retryLimit := opts.RetryLimit
	if retryLimit < 0 {
		retryLimit = g.Orchestrator.RetryLimit
	}
	if retryLimit < 0 {
		retryLimit = graph.DefaultRetryLimit
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	run := NewRunState(runID, g, maxParallel, retryLimit)
	if err := s.store.SaveRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to persist new run: %w", err)
	}
	if err := s.emit(ctx, runID, "", events.EventRunStarted, map[string]any{
		"graph_id":            g.ID,
		"task_count":          len(g.Tasks),
		"max_parallel_agents": maxParallel,
		"retry_limit":         retryLimit,
	}); err != nil {
		return run, err
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	dispatchCh := make(chan dispatch)
	// Buffered so a worker can always hand off its result and go idle,
	// even while the loop is busy elsewhere.
	resultCh := make(chan completion, maxParallel)

	var workers errgroup.Group
	for i := 0; i < maxParallel; i++ {
		workers.Go(func() error {
			for item := range dispatchCh {
				res := safeExecute(loopCtx, executor, item.task, item.ec)
				resultCh <- completion{taskID: item.ec.TaskID, attempt: item.ec.Attempt, result: res}
			}
			return nil
		})
	}
	defer func() {
		cancelLoop()
		close(dispatchCh)
		_ = workers.Wait()
	}()

	inFlight := 0
	var runErr error

loop:
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		RefreshBlockedStates(g, run.Tasks)

		started, err := s.fillSlots(ctx, g, run, dispatchCh, maxParallel-inFlight)
		if err != nil {
			runErr = err
			break
		}
		inFlight += started

		// Nothing running and nothing dispatchable: with the run idle,
		// blocked tasks can never unblock, so the run is over. Every
		// other pass either dispatched or blocks on a completion below,
		// so the loop cannot spin without progress.
		if inFlight == 0 {
			break
		}

		// Wait for any one in-flight attempt to finish.
		var comp completion
		select {
		case comp = <-resultCh:
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		}
		inFlight--

		taskStatus := s.applyResult(run, comp.taskID, comp.result)
		if err := s.emit(ctx, runID, comp.taskID, events.EventTaskFinished, taskFinishedPayload(comp, taskStatus)); err != nil {
			runErr = err
			break
		}
		if err := s.store.SaveRun(ctx, run); err != nil {
			runErr = fmt.Errorf("failed to persist run state: %w", err)
			break
		}
	}

	// On cancellation, collect the attempts already in flight so their
	// outcomes land in the run state. Workers see the cancelled
	// context and return promptly.
	if runErr != nil && ctx.Err() != nil {
		cancelLoop()
		for inFlight > 0 {
			comp := <-resultCh
			inFlight--
			s.applyResult(run, comp.taskID, comp.result)
		}
	}

	return s.finalize(run, runErr)
}

// fillSlots dispatches runnable tasks into free worker slots and
// returns how many it started.
func (s *Scheduler) fillSlots(ctx context.Context, g *graph.Graph, run *RunState, dispatchCh chan<- dispatch, free int) (int, error) {
	started := 0
	for _, taskID := range SelectRunnable(g, run.Tasks, free) {
		task, ok := g.TaskByID(taskID)
		if !ok {
			log.Printf("ERROR: runnable task %q missing from graph", taskID)
			continue
		}
		st := run.Tasks[taskID]
		st.Status = TaskRunning
		st.Attempts++
		now := time.Now().UTC()
		st.LastStartedAt = &now
		st.BlockedBy = nil
		st.BlockedReason = BlockedNone

		ec := ExecContext{
			RunID:       run.ID,
			GraphID:     run.GraphID,
			TaskID:      taskID,
			Attempt:     st.Attempts,
			MaxAttempts: st.MaxAttempts,
		}
		if err := s.emit(ctx, run.ID, taskID, events.EventTaskStarted, map[string]any{
			"attempt":      st.Attempts,
			"max_attempts": st.MaxAttempts,
			"priority":     task.Priority,
		}); err != nil {
			return started, err
		}

		dispatchCh <- dispatch{task: task, ec: ec}
		started++
	}
	return started, nil
}

// applyResult is the single place a completed attempt mutates task
// state. Failed attempts with budget left revert to pending and will
// be re-picked on a later pass with no added delay.
func (s *Scheduler) applyResult(run *RunState, taskID string, res TaskResult) TaskStatus {
	st := run.Tasks[taskID]
	if st == nil {
		log.Printf("ERROR: result for unknown task %q dropped", taskID)
		return ""
	}

	now := time.Now().UTC()
	if res.FinishedAt != nil {
		st.LastFinishedAt = res.FinishedAt
	} else {
		st.LastFinishedAt = &now
	}
	st.LastExitCode = res.ExitCode

	switch res.Status {
	case ResultDone:
		st.Status = TaskDone
		st.LastError = res.Error
	case ResultStopped:
		st.Status = TaskStopped
		if res.Error != "" {
			st.LastError = res.Error
		}
	case ResultPaused:
		st.Status = TaskPaused
		if res.Error != "" {
			st.LastError = res.Error
		}
	default:
		if res.Error != "" {
			st.LastError = res.Error
		}
		if st.Attempts < st.MaxAttempts {
			st.Status = TaskPending
		} else {
			st.Status = TaskFailed
		}
	}
	return st.Status
}

// finalize resolves the overall run status, persists the final state
// and emits run_finished. Persistence here runs on a background
// context so a cancelled run still records its ending.
func (s *Scheduler) finalize(run *RunState, runErr error) (*RunState, error) {
	now := time.Now().UTC()
	run.FinishedAt = &now

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			run.Status = RunCancelled
		} else {
			run.Status = RunFailed
		}
		run.Error = runErr.Error()
	} else {
		status, msg := resolveFinalStatus(run)
		run.Status = status
		run.Error = msg
	}

	ctx := context.Background()
	if err := s.store.SaveRun(ctx, run); err != nil {
		log.Printf("ERROR: failed to persist final run state for %s: %v", run.ID, err)
		if runErr == nil {
			runErr = fmt.Errorf("failed to persist final run state: %w", err)
		}
	}
	if err := s.emit(ctx, run.ID, "", events.EventRunFinished, map[string]any{
		"status":       string(run.Status),
		"error":        run.Error,
		"duration_sec": now.Sub(run.StartedAt).Seconds(),
	}); err != nil {
		log.Printf("WARNING: failed to record run_finished for %s: %v", run.ID, err)
	}

	return run, runErr
}

// resolveFinalStatus applies the run-status rules once no task is
// running or runnable. A mix of paused tasks and tasks blocked behind
// them counts as paused; resuming can still move the run forward.
func resolveFinalStatus(run *RunState) (RunStatus, string) {
	counts := run.StatusCounts()
	total := len(run.Tasks)

	if counts[TaskRunning] > 0 {
		log.Printf("ERROR: run %s finalized with %d tasks still running", run.ID, counts[TaskRunning])
		return RunFailed, fmt.Sprintf("internal error: %d tasks still running at loop exit", counts[TaskRunning])
	}

	switch {
	case counts[TaskDone] == total:
		return RunCompleted, ""
	case counts[TaskFailed] > 0:
		return RunFailed, fmt.Sprintf("%d of %d tasks failed", counts[TaskFailed], total)
	case counts[TaskStopped] > 0:
		return RunCancelled, fmt.Sprintf("%d of %d tasks stopped by operator", counts[TaskStopped], total)
	}

	nonDone := total - counts[TaskDone]
	switch {
	case counts[TaskPaused] == nonDone:
		return RunPaused, ""
	case counts[TaskBlocked] == nonDone:
		return RunFailed, fmt.Sprintf("dependency deadlock: %d tasks permanently blocked", counts[TaskBlocked])
	case counts[TaskPaused] > 0 && counts[TaskPaused]+counts[TaskBlocked] == nonDone:
		return RunPaused, ""
	}

	log.Printf("ERROR: run %s finalized with unexpected task states: %v", run.ID, counts)
	return RunFailed, "internal error: tasks left in unexpected states at loop exit"
}

func taskFinishedPayload(comp completion, taskStatus TaskStatus) map[string]any {
	payload := map[string]any{
		"attempt":       comp.attempt,
		"result_status": string(comp.result.Status),
		"task_status":   string(taskStatus),
	}
	if comp.result.Error != "" {
		payload["error"] = comp.result.Error
	}
	if comp.result.ExitCode != nil {
		payload["exit_code"] = *comp.result.ExitCode
	}
	if comp.result.TimedOut {
		payload["timed_out"] = true
	}
	return payload
}

// emit appends the event to the durable log, then mirrors it onto the
// bus for live consumers. The append is load-bearing; the publish is
// best effort.
func (s *Scheduler) emit(ctx context.Context, runID, taskID string, eventType events.EventType, payload any) error {
	ev, err := s.store.AppendEvent(ctx, runID, taskID, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	if s.bus != nil {
		s.bus.Publish(ev)
	}
	return nil
}
