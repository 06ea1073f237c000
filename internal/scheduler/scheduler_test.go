package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stray/manyworlds/internal/events"
	"github.com/stray/manyworlds/internal/graph"
)

// memStore is an in-memory Store for scheduler tests. It can be told
// to fail the Nth SaveRun call to exercise the fatal-persistence path.
type memStore struct {
	mu         sync.Mutex
	saves      int
	failSaveAt int
	failAppend bool
	runs       map[string]*RunState
	events     []events.Event
	nextID     map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		runs:   make(map[string]*RunState),
		nextID: make(map[string]int64),
	}
}

func (m *memStore) SaveRun(ctx context.Context, run *RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failSaveAt > 0 && m.saves >= m.failSaveAt {
		return fmt.Errorf("database is locked")
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *memStore) AppendEvent(ctx context.Context, runID, taskID string, eventType events.EventType, payload any) (events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return events.Event{}, fmt.Errorf("database is locked")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.Event{}, err
	}
	m.nextID[runID]++
	ev := events.Event{
		ID:        m.nextID[runID],
		RunID:     runID,
		TaskID:    taskID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memStore) eventsFor(runID string) []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.Event
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// fakeExecutor records start/end markers per attempt and tracks the
// maximum number of concurrently running attempts. Per-task handlers
// decide the result; tasks without a handler succeed.
type fakeExecutor struct {
	mu        sync.Mutex
	log       []string
	active    int
	maxActive int
	delay     time.Duration
	handlers  map[string]func(ctx context.Context, ec ExecContext) TaskResult
}

func newFakeExecutor(delay time.Duration) *fakeExecutor {
	return &fakeExecutor{
		delay:    delay,
		handlers: make(map[string]func(ctx context.Context, ec ExecContext) TaskResult),
	}
}

func (f *fakeExecutor) on(taskID string, fn func(ctx context.Context, ec ExecContext) TaskResult) {
	f.handlers[taskID] = fn
}

func (f *fakeExecutor) Execute(ctx context.Context, task graph.Task, ec ExecContext) TaskResult {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.log = append(f.log, "start:"+ec.TaskID)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	res := TaskResult{Status: ResultDone}
	if fn := f.handlers[ec.TaskID]; fn != nil {
		res = fn(ctx, ec)
	}

	f.mu.Lock()
	f.active--
	f.log = append(f.log, "end:"+ec.TaskID)
	f.mu.Unlock()
	return res
}

func (f *fakeExecutor) indexOf(entry string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, e := range f.log {
		if e == entry {
			return i
		}
	}
	return -1
}

func decodePayload(t *testing.T, ev events.Event) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(ev.Payload, &m); err != nil {
		t.Fatalf("failed to decode %s payload: %v", ev.Type, err)
	}
	return m
}

func eventsOfType(evs []events.Event, eventType events.EventType) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// TestRunScenarioPriorityAndDependencies walks the reference scenario:
// a (priority 5) and c (priority 5, parallelizable) start together on
// two slots, b (priority 3) waits behind its dependency on a.
func TestRunScenarioPriorityAndDependencies(t *testing.T) {
	g := &graph.Graph{
		ID: "g-scenario",
		Tasks: []graph.Task{
			newTask("a", 5, true),
			newTask("b", 3, false),
			newTask("c", 5, true),
		},
		Dependencies: []graph.Dependency{hard("a", "b")},
	}

	exec := newFakeExecutor(0)

	// a and c must overlap: each waits inside Execute until the other
	// has arrived. If the scheduler serialized them, both handlers
	// would sit out the timeout and the test would flag it.
	aStarted := make(chan struct{})
	cStarted := make(chan struct{})
	rendezvous := func(mine chan struct{}, other <-chan struct{}, otherID string) {
		close(mine)
		select {
		case <-other:
		case <-time.After(2 * time.Second):
			t.Errorf("task %s never started while its peer was running", otherID)
		}
	}
	exec.on("a", func(ctx context.Context, ec ExecContext) TaskResult {
		rendezvous(aStarted, cStarted, "c")
		return TaskResult{Status: ResultDone}
	})
	exec.on("c", func(ctx context.Context, ec ExecContext) TaskResult {
		rendezvous(cStarted, aStarted, "a")
		return TaskResult{Status: ResultDone}
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 2})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunCompleted {
		t.Fatalf("run status = %q, want %q (error: %s)", run.Status, RunCompleted, run.Error)
	}
	for _, id := range []string{"a", "b", "c"} {
		st := run.Tasks[id]
		if st.Status != TaskDone {
			t.Errorf("task %s: status = %q, want done", id, st.Status)
		}
		if st.Attempts != 1 {
			t.Errorf("task %s: attempts = %d, want 1", id, st.Attempts)
		}
	}

	// b is not parallelizable, so it starts only after both a and c
	// have finished.
	bStart := exec.indexOf("start:b")
	if bStart < 0 {
		t.Fatal("task b never started")
	}
	if aEnd := exec.indexOf("end:a"); aEnd > bStart {
		t.Errorf("b started (index %d) before its dependency a finished (index %d)", bStart, aEnd)
	}
	if cEnd := exec.indexOf("end:c"); cEnd > bStart {
		t.Errorf("b started (index %d) while c was still running (index %d)", bStart, cEnd)
	}
	if exec.maxActive > 2 {
		t.Errorf("max concurrent attempts = %d, want <= 2", exec.maxActive)
	}

	// Event log: one run_started, one run_finished bracketing three
	// started/finished pairs, with ids contiguous from 1.
	evs := store.eventsFor(run.ID)
	if len(evs) != 8 {
		t.Fatalf("expected 8 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.ID != int64(i+1) {
			t.Errorf("event %d: id = %d, want %d", i, ev.ID, i+1)
		}
	}
	if evs[0].Type != events.EventRunStarted {
		t.Errorf("first event = %q, want run_started", evs[0].Type)
	}
	if evs[len(evs)-1].Type != events.EventRunFinished {
		t.Errorf("last event = %q, want run_finished", evs[len(evs)-1].Type)
	}
	if got := len(eventsOfType(evs, events.EventTaskStarted)); got != 3 {
		t.Errorf("task_started events = %d, want 3", got)
	}
	if got := len(eventsOfType(evs, events.EventTaskFinished)); got != 3 {
		t.Errorf("task_finished events = %d, want 3", got)
	}
	final := decodePayload(t, evs[len(evs)-1])
	if final["status"] != "completed" {
		t.Errorf("run_finished status = %v, want completed", final["status"])
	}

	// The store holds the finished snapshot.
	saved := store.runs[run.ID]
	if saved == nil || saved.Status != RunCompleted {
		t.Errorf("persisted run status = %v, want completed", saved)
	}
}

func TestRunRetryRevertsToPendingThenSucceeds(t *testing.T) {
	g := &graph.Graph{
		ID: "g-retry",
		Tasks: []graph.Task{{
			ID:             "flaky",
			Title:          "flaky",
			Priority:       3,
			Parallelizable: true,
			Budget:         graph.Budget{MaxAttempts: 3, TimeoutSec: 60},
		}},
	}

	exec := newFakeExecutor(0)
	exec.on("flaky", func(ctx context.Context, ec ExecContext) TaskResult {
		if ec.Attempt == 1 {
			code := 1
			return TaskResult{Status: ResultFailed, Error: "transient", ExitCode: &code}
		}
		return TaskResult{Status: ResultDone}
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 1, RetryLimit: 2})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunCompleted {
		t.Fatalf("run status = %q, want completed (error: %s)", run.Status, run.Error)
	}
	st := run.Tasks["flaky"]
	if st.Status != TaskDone {
		t.Errorf("task status = %q, want done", st.Status)
	}
	if st.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", st.Attempts)
	}
	if st.LastError != "" {
		t.Errorf("last_error = %q, want empty after success", st.LastError)
	}

	// The first task_finished must show the failed attempt reverting
	// to pending with budget left.
	finished := eventsOfType(store.eventsFor(run.ID), events.EventTaskFinished)
	if len(finished) != 2 {
		t.Fatalf("expected 2 task_finished events, got %d", len(finished))
	}
	first := decodePayload(t, finished[0])
	if first["task_status"] != "pending" {
		t.Errorf("first attempt task_status = %v, want pending", first["task_status"])
	}
	if first["exit_code"] != float64(1) {
		t.Errorf("first attempt exit_code = %v, want 1", first["exit_code"])
	}
	second := decodePayload(t, finished[1])
	if second["task_status"] != "done" {
		t.Errorf("second attempt task_status = %v, want done", second["task_status"])
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	g := &graph.Graph{
		ID: "g-exhaust",
		Tasks: []graph.Task{{
			ID:             "doomed",
			Title:          "doomed",
			Priority:       3,
			Parallelizable: true,
			Budget:         graph.Budget{MaxAttempts: 2, TimeoutSec: 60},
		}},
	}

	exec := newFakeExecutor(0)
	exec.on("doomed", func(ctx context.Context, ec ExecContext) TaskResult {
		code := 2
		return TaskResult{Status: ResultFailed, Error: "boom", ExitCode: &code}
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 1, RetryLimit: 5})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
	if !strings.Contains(run.Error, "1 of 1 tasks failed") {
		t.Errorf("run error = %q, want failure tally", run.Error)
	}
	st := run.Tasks["doomed"]
	if st.Status != TaskFailed {
		t.Errorf("task status = %q, want failed", st.Status)
	}
	if st.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (budget caps retries)", st.Attempts)
	}
	if st.LastError != "boom" {
		t.Errorf("last_error = %q, want %q", st.LastError, "boom")
	}
	if st.LastExitCode == nil || *st.LastExitCode != 2 {
		t.Errorf("last_exit_code = %v, want 2", st.LastExitCode)
	}
}

func TestRunFailedDependencyBlocksSuccessors(t *testing.T) {
	g := &graph.Graph{
		ID: "g-faildep",
		Tasks: []graph.Task{
			newTask("build", 5, true),
			newTask("deploy", 4, true),
			newTask("announce", 2, true),
		},
		Dependencies: []graph.Dependency{
			hard("build", "deploy"),
			hard("deploy", "announce"),
		},
	}

	exec := newFakeExecutor(0)
	exec.on("build", func(ctx context.Context, ec ExecContext) TaskResult {
		return TaskResult{Status: ResultFailed, Error: "compile error"}
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 2})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
	for _, id := range []string{"deploy", "announce"} {
		st := run.Tasks[id]
		if st.Status != TaskBlocked {
			t.Errorf("task %s: status = %q, want blocked", id, st.Status)
		}
		if st.BlockedReason != BlockedOnFailedDep {
			t.Errorf("task %s: blocked_reason = %q, want failed_dependency", id, st.BlockedReason)
		}
		if st.Attempts != 0 {
			t.Errorf("task %s: attempts = %d, want 0", id, st.Attempts)
		}
	}
}

func TestRunSoftDependenciesDoNotGate(t *testing.T) {
	g := &graph.Graph{
		ID: "g-soft",
		Tasks: []graph.Task{
			newTask("a", 3, true),
			newTask("b", 3, true),
			newTask("c", 3, true),
			newTask("d", 3, true),
		},
		Dependencies: []graph.Dependency{
			soft("a", "b"),
			soft("b", "c"),
			soft("c", "d"),
		},
	}

	exec := newFakeExecutor(10 * time.Millisecond)
	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 2})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunCompleted {
		t.Fatalf("run status = %q, want completed (error: %s)", run.Status, run.Error)
	}
	for id, st := range run.Tasks {
		if st.Status != TaskDone {
			t.Errorf("task %s: status = %q, want done", id, st.Status)
		}
		if st.Attempts != 1 {
			t.Errorf("task %s: attempts = %d, want 1", id, st.Attempts)
		}
		if st.BlockedReason != BlockedNone {
			t.Errorf("task %s: blocked_reason = %q, soft deps must never block", id, st.BlockedReason)
		}
	}
	if exec.maxActive > 2 {
		t.Errorf("max concurrent attempts = %d, want <= 2", exec.maxActive)
	}
}

func TestRunNonParallelizableRunsAlone(t *testing.T) {
	g := &graph.Graph{
		ID: "g-exclusive",
		Tasks: []graph.Task{
			newTask("migrate", 2, false),
			newTask("build-a", 5, true),
			newTask("build-b", 5, true),
		},
	}

	exec := newFakeExecutor(10 * time.Millisecond)
	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 3})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("run status = %q, want completed (error: %s)", run.Status, run.Error)
	}

	// The exclusive task is selected first on an idle run, so the
	// parallelizable pair must wait for it to finish.
	migrateEnd := exec.indexOf("end:migrate")
	if migrateEnd < 0 {
		t.Fatal("migrate never ran")
	}
	for _, id := range []string{"build-a", "build-b"} {
		if start := exec.indexOf("start:" + id); start < migrateEnd {
			t.Errorf("%s started (index %d) while exclusive task was running (end index %d)", id, start, migrateEnd)
		}
	}
}

func TestRunPausedTasksPauseRun(t *testing.T) {
	g := &graph.Graph{
		ID: "g-paused",
		Tasks: []graph.Task{
			newTask("agent", 4, true),
			newTask("verify", 4, true),
		},
		Dependencies: []graph.Dependency{hard("agent", "verify")},
	}

	exec := newFakeExecutor(0)
	exec.on("agent", func(ctx context.Context, ec ExecContext) TaskResult {
		return TaskResult{Status: ResultPaused}
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 2})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunPaused {
		t.Errorf("run status = %q, want paused", run.Status)
	}
	if run.Error != "" {
		t.Errorf("run error = %q, want empty for a paused run", run.Error)
	}
	if st := run.Tasks["agent"]; st.Status != TaskPaused {
		t.Errorf("agent status = %q, want paused", st.Status)
	}
	st := run.Tasks["verify"]
	if st.Status != TaskBlocked || st.BlockedReason != BlockedOnDependency {
		t.Errorf("verify = %q/%q, want blocked on dependency", st.Status, st.BlockedReason)
	}
}

func TestRunStoppedTaskCancelsRun(t *testing.T) {
	g := &graph.Graph{
		ID:    "g-stopped",
		Tasks: []graph.Task{newTask("halted", 3, true)},
	}

	exec := newFakeExecutor(0)
	exec.on("halted", func(ctx context.Context, ec ExecContext) TaskResult {
		return TaskResult{Status: ResultStopped, Error: "stopped by operator"}
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 1})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunCancelled {
		t.Errorf("run status = %q, want cancelled", run.Status)
	}
	if !strings.Contains(run.Error, "stopped by operator") {
		t.Errorf("run error = %q, want operator-stop tally", run.Error)
	}
	st := run.Tasks["halted"]
	if st.Status != TaskStopped {
		t.Errorf("task status = %q, want stopped", st.Status)
	}
	// A stopped task consumes no retry budget.
	if st.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", st.Attempts)
	}
}

func TestRunTimeoutBecomesFailure(t *testing.T) {
	g := &graph.Graph{
		ID:    "g-timeout",
		Tasks: []graph.Task{newTask("slow", 3, true)},
	}

	exec := newFakeExecutor(0)
	exec.on("slow", func(ctx context.Context, ec ExecContext) TaskResult {
		return TaskResult{Status: ResultTimeout}
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 1})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
	st := run.Tasks["slow"]
	if st.Status != TaskFailed {
		t.Errorf("task status = %q, want failed", st.Status)
	}
	if !strings.Contains(st.LastError, "timed out") {
		t.Errorf("last_error = %q, want timeout message", st.LastError)
	}

	finished := eventsOfType(store.eventsFor(run.ID), events.EventTaskFinished)
	if len(finished) != 1 {
		t.Fatalf("expected 1 task_finished event, got %d", len(finished))
	}
	payload := decodePayload(t, finished[0])
	if payload["timed_out"] != true {
		t.Errorf("task_finished timed_out = %v, want true", payload["timed_out"])
	}
	if payload["result_status"] != "failed" {
		t.Errorf("task_finished result_status = %v, want failed", payload["result_status"])
	}
}

func TestRunExecutorPanicIsContained(t *testing.T) {
	g := &graph.Graph{
		ID:    "g-panic",
		Tasks: []graph.Task{newTask("volatile", 3, true)},
	}

	exec := newFakeExecutor(0)
	exec.on("volatile", func(ctx context.Context, ec ExecContext) TaskResult {
		panic("kaboom")
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 1})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if run.Status != RunFailed {
		t.Errorf("run status = %q, want failed", run.Status)
	}
	st := run.Tasks["volatile"]
	if st.Status != TaskFailed {
		t.Errorf("task status = %q, want failed", st.Status)
	}
	if !strings.Contains(st.LastError, "executor error: kaboom") {
		t.Errorf("last_error = %q, want recovered panic message", st.LastError)
	}
}

func TestRunUnknownResultStatusFails(t *testing.T) {
	g := &graph.Graph{
		ID:    "g-unknown",
		Tasks: []graph.Task{newTask("odd", 3, true)},
	}

	exec := newFakeExecutor(0)
	exec.on("odd", func(ctx context.Context, ec ExecContext) TaskResult {
		return TaskResult{Status: "weird"}
	})

	store := newMemStore()
	run, err := New(store, nil).Run(context.Background(), g, exec, Options{MaxParallelAgents: 1})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	st := run.Tasks["odd"]
	if st.Status != TaskFailed {
		t.Errorf("task status = %q, want failed", st.Status)
	}
	if !strings.Contains(st.LastError, `unknown status "weird"`) {
		t.Errorf("last_error = %q, want unknown-status message", st.LastError)
	}
}

func TestRunContextCancellation(t *testing.T) {
	g := &graph.Graph{
		ID: "g-cancel",
		Tasks: []graph.Task{
			newTask("a", 3, true),
			newTask("b", 3, true),
		},
	}

	exec := newFakeExecutor(0)
	blocker := func(ctx context.Context, ec ExecContext) TaskResult {
		<-ctx.Done()
		return TaskResult{Status: ResultFailed, Error: "interrupted"}
	}
	exec.on("a", blocker)
	exec.on("b", blocker)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	store := newMemStore()
	run, err := New(store, nil).Run(ctx, g, exec, Options{MaxParallelAgents: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	if run.Status != RunCancelled {
		t.Errorf("run status = %q, want cancelled", run.Status)
	}
	if run.FinishedAt == nil {
		t.Error("finished_at not set on cancelled run")
	}
	// In-flight results are still collected before finalizing.
	for _, id := range []string{"a", "b"} {
		st := run.Tasks[id]
		if st.Status != TaskFailed {
			t.Errorf("task %s: status = %q, want failed after interrupt", id, st.Status)
		}
		if st.LastError != "interrupted" {
			t.Errorf("task %s: last_error = %q, want %q", id, st.LastError, "interrupted")
		}
	}
}

func TestRunPersistenceFailureAborts(t *testing.T) {
	g := &graph.Graph{
		ID:    "g-persist",
		Tasks: []graph.Task{newTask("a", 3, true)},
	}

	t.Run("initial save", func(t *testing.T) {
		store := newMemStore()
		store.failSaveAt = 1
		_, err := New(store, nil).Run(context.Background(), g, newFakeExecutor(0), Options{MaxParallelAgents: 1})
		if err == nil || !strings.Contains(err.Error(), "persist new run") {
			t.Errorf("Run() error = %v, want initial persistence failure", err)
		}
	})

	t.Run("mid-run save", func(t *testing.T) {
		store := newMemStore()
		store.failSaveAt = 2
		run, err := New(store, nil).Run(context.Background(), g, newFakeExecutor(0), Options{MaxParallelAgents: 1})
		if err == nil || !strings.Contains(err.Error(), "persist run state") {
			t.Fatalf("Run() error = %v, want mid-run persistence failure", err)
		}
		if run.Status != RunFailed {
			t.Errorf("run status = %q, want failed", run.Status)
		}
		// The attempt itself finished before the save blew up.
		if st := run.Tasks["a"]; st.Status != TaskDone {
			t.Errorf("task status = %q, want done", st.Status)
		}
	})

	t.Run("event append", func(t *testing.T) {
		store := newMemStore()
		store.failAppend = true
		_, err := New(store, nil).Run(context.Background(), g, newFakeExecutor(0), Options{MaxParallelAgents: 1})
		if err == nil || !strings.Contains(err.Error(), "append run_started") {
			t.Errorf("Run() error = %v, want event append failure", err)
		}
	})
}

func TestRunOptionFallbacks(t *testing.T) {
	t.Run("orchestrator hints fill unset options", func(t *testing.T) {
		g := &graph.Graph{
			ID: "g-hints",
			Tasks: []graph.Task{{
				ID:             "a",
				Title:          "a",
				Priority:       3,
				Parallelizable: true,
				Budget:         graph.Budget{MaxAttempts: 9, TimeoutSec: 60},
			}},
			Orchestrator: graph.Hints{MaxParallelAgents: 3, RetryLimit: 2},
		}
		store := newMemStore()
		run, err := New(store, nil).Run(context.Background(), g, newFakeExecutor(0), Options{RetryLimit: -1})
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if run.MaxParallelAgents != 3 {
			t.Errorf("max_parallel_agents = %d, want 3 from hints", run.MaxParallelAgents)
		}
		if run.RetryLimit != 2 {
			t.Errorf("retry_limit = %d, want 2 from hints", run.RetryLimit)
		}
		// retry_limit+1 caps the task budget.
		if got := run.Tasks["a"].MaxAttempts; got != 3 {
			t.Errorf("max_attempts = %d, want 3", got)
		}
	})

	t.Run("package defaults when hints are empty", func(t *testing.T) {
		g := &graph.Graph{
			ID:    "g-defaults",
			Tasks: []graph.Task{newTask("a", 3, true)},
		}
		store := newMemStore()
		run, err := New(store, nil).Run(context.Background(), g, newFakeExecutor(0), Options{})
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if run.MaxParallelAgents != graph.DefaultMaxParallelAgents {
			t.Errorf("max_parallel_agents = %d, want default %d", run.MaxParallelAgents, graph.DefaultMaxParallelAgents)
		}
		if run.RetryLimit != 0 {
			t.Errorf("retry_limit = %d, want explicit 0 honored", run.RetryLimit)
		}
	})

	t.Run("zero budget floors to one attempt", func(t *testing.T) {
		g := &graph.Graph{
			ID: "g-floor",
			Tasks: []graph.Task{{
				ID:             "a",
				Title:          "a",
				Priority:       3,
				Parallelizable: true,
			}},
		}
		store := newMemStore()
		run, err := New(store, nil).Run(context.Background(), g, newFakeExecutor(0), Options{MaxParallelAgents: 1, RetryLimit: 4})
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if got := run.Tasks["a"].MaxAttempts; got != 1 {
			t.Errorf("max_attempts = %d, want floor of 1", got)
		}
	})

	t.Run("explicit run id preserved", func(t *testing.T) {
		g := &graph.Graph{
			ID:    "g-runid",
			Tasks: []graph.Task{newTask("a", 3, true)},
		}
		store := newMemStore()
		run, err := New(store, nil).Run(context.Background(), g, newFakeExecutor(0), Options{MaxParallelAgents: 1, RunID: "run-fixed"})
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if run.ID != "run-fixed" {
			t.Errorf("run id = %q, want run-fixed", run.ID)
		}
	})

	t.Run("missing run id minted", func(t *testing.T) {
		g := &graph.Graph{
			ID:    "g-mint",
			Tasks: []graph.Task{newTask("a", 3, true)},
		}
		store := newMemStore()
		run, err := New(store, nil).Run(context.Background(), g, newFakeExecutor(0), Options{MaxParallelAgents: 1})
		if err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
		if len(run.ID) != 36 {
			t.Errorf("run id = %q, want a generated UUID", run.ID)
		}
	})
}

func TestRunRejectsBadInput(t *testing.T) {
	tests := []struct {
		name        string
		graph       *graph.Graph
		executor    TaskExecutor
		opts        Options
		errContains string
	}{
		{
			name:        "nil executor",
			graph:       &graph.Graph{ID: "g", Tasks: []graph.Task{newTask("a", 3, true)}},
			executor:    nil,
			errContains: "executor is required",
		},
		{
			name:        "negative parallelism",
			graph:       &graph.Graph{ID: "g", Tasks: []graph.Task{newTask("a", 3, true)}},
			executor:    newFakeExecutor(0),
			opts:        Options{MaxParallelAgents: -1},
			errContains: "max_parallel_agents",
		},
		{
			name:        "empty graph",
			graph:       &graph.Graph{ID: "g-empty"},
			executor:    newFakeExecutor(0),
			errContains: "invalid graph",
		},
		{
			name: "cyclic graph",
			graph: &graph.Graph{
				ID:           "g-cycle",
				Tasks:        []graph.Task{newTask("a", 3, true), newTask("b", 3, true)},
				Dependencies: []graph.Dependency{hard("a", "b"), hard("b", "a")},
			},
			executor:    newFakeExecutor(0),
			errContains: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(newMemStore(), nil).Run(context.Background(), tt.graph, tt.executor, tt.opts)
			if err == nil {
				t.Fatal("Run() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Run() error = %q, want it to mention %q", err, tt.errContains)
			}
		})
	}
}

func TestRunPublishesToBus(t *testing.T) {
	g := &graph.Graph{
		ID:    "g-bus",
		Tasks: []graph.Task{newTask("a", 3, true)},
	}

	bus := events.NewBus()
	defer bus.Close()
	feed := bus.SubscribeAll(32)

	store := newMemStore()
	run, err := New(store, bus).Run(context.Background(), g, newFakeExecutor(0), Options{MaxParallelAgents: 1})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	seen := make(map[events.EventType]int)
drain:
	for {
		select {
		case ev := <-feed:
			if ev.RunID == run.ID {
				seen[ev.Type]++
			}
		default:
			break drain
		}
	}
	for _, want := range []events.EventType{
		events.EventRunStarted,
		events.EventTaskStarted,
		events.EventTaskFinished,
		events.EventRunFinished,
	} {
		if seen[want] == 0 {
			t.Errorf("bus never saw %s", want)
		}
	}
}
