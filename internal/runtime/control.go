package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stray/manyworlds/internal/events"
)

// Action is an operator intervention on a single task.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionStop   Action = "stop"
)

const (
	// DefaultStopGrace is how long a stop request waits between SIGTERM
	// and the forced SIGKILL.
	DefaultStopGrace = 3 * time.Second

	// DefaultSteeringLimit bounds steering listings when the caller does
	// not ask for a specific window.
	DefaultSteeringLimit = 20
)

// TaskControl is the durable operator-control record for one task. It
// is keyed by task id and outlives individual runs, so a pause
// requested while no process is live lands on the next attempt.
// Status uses the task-status vocabulary: pending, running, paused,
// stopped, done, failed.
type TaskControl struct {
	TaskID         string     `json:"task_id"`
	Status         string     `json:"status"`
	PauseRequested bool       `json:"pause_requested"`
	StopRequested  bool       `json:"stop_requested"`
	ActivePhase    string     `json:"active_phase,omitempty"`
	Attempt        int        `json:"attempt"`
	LastAction     string     `json:"last_action,omitempty"`
	LastActionAt   *time.Time `json:"last_action_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SteeringComment is mid-flight operator guidance for a task. The
// comment is folded into the next attempt's prompt; the prompt patch is
// appended verbatim after it.
type SteeringComment struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Author      string    `json:"author"`
	Comment     string    `json:"comment,omitempty"`
	PromptPatch string    `json:"prompt_patch,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Runtime is a point-in-time snapshot of a registered live process.
type Runtime struct {
	RunID           string
	Phase           string
	Attempt         int
	Paused          bool
	StopRequested   bool
	StopRequestedAt time.Time
}

// ActionResult reports what an operator action did.
type ActionResult struct {
	TaskID          string       `json:"task_id"`
	Action          Action       `json:"action"`
	AppliedToActive bool         `json:"applied_to_active"`
	Control         *TaskControl `json:"control"`
}

// ControlStore persists control records, steering comments, and the
// run event log entries control actions produce.
type ControlStore interface {
	TaskControl(ctx context.Context, taskID string) (*TaskControl, error)
	SaveTaskControl(ctx context.Context, control *TaskControl) error
	AddSteeringComment(ctx context.Context, comment *SteeringComment) error
	SteeringComments(ctx context.Context, taskID string, limit int) ([]SteeringComment, int, error)
	AppendEvent(ctx context.Context, runID, taskID string, eventType events.EventType, payload any) (events.Event, error)
}

// Controller tracks live task processes and applies operator actions
// to them. The mutex guards the registry and serializes control-record
// writes so a signal never races a concurrent status change.
type Controller struct {
	mu     sync.Mutex
	store  ControlStore
	bus    *events.Bus
	active map[string]*activeProcess
}

type activeProcess struct {
	runID           string
	pid             int
	phase           string
	attempt         int
	paused          bool
	stopRequested   bool
	stopRequestedAt time.Time
}

// NewController creates a controller. The bus is optional.
func NewController(store ControlStore, bus *events.Bus) *Controller {
	if store == nil {
		panic("runtime: control store is required")
	}
	return &Controller{
		store:  store,
		bus:    bus,
		active: make(map[string]*activeProcess),
	}
}

func defaultControl(taskID string) *TaskControl {
	return &TaskControl{
		TaskID:    taskID,
		Status:    "pending",
		UpdatedAt: time.Now().UTC(),
	}
}

// Control returns the durable control record for a task, creating the
// default pending record on first access.
func (c *Controller) Control(ctx context.Context, taskID string) (*TaskControl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlLocked(ctx, taskID)
}

func (c *Controller) controlLocked(ctx context.Context, taskID string) (*TaskControl, error) {
	control, err := c.store.TaskControl(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load control for task %s: %w", taskID, err)
	}
	if control == nil {
		control = defaultControl(taskID)
		if err := c.store.SaveTaskControl(ctx, control); err != nil {
			return nil, fmt.Errorf("failed to save control for task %s: %w", taskID, err)
		}
	}
	return control, nil
}

func (c *Controller) saveLocked(ctx context.Context, control *TaskControl) error {
	control.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveTaskControl(ctx, control); err != nil {
		return fmt.Errorf("failed to save control for task %s: %w", control.TaskID, err)
	}
	return nil
}

// RegisterActiveProcess records a just-started process for the task
// and marks the control record running. A durable pause request left
// from an earlier attempt is honored immediately with SIGSTOP.
func (c *Controller) RegisterActiveProcess(ctx context.Context, runID, taskID, phase string, attempt, pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	control, err := c.controlLocked(ctx, taskID)
	if err != nil {
		return err
	}
	control.Status = "running"
	control.ActivePhase = phase
	if attempt > control.Attempt {
		control.Attempt = attempt
	}
	control.StopRequested = false
	now := time.Now().UTC()
	control.LastAction = "start"
	control.LastActionAt = &now

	entry := &activeProcess{
		runID:   runID,
		pid:     pid,
		phase:   phase,
		attempt: control.Attempt,
	}
	c.active[taskID] = entry

	if control.PauseRequested {
		if signalGroup(pid, syscall.SIGSTOP) {
			entry.paused = true
			control.Status = "paused"
		}
	}

	if err := c.saveLocked(ctx, control); err != nil {
		delete(c.active, taskID)
		return err
	}
	c.emitControl(ctx, entry.runID, taskID, events.EventTaskControl, map[string]any{
		"action":  "start",
		"phase":   phase,
		"attempt": control.Attempt,
		"status":  control.Status,
	})
	return nil
}

// ActiveRuntime returns a snapshot of the registered process for the
// task, if any.
func (c *Controller) ActiveRuntime(taskID string) (Runtime, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.active[taskID]
	if entry == nil {
		return Runtime{}, false
	}
	return runtimeView(entry), true
}

func runtimeView(entry *activeProcess) Runtime {
	return Runtime{
		RunID:           entry.runID,
		Phase:           entry.phase,
		Attempt:         entry.attempt,
		Paused:          entry.paused,
		StopRequested:   entry.stopRequested,
		StopRequestedAt: entry.stopRequestedAt,
	}
}

// SyncActiveWithControl reconciles the live process against the durable
// control record, so requests queued by another process sharing the
// store land mid-attempt. Same-process actions are signalled directly
// by ApplyTaskAction, which leaves this a plain read in the common
// case. The returned snapshot reflects the post-reconcile state.
func (c *Controller) SyncActiveWithControl(ctx context.Context, taskID string) (Runtime, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.active[taskID]
	if entry == nil {
		return Runtime{}, false
	}

	control, err := c.store.TaskControl(ctx, taskID)
	if err != nil {
		log.Printf("WARNING: failed to read control for task %s: %v", taskID, err)
	}
	if control != nil {
		c.reconcileLocked(ctx, taskID, entry, control)
	}
	return runtimeView(entry), true
}

// reconcileLocked applies the delta between the durable record and the
// registry entry. Stop wins over a pause queued after it.
func (c *Controller) reconcileLocked(ctx context.Context, taskID string, entry *activeProcess, control *TaskControl) {
	switch {
	case control.StopRequested && !entry.stopRequested:
		if entry.paused {
			signalGroup(entry.pid, syscall.SIGCONT)
			entry.paused = false
		}
		if signalGroup(entry.pid, syscall.SIGTERM) {
			entry.stopRequested = true
			entry.stopRequestedAt = time.Now().UTC()
			c.emitControl(ctx, entry.runID, taskID, events.EventTaskControl, map[string]any{
				"action":            string(ActionStop),
				"applied_to_active": true,
				"status":            control.Status,
			})
		}

	case control.PauseRequested && !entry.paused && !entry.stopRequested:
		if signalGroup(entry.pid, syscall.SIGSTOP) {
			entry.paused = true
			control.Status = "paused"
			if err := c.saveLocked(ctx, control); err != nil {
				log.Printf("WARNING: %v", err)
			}
			c.emitControl(ctx, entry.runID, taskID, events.EventTaskControl, map[string]any{
				"action":            string(ActionPause),
				"applied_to_active": true,
				"status":            control.Status,
			})
		}

	case !control.PauseRequested && entry.paused:
		if signalGroup(entry.pid, syscall.SIGCONT) {
			entry.paused = false
			control.Status = "running"
			if err := c.saveLocked(ctx, control); err != nil {
				log.Printf("WARNING: %v", err)
			}
			c.emitControl(ctx, entry.runID, taskID, events.EventTaskControl, map[string]any{
				"action":            string(ActionResume),
				"applied_to_active": true,
				"status":            control.Status,
			})
		}
	}
}

// ApplyTaskAction mutates the durable control record and signals the
// live process group when one is registered. Repeating an action is
// safe. The result reports whether a live process was signalled.
func (c *Controller) ApplyTaskAction(ctx context.Context, taskID string, action Action) (*ActionResult, error) {
	switch action {
	case ActionPause, ActionResume, ActionStop:
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	control, err := c.controlLocked(ctx, taskID)
	if err != nil {
		return nil, err
	}
	entry := c.active[taskID]
	applied := false
	now := time.Now().UTC()

	switch action {
	case ActionPause:
		control.PauseRequested = true
		control.Status = "paused"
		if entry != nil && !entry.paused {
			if signalGroup(entry.pid, syscall.SIGSTOP) {
				applied = true
				entry.paused = true
			}
		}

	case ActionResume:
		control.PauseRequested = false
		if entry != nil && entry.paused {
			if signalGroup(entry.pid, syscall.SIGCONT) {
				applied = true
				entry.paused = false
				control.Status = "running"
			}
		} else if control.Status == "paused" {
			control.Status = "pending"
		}

	case ActionStop:
		control.StopRequested = true
		control.PauseRequested = false
		control.Status = "stopped"
		if entry != nil {
			// A stopped group never sees SIGTERM, so resume it first.
			if entry.paused {
				signalGroup(entry.pid, syscall.SIGCONT)
				entry.paused = false
			}
			if signalGroup(entry.pid, syscall.SIGTERM) {
				applied = true
				entry.stopRequested = true
				entry.stopRequestedAt = now
			}
		}
	}

	control.LastAction = string(action)
	control.LastActionAt = &now
	if err := c.saveLocked(ctx, control); err != nil {
		return nil, err
	}

	runID := ""
	if entry != nil {
		runID = entry.runID
	}
	c.emitControl(ctx, runID, taskID, events.EventTaskControl, map[string]any{
		"action":            string(action),
		"applied_to_active": applied,
		"status":            control.Status,
	})
	return &ActionResult{
		TaskID:          taskID,
		Action:          action,
		AppliedToActive: applied,
		Control:         control,
	}, nil
}

// FinishActiveProcess removes the registry entry and resolves the
// durable control status: stopped if a stop was requested, done on a
// clean zero exit, failed otherwise. The returned control is valid
// even when persisting it failed.
func (c *Controller) FinishActiveProcess(ctx context.Context, taskID string, exitCode *int, errMsg string) (*TaskControl, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	control, err := c.controlLocked(ctx, taskID)
	if err != nil {
		return nil, err
	}
	entry := c.active[taskID]
	delete(c.active, taskID)

	stopped := control.StopRequested || (entry != nil && entry.stopRequested)
	switch {
	case stopped:
		control.Status = "stopped"
	case exitCode != nil && *exitCode == 0 && errMsg == "":
		control.Status = "done"
	default:
		control.Status = "failed"
	}
	control.ActivePhase = ""
	control.PauseRequested = false
	control.StopRequested = false
	now := time.Now().UTC()
	control.LastAction = "finish"
	control.LastActionAt = &now

	if err := c.saveLocked(ctx, control); err != nil {
		return control, err
	}
	runID := ""
	if entry != nil {
		runID = entry.runID
	}
	c.emitControl(ctx, runID, taskID, events.EventTaskControl, map[string]any{
		"action": "finish",
		"status": control.Status,
	})
	return control, nil
}

// ForceKillIfStopRequested delivers SIGKILL to the task's process
// group once a stop request is older than the grace period. Returns
// true when the kill was sent.
func (c *Controller) ForceKillIfStopRequested(taskID string, grace time.Duration) bool {
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	c.mu.Lock()
	var pid int
	if entry := c.active[taskID]; entry != nil &&
		entry.stopRequested &&
		!entry.stopRequestedAt.IsZero() &&
		time.Since(entry.stopRequestedAt) >= grace {
		pid = entry.pid
	}
	c.mu.Unlock()

	if pid == 0 {
		return false
	}
	return signalGroup(pid, syscall.SIGKILL)
}

// KillAllActive delivers SIGKILL to every registered process group and
// clears the registry. Shutdown path: the run context is already
// cancelled, so this only reaps groups that outlived their SIGTERM
// grace. SIGKILL lands even on SIGSTOPped groups. Returns how many
// groups were signalled.
func (c *Controller) KillAllActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	killed := 0
	for taskID, entry := range c.active {
		// A false return means the group is already gone, which is the
		// normal case this late in shutdown.
		if signalGroup(entry.pid, syscall.SIGKILL) {
			killed++
		}
		delete(c.active, taskID)
	}
	return killed
}

// AddSteering appends a steering comment for the task. At least one of
// comment and promptPatch must be non-empty.
func (c *Controller) AddSteering(ctx context.Context, taskID, author, comment, promptPatch string) (*SteeringComment, error) {
	comment = strings.TrimSpace(comment)
	promptPatch = strings.TrimSpace(promptPatch)
	if comment == "" && promptPatch == "" {
		return nil, fmt.Errorf("comment or prompt_patch is required")
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = "operator"
	}

	sc := &SteeringComment{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Author:      author,
		Comment:     comment,
		PromptPatch: promptPatch,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.AddSteeringComment(ctx, sc); err != nil {
		return nil, fmt.Errorf("failed to save steering comment for task %s: %w", taskID, err)
	}

	c.mu.Lock()
	runID := ""
	if entry := c.active[taskID]; entry != nil {
		runID = entry.runID
	}
	c.mu.Unlock()
	c.emitControl(ctx, runID, taskID, events.EventSteeringAdded, map[string]any{
		"steering_id":  sc.ID,
		"author":       sc.Author,
		"comment":      sc.Comment,
		"prompt_patch": sc.PromptPatch,
	})
	return sc, nil
}

// Steering lists the most recent steering comments for the task along
// with the total count on record.
func (c *Controller) Steering(ctx context.Context, taskID string, limit int) ([]SteeringComment, int, error) {
	if limit <= 0 {
		limit = DefaultSteeringLimit
	}
	return c.store.SteeringComments(ctx, taskID, limit)
}

// emitControl records the event durably when the task belongs to a
// live run, and mirrors it onto the bus. Control actions on idle tasks
// have no run to log against, so those go to the bus only; the durable
// TaskControl row already captures the request.
func (c *Controller) emitControl(ctx context.Context, runID, taskID string, eventType events.EventType, payload map[string]any) {
	if runID != "" {
		ev, err := c.store.AppendEvent(ctx, runID, taskID, eventType, payload)
		if err == nil {
			if c.bus != nil {
				c.bus.Publish(ev)
			}
			return
		}
		log.Printf("WARNING: failed to record %s event for task %s: %v", eventType, taskID, err)
	}
	if c.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.bus.Publish(events.Event{
		RunID:     runID,
		TaskID:    taskID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
}
