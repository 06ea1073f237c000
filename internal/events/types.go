package events

import (
	"encoding/json"
	"time"
)

// EventType names every event the system emits.
type EventType string

const (
	EventRunStarted         EventType = "run_started"
	EventRunFinished        EventType = "run_finished"
	EventTaskStarted        EventType = "task_started"
	EventTaskFinished       EventType = "task_finished"
	EventTaskControl        EventType = "task_control"
	EventSteeringAdded      EventType = "steering_added"
	EventBranchpointCreated EventType = "branchpoint_created"
	EventWorldProvisioned   EventType = "world_provisioned"
	// EventTaskOutput streams process output lines to live consumers.
	// Bus-only; it never lands in the durable log.
	EventTaskOutput EventType = "task_output"
)

// Event is one entry of the per-run event log. IDs are allocated by
// the store: strictly increasing from 1 within a run, with no gaps.
// Bus-only events carry ID zero.
type Event struct {
	ID        int64           `json:"event_id"`
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// OutputLine builds a bus-only task_output event for one line of
// process output.
func OutputLine(runID, taskID, line string) Event {
	payload, _ := json.Marshal(map[string]string{"line": line})
	return Event{
		RunID:     runID,
		TaskID:    taskID,
		Type:      EventTaskOutput,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// PayloadString extracts a string field from the event payload, or ""
// when absent. Convenience for display layers; anything structural
// should decode the payload itself.
func (e Event) PayloadString(key string) string {
	if len(e.Payload) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(e.Payload, &fields); err != nil {
		return ""
	}
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}
