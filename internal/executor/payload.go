package executor

import (
	"encoding/json"
	"fmt"
)

// WorldPayload is the task payload carried by world tasks. The worlds
// pipeline writes it when it builds a branchpoint graph; the scheduler
// passes it through opaquely and the executor decodes it here.
type WorldPayload struct {
	BranchpointID      string   `json:"branchpoint_id"`
	WorldID            string   `json:"world_id"`
	WorldName          string   `json:"world_name"`
	Strategy           string   `json:"strategy"`
	Notes              string   `json:"notes,omitempty"`
	Branch             string   `json:"branch"`
	Worktree           string   `json:"worktree"`
	BaseRef            string   `json:"base_ref"`
	Intent             string   `json:"intent"`
	Objective          string   `json:"objective,omitempty"`
	Prompt             string   `json:"prompt,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// DecodeWorldPayload decodes and checks a world task payload. The
// worktree is the execution root, so a payload without one is useless.
func DecodeWorldPayload(raw json.RawMessage) (WorldPayload, error) {
	var p WorldPayload
	if len(raw) == 0 {
		return p, fmt.Errorf("payload is empty")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to decode payload: %w", err)
	}
	if p.Worktree == "" {
		return p, fmt.Errorf("payload has no worktree")
	}
	if p.WorldID == "" {
		return p, fmt.Errorf("payload has no world_id")
	}
	return p, nil
}
