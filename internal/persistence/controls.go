package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stray/manyworlds/internal/runtime"
)

// TaskControl loads the durable control record for a task. Returns
// (nil, nil) when no record exists yet; the controller creates the
// default on first touch.
func (s *Store) TaskControl(ctx context.Context, taskID string) (*runtime.TaskControl, error) {
	ctx, cancel := callCtx(ctx)
	defer cancel()

	control := &runtime.TaskControl{TaskID: taskID}
	var pauseRequested, stopRequested int
	var activePhase, lastAction sql.NullString
	var lastActionAt sql.NullString
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT status, pause_requested, stop_requested, active_phase, attempt, last_action, last_action_at, updated_at
		FROM task_controls
		WHERE task_id = ?
	`, taskID).Scan(&control.Status, &pauseRequested, &stopRequested, &activePhase,
		&control.Attempt, &lastAction, &lastActionAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query control for task %s: %w", taskID, err)
	}

	control.PauseRequested = pauseRequested != 0
	control.StopRequested = stopRequested != 0
	control.ActivePhase = activePhase.String
	control.LastAction = lastAction.String
	if control.LastActionAt, err = parseTimePtr(lastActionAt); err != nil {
		return nil, err
	}
	if control.UpdatedAt, err = parseTimeString(updatedAt); err != nil {
		return nil, err
	}
	return control, nil
}

// SaveTaskControl upserts the control record. The row is keyed by task
// id alone so the record survives across runs.
func (s *Store) SaveTaskControl(ctx context.Context, control *runtime.TaskControl) error {
	if control == nil {
		return fmt.Errorf("control is required")
	}
	if control.TaskID == "" {
		return fmt.Errorf("task id is required")
	}

	ctx, cancel := callCtx(ctx)
	defer cancel()

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_controls (task_id, status, pause_requested, stop_requested, active_phase, attempt, last_action, last_action_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				status = excluded.status,
				pause_requested = excluded.pause_requested,
				stop_requested = excluded.stop_requested,
				active_phase = excluded.active_phase,
				attempt = excluded.attempt,
				last_action = excluded.last_action,
				last_action_at = excluded.last_action_at,
				updated_at = excluded.updated_at
		`, control.TaskID, control.Status, boolInt(control.PauseRequested), boolInt(control.StopRequested),
			control.ActivePhase, control.Attempt, control.LastAction, timePtrString(control.LastActionAt),
			timeString(control.UpdatedAt), timeString(control.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert control for task %s: %w", control.TaskID, err)
		}
		return nil
	})
}

// AddSteeringComment appends a steering comment. Validation happens in
// the controller; the store only rejects rows with no task id.
func (s *Store) AddSteeringComment(ctx context.Context, comment *runtime.SteeringComment) error {
	if comment == nil {
		return fmt.Errorf("comment is required")
	}
	if comment.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	if comment.ID == "" {
		return fmt.Errorf("comment id is required")
	}

	ctx, cancel := callCtx(ctx)
	defer cancel()

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO steering_comments (id, task_id, author, comment, prompt_patch, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, comment.ID, comment.TaskID, comment.Author, comment.Comment, comment.PromptPatch, timeString(comment.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert steering comment for task %s: %w", comment.TaskID, err)
		}
		return nil
	})
}

// SteeringComments returns the most recent limit comments for the task
// in insertion order, plus the total number on record.
func (s *Store) SteeringComments(ctx context.Context, taskID string, limit int) ([]runtime.SteeringComment, int, error) {
	if limit <= 0 {
		limit = runtime.DefaultSteeringLimit
	}

	ctx, cancel := callCtx(ctx)
	defer cancel()

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM steering_comments WHERE task_id = ?
	`, taskID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count steering comments for task %s: %w", taskID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, comment, prompt_patch, created_at FROM (
			SELECT seq, id, author, comment, prompt_patch, created_at
			FROM steering_comments
			WHERE task_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq
	`, taskID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query steering comments for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var comments []runtime.SteeringComment
	for rows.Next() {
		sc := runtime.SteeringComment{TaskID: taskID}
		var comment, patch sql.NullString
		var createdAt string
		if err := rows.Scan(&sc.ID, &sc.Author, &comment, &patch, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan steering comment: %w", err)
		}
		sc.Comment = comment.String
		sc.PromptPatch = patch.String
		if sc.CreatedAt, err = parseTimeString(createdAt); err != nil {
			return nil, 0, err
		}
		comments = append(comments, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating steering comments: %w", err)
	}
	return comments, total, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
