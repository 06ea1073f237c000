package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stray/manyworlds/internal/events"
)

// DefaultEventPage bounds EventsSince when the caller passes no limit.
const DefaultEventPage = 500

// AppendEvent allocates the next event id for the run and inserts the
// event, both inside one serializable transaction. Ids start at 1 and
// are strictly increasing with no gaps, even under concurrent writers:
// two appenders racing for the same id serialize on the transaction,
// and the loser retries on the busy error.
func (s *Store) AppendEvent(ctx context.Context, runID, taskID string, eventType events.EventType, payload any) (events.Event, error) {
	if runID == "" {
		return events.Event{}, fmt.Errorf("run id is required")
	}
	if eventType == "" {
		return events.Event{}, fmt.Errorf("event type is required")
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return events.Event{}, fmt.Errorf("failed to serialize payload for %s: %w", eventType, err)
		}
		raw = encoded
	}

	ctx, cancel := callCtx(ctx)
	defer cancel()

	ev := events.Event{
		RunID:     runID,
		TaskID:    taskID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}

	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		var lastID int64
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(event_id), 0) FROM run_events WHERE run_id = ?
		`, runID).Scan(&lastID)
		if err != nil {
			return fmt.Errorf("failed to read last event id for run %s: %w", runID, err)
		}
		ev.ID = lastID + 1

		var task any
		if taskID != "" {
			task = taskID
		}
		var body any
		if raw != nil {
			body = string(raw)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, event_id, task_id, event_type, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, runID, ev.ID, task, string(eventType), body, timeString(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert event %d for run %s: %w", ev.ID, runID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// EventsSince replays events with event_id > afterID in order. Pass
// afterID 0 to replay from the beginning. limit <= 0 uses
// DefaultEventPage.
func (s *Store) EventsSince(ctx context.Context, runID string, afterID int64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = DefaultEventPage
	}

	ctx, cancel := callCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, payload, created_at
		FROM run_events
		WHERE run_id = ? AND event_id > ?
		ORDER BY event_id
		LIMIT ?
	`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		ev := events.Event{RunID: runID}
		var taskID, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &taskID, &ev.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.TaskID = taskID.String
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		if ev.CreatedAt, err = parseTimeString(createdAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// LatestEventID returns the highest event id recorded for the run, or
// zero when the run has no events.
func (s *Store) LatestEventID(ctx context.Context, runID string) (int64, error) {
	ctx, cancel := callCtx(ctx)
	defer cancel()

	var lastID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(event_id), 0) FROM run_events WHERE run_id = ?
	`, runID).Scan(&lastID)
	if err != nil {
		return 0, fmt.Errorf("failed to read last event id for run %s: %w", runID, err)
	}
	return lastID, nil
}
