package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stray/manyworlds/internal/scheduler"
)

// RunSummary is the listing row for a run: enough to render a table
// without loading the full task-state snapshot.
type RunSummary struct {
	ID         string              `json:"run_id"`
	GraphID    string              `json:"graph_id"`
	Status     scheduler.RunStatus `json:"status"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	TaskCount  int                 `json:"task_count"`
	DoneCount  int                 `json:"done_count"`
}

// SaveRun upserts the run row plus one task_states row per task, all
// in one transaction. The full run state is also stored as a JSON
// snapshot so a run can be reloaded without reassembly.
func (s *Store) SaveRun(ctx context.Context, run *scheduler.RunState) error {
	if run == nil {
		return fmt.Errorf("run is required")
	}
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to serialize run %s: %w", run.ID, err)
	}

	ctx, cancel := callCtx(ctx)
	defer cancel()

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (id, graph_id, status, max_parallel_agents, retry_limit, error, started_at, finished_at, state, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				graph_id = excluded.graph_id,
				status = excluded.status,
				max_parallel_agents = excluded.max_parallel_agents,
				retry_limit = excluded.retry_limit,
				error = excluded.error,
				finished_at = excluded.finished_at,
				state = excluded.state,
				updated_at = excluded.updated_at
		`, run.ID, run.GraphID, string(run.Status), run.MaxParallelAgents, run.RetryLimit, run.Error,
			timeString(run.StartedAt), timePtrString(run.FinishedAt), string(snapshot), timeString(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to upsert run %s: %w", run.ID, err)
		}

		for taskID, st := range run.Tasks {
			var exitCode any
			if st.LastExitCode != nil {
				exitCode = *st.LastExitCode
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_states (run_id, task_id, status, attempts, max_attempts, last_error, last_exit_code, last_started_at, last_finished_at, blocked_by, blocked_reason)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(run_id, task_id) DO UPDATE SET
					status = excluded.status,
					attempts = excluded.attempts,
					max_attempts = excluded.max_attempts,
					last_error = excluded.last_error,
					last_exit_code = excluded.last_exit_code,
					last_started_at = excluded.last_started_at,
					last_finished_at = excluded.last_finished_at,
					blocked_by = excluded.blocked_by,
					blocked_reason = excluded.blocked_reason
			`, run.ID, taskID, string(st.Status), st.Attempts, st.MaxAttempts, st.LastError, exitCode,
				timePtrString(st.LastStartedAt), timePtrString(st.LastFinishedAt),
				strings.Join(st.BlockedBy, ","), string(st.BlockedReason))
			if err != nil {
				return fmt.Errorf("failed to upsert task state %s/%s: %w", run.ID, taskID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// Run loads the full run state snapshot.
func (s *Store) Run(ctx context.Context, runID string) (*scheduler.RunState, error) {
	ctx, cancel := callCtx(ctx)
	defer cancel()

	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?`, runID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}

	run := &scheduler.RunState{}
	if err := json.Unmarshal([]byte(snapshot), run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return run, nil
}

// LatestRun returns the most recently started run, or ErrNotFound when
// no run exists yet.
func (s *Store) LatestRun(ctx context.Context) (*scheduler.RunState, error) {
	ctx, cancel := callCtx(ctx)
	defer cancel()

	var snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM runs ORDER BY started_at DESC, id DESC LIMIT 1
	`).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}

	run := &scheduler.RunState{}
	if err := json.Unmarshal([]byte(snapshot), run); err != nil {
		return nil, fmt.Errorf("failed to decode latest run: %w", err)
	}
	return run, nil
}

// ListRuns returns run summaries, most recent first. limit <= 0 means
// no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	ctx, cancel := callCtx(ctx)
	defer cancel()

	query := `
		SELECT r.id, r.graph_id, r.status, r.error, r.started_at, r.finished_at,
			(SELECT COUNT(*) FROM task_states ts WHERE ts.run_id = r.id),
			(SELECT COUNT(*) FROM task_states ts WHERE ts.run_id = r.id AND ts.status = 'done')
		FROM runs r
		ORDER BY r.started_at DESC, r.id DESC
	`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var rs RunSummary
		var errStr sql.NullString
		var startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&rs.ID, &rs.GraphID, &rs.Status, &errStr, &startedAt, &finishedAt, &rs.TaskCount, &rs.DoneCount); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		rs.Error = errStr.String
		if rs.StartedAt, err = parseTimeString(startedAt); err != nil {
			return nil, err
		}
		if rs.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return summaries, nil
}
