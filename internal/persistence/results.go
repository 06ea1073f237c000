package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stray/manyworlds/internal/executor"
)

// SaveAttempt records one phase attempt for a task. Re-saving the same
// (run, task, attempt, phase) replaces the row, so a crashed run that
// replays its last attempt does not duplicate history.
func (s *Store) SaveAttempt(ctx context.Context, rec *executor.AttemptRecord) error {
	if rec == nil {
		return fmt.Errorf("attempt record is nil")
	}
	if rec.RunID == "" || rec.TaskID == "" {
		return fmt.Errorf("attempt record needs run_id and task_id")
	}
	cctx, cancel := callCtx(ctx)
	defer cancel()

	return withRetry(cctx, func() error {
		_, err := s.db.ExecContext(cctx, `
			INSERT INTO task_results (
				run_id, task_id, attempt, phase, exit_code, duration_sec,
				log_path, error, timed_out, cancelled,
				files_changed, lines_added, lines_deleted, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, task_id, attempt, phase) DO UPDATE SET
				exit_code = excluded.exit_code,
				duration_sec = excluded.duration_sec,
				log_path = excluded.log_path,
				error = excluded.error,
				timed_out = excluded.timed_out,
				cancelled = excluded.cancelled,
				files_changed = excluded.files_changed,
				lines_added = excluded.lines_added,
				lines_deleted = excluded.lines_deleted,
				created_at = excluded.created_at
		`,
			rec.RunID, rec.TaskID, rec.Attempt, rec.Phase,
			intPtrValue(rec.ExitCode), rec.DurationSec,
			rec.LogPath, rec.Error, boolInt(rec.TimedOut), boolInt(rec.Cancelled),
			rec.Diff.FilesChanged, rec.Diff.LinesAdded, rec.Diff.LinesDeleted,
			timeString(rec.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save attempt record: %w", err)
		}
		return nil
	})
}

// AttemptsForRun returns every recorded phase attempt for a run in
// insertion order.
func (s *Store) AttemptsForRun(ctx context.Context, runID string) ([]executor.AttemptRecord, error) {
	cctx, cancel := callCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(cctx, `
		SELECT run_id, task_id, attempt, phase, exit_code, duration_sec,
		       log_path, error, timed_out, cancelled,
		       files_changed, lines_added, lines_deleted, created_at
		FROM task_results
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// AttemptsForTask returns the recorded phase attempts for one task of a
// run in insertion order.
func (s *Store) AttemptsForTask(ctx context.Context, runID, taskID string) ([]executor.AttemptRecord, error) {
	cctx, cancel := callCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(cctx, `
		SELECT run_id, task_id, attempt, phase, exit_code, duration_sec,
		       log_path, error, timed_out, cancelled,
		       files_changed, lines_added, lines_deleted, created_at
		FROM task_results
		WHERE run_id = ? AND task_id = ?
		ORDER BY seq
	`, runID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts for task %s: %w", taskID, err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]executor.AttemptRecord, error) {
	var out []executor.AttemptRecord
	for rows.Next() {
		var rec executor.AttemptRecord
		var exitCode sql.NullInt64
		var timedOut, cancelled int
		var createdAt string
		if err := rows.Scan(
			&rec.RunID, &rec.TaskID, &rec.Attempt, &rec.Phase,
			&exitCode, &rec.DurationSec,
			&rec.LogPath, &rec.Error, &timedOut, &cancelled,
			&rec.Diff.FilesChanged, &rec.Diff.LinesAdded, &rec.Diff.LinesDeleted,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attempt record: %w", err)
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			rec.ExitCode = &v
		}
		rec.TimedOut = timedOut != 0
		rec.Cancelled = cancelled != 0
		if t, err := parseTimeString(createdAt); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempt records: %w", err)
	}
	return out, nil
}

func intPtrValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
