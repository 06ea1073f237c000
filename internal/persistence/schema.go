package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS graphs (
		id TEXT PRIMARY KEY,
		plan_sha256 TEXT,
		task_count INTEGER NOT NULL,
		spec TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		status TEXT NOT NULL,
		max_parallel_agents INTEGER NOT NULL,
		retry_limit INTEGER NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

	CREATE TABLE IF NOT EXISTS task_states (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		last_error TEXT,
		last_exit_code INTEGER,
		last_started_at TEXT,
		last_finished_at TEXT,
		blocked_by TEXT,
		blocked_reason TEXT NOT NULL,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_events (
		run_id TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		task_id TEXT,
		event_type TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (run_id, event_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_controls (
		task_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		pause_requested INTEGER NOT NULL DEFAULT 0,
		stop_requested INTEGER NOT NULL DEFAULT 0,
		active_phase TEXT,
		attempt INTEGER NOT NULL DEFAULT 0,
		last_action TEXT,
		last_action_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steering_comments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		task_id TEXT NOT NULL,
		author TEXT NOT NULL,
		comment TEXT,
		prompt_patch TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_steering_comments_task ON steering_comments(task_id, seq);

	CREATE TABLE IF NOT EXISTS branchpoints (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		intent TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		base_commit TEXT NOT NULL,
		parent_world TEXT,
		run_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS worlds (
		id TEXT PRIMARY KEY,
		branchpoint_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		notes TEXT,
		branch TEXT NOT NULL,
		worktree TEXT NOT NULL,
		status TEXT NOT NULL,
		selected INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (branchpoint_id) REFERENCES branchpoints(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_worlds_branchpoint ON worlds(branchpoint_id);

	CREATE TABLE IF NOT EXISTS task_results (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		phase TEXT NOT NULL,
		exit_code INTEGER,
		duration_sec REAL NOT NULL,
		log_path TEXT,
		error TEXT,
		timed_out INTEGER NOT NULL DEFAULT 0,
		cancelled INTEGER NOT NULL DEFAULT 0,
		files_changed INTEGER NOT NULL DEFAULT 0,
		lines_added INTEGER NOT NULL DEFAULT 0,
		lines_deleted INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (run_id, task_id, attempt, phase)
	);

	CREATE INDEX IF NOT EXISTS idx_task_results_run ON task_results(run_id, task_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
