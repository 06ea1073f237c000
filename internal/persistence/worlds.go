package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stray/manyworlds/internal/worlds"
)

// SaveBranchpoint upserts a branchpoint record.
func (s *Store) SaveBranchpoint(ctx context.Context, bp *worlds.Branchpoint) error {
	if bp == nil || bp.ID == "" {
		return fmt.Errorf("branchpoint needs an id")
	}
	cctx, cancel := callCtx(ctx)
	defer cancel()

	return withRetry(cctx, func() error {
		_, err := s.db.ExecContext(cctx, `
			INSERT INTO branchpoints (id, slug, intent, base_branch, base_commit, parent_world, run_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				slug = excluded.slug,
				intent = excluded.intent,
				base_branch = excluded.base_branch,
				base_commit = excluded.base_commit,
				parent_world = excluded.parent_world,
				run_id = excluded.run_id
		`, bp.ID, bp.Slug, bp.Intent, bp.BaseBranch, bp.BaseCommit,
			nullString(bp.ParentWorld), nullString(bp.RunID), timeString(bp.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to save branchpoint %s: %w", bp.ID, err)
		}
		return nil
	})
}

// Branchpoint loads one branchpoint, (nil, nil) when absent.
func (s *Store) Branchpoint(ctx context.Context, id string) (*worlds.Branchpoint, error) {
	cctx, cancel := callCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(cctx, `
		SELECT id, slug, intent, base_branch, base_commit, parent_world, run_id, created_at
		FROM branchpoints WHERE id = ?
	`, id)
	bp, err := scanBranchpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load branchpoint %s: %w", id, err)
	}
	return bp, nil
}

// LatestBranchpoint returns the most recently created branchpoint,
// (nil, nil) when none exist.
func (s *Store) LatestBranchpoint(ctx context.Context) (*worlds.Branchpoint, error) {
	cctx, cancel := callCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(cctx, `
		SELECT id, slug, intent, base_branch, base_commit, parent_world, run_id, created_at
		FROM branchpoints ORDER BY created_at DESC, id DESC LIMIT 1
	`)
	bp, err := scanBranchpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest branchpoint: %w", err)
	}
	return bp, nil
}

// ListBranchpoints returns all branchpoints, newest first.
func (s *Store) ListBranchpoints(ctx context.Context) ([]worlds.Branchpoint, error) {
	cctx, cancel := callCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(cctx, `
		SELECT id, slug, intent, base_branch, base_commit, parent_world, run_id, created_at
		FROM branchpoints ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list branchpoints: %w", err)
	}
	defer rows.Close()

	var out []worlds.Branchpoint
	for rows.Next() {
		bp, err := scanBranchpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branchpoint: %w", err)
		}
		out = append(out, *bp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate branchpoints: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranchpoint(row rowScanner) (*worlds.Branchpoint, error) {
	var bp worlds.Branchpoint
	var parentWorld, runID sql.NullString
	var createdAt string
	if err := row.Scan(&bp.ID, &bp.Slug, &bp.Intent, &bp.BaseBranch, &bp.BaseCommit,
		&parentWorld, &runID, &createdAt); err != nil {
		return nil, err
	}
	bp.ParentWorld = parentWorld.String
	bp.RunID = runID.String
	if t, err := parseTimeString(createdAt); err == nil {
		bp.CreatedAt = t
	}
	return &bp, nil
}

// SaveWorld upserts a world record.
func (s *Store) SaveWorld(ctx context.Context, w *worlds.World) error {
	if w == nil || w.ID == "" {
		return fmt.Errorf("world needs an id")
	}
	cctx, cancel := callCtx(ctx)
	defer cancel()

	return withRetry(cctx, func() error {
		_, err := s.db.ExecContext(cctx, `
			INSERT INTO worlds (id, branchpoint_id, idx, name, slug, notes, branch, worktree,
				status, selected, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				selected = excluded.selected,
				notes = excluded.notes,
				updated_at = excluded.updated_at
		`, w.ID, w.BranchpointID, w.Index, w.Name, w.Slug, w.Notes, w.Branch, w.Worktree,
			string(w.Status), boolInt(w.Selected), timeString(w.CreatedAt), timeString(w.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to save world %s: %w", w.ID, err)
		}
		return nil
	})
}

// World loads one world, (nil, nil) when absent.
func (s *Store) World(ctx context.Context, id string) (*worlds.World, error) {
	cctx, cancel := callCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(cctx, `
		SELECT id, branchpoint_id, idx, name, slug, notes, branch, worktree,
		       status, selected, created_at, updated_at
		FROM worlds WHERE id = ?
	`, id)
	w, err := scanWorld(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load world %s: %w", id, err)
	}
	return w, nil
}

// WorldsForBranchpoint returns a branchpoint's worlds in index order.
func (s *Store) WorldsForBranchpoint(ctx context.Context, branchpointID string) ([]worlds.World, error) {
	cctx, cancel := callCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(cctx, `
		SELECT id, branchpoint_id, idx, name, slug, notes, branch, worktree,
		       status, selected, created_at, updated_at
		FROM worlds WHERE branchpoint_id = ? ORDER BY idx
	`, branchpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to list worlds for %s: %w", branchpointID, err)
	}
	defer rows.Close()

	var out []worlds.World
	for rows.Next() {
		w, err := scanWorld(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan world: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate worlds: %w", err)
	}
	return out, nil
}

func scanWorld(row rowScanner) (*worlds.World, error) {
	var w worlds.World
	var notes sql.NullString
	var status string
	var selected int
	var createdAt, updatedAt string
	if err := row.Scan(&w.ID, &w.BranchpointID, &w.Index, &w.Name, &w.Slug, &notes,
		&w.Branch, &w.Worktree, &status, &selected, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.Notes = notes.String
	w.Status = worlds.WorldStatus(status)
	w.Selected = selected != 0
	if t, err := parseTimeString(createdAt); err == nil {
		w.CreatedAt = t
	}
	if t, err := parseTimeString(updatedAt); err == nil {
		w.UpdatedAt = t
	}
	return &w, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
