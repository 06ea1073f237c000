package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stray/manyworlds/internal/graph"
)

// GraphSummary is the listing row for a stored graph.
type GraphSummary struct {
	ID         string    `json:"graph_id"`
	PlanSHA256 string    `json:"plan_sha256,omitempty"`
	TaskCount  int       `json:"task_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// SaveGraph stores a compiled graph as its JSON form, keyed by graph
// id. Saving the same id again replaces the stored spec.
func (s *Store) SaveGraph(ctx context.Context, g *graph.Graph) error {
	if g == nil {
		return fmt.Errorf("graph is required")
	}
	if g.ID == "" {
		return fmt.Errorf("graph id is required")
	}

	spec, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to serialize graph %s: %w", g.ID, err)
	}

	ctx, cancel := callCtx(ctx)
	defer cancel()

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO graphs (id, plan_sha256, task_count, spec, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				plan_sha256 = excluded.plan_sha256,
				task_count = excluded.task_count,
				spec = excluded.spec
		`, g.ID, g.PlanSHA256, len(g.Tasks), string(spec), timeString(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to upsert graph %s: %w", g.ID, err)
		}
		return nil
	})
}

// Graph loads a stored graph and revalidates it, so the caller gets a
// graph that is ready for the scheduler.
func (s *Store) Graph(ctx context.Context, graphID string) (*graph.Graph, error) {
	ctx, cancel := callCtx(ctx)
	defer cancel()

	var spec string
	err := s.db.QueryRowContext(ctx, `SELECT spec FROM graphs WHERE id = ?`, graphID).Scan(&spec)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("graph %s: %w", graphID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query graph %s: %w", graphID, err)
	}

	g := &graph.Graph{}
	if err := json.Unmarshal([]byte(spec), g); err != nil {
		return nil, fmt.Errorf("failed to decode graph %s: %w", graphID, err)
	}
	if _, err := g.Validate(); err != nil {
		return nil, fmt.Errorf("stored graph %s is invalid: %w", graphID, err)
	}
	return g, nil
}

// ListGraphs returns stored graph summaries, most recent first.
func (s *Store) ListGraphs(ctx context.Context) ([]GraphSummary, error) {
	ctx, cancel := callCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_sha256, task_count, created_at
		FROM graphs
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query graphs: %w", err)
	}
	defer rows.Close()

	var summaries []GraphSummary
	for rows.Next() {
		var gs GraphSummary
		var sha sql.NullString
		var createdAt string
		if err := rows.Scan(&gs.ID, &sha, &gs.TaskCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan graph row: %w", err)
		}
		gs.PlanSHA256 = sha.String
		if gs.CreatedAt, err = parseTimeString(createdAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, gs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating graphs: %w", err)
	}
	return summaries, nil
}
