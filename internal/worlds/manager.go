package worlds

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stray/manyworlds/internal/events"
	"github.com/stray/manyworlds/internal/executor"
	"github.com/stray/manyworlds/internal/graph"
	"github.com/stray/manyworlds/internal/scheduler"
)

// ManagerOptions configure the pipeline. Zero values fall back to the
// usual defaults; WorldsDir has no default because it must point
// outside the repository.
type ManagerOptions struct {
	BranchPrefix      string
	WorldsDir         string
	BaseBranch        string
	MetadataRoot      string
	DefaultWorldCount int
}

// Manager runs the branchpoint pipeline against one repository.
type Manager struct {
	repo  *Repo
	store Store
	bus   *events.Bus
	opts  ManagerOptions
}

// NewManager wires the pipeline. The bus is optional; with one,
// kickoff publishes branchpoint_created and world_provisioned events
// for live consumers.
func NewManager(repo *Repo, store Store, bus *events.Bus, opts ManagerOptions) *Manager {
	if repo == nil {
		panic("worlds: repo is required")
	}
	if store == nil {
		panic("worlds: store is required")
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "mw"
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.DefaultWorldCount <= 0 {
		opts.DefaultWorldCount = DefaultWorldCount
	}
	if opts.MetadataRoot == "" {
		opts.MetadataRoot = filepath.Join(repo.Root, ".manyworlds")
	}
	return &Manager{repo: repo, store: store, bus: bus, opts: opts}
}

// KickoffOptions tune one kickoff. All fields are optional.
type KickoffOptions struct {
	Count              int
	FromRef            string
	Strategies         []Strategy
	AcceptanceCriteria []string
	ParentWorld        string
}

// Kickoff creates a branchpoint for the intent and provisions one
// world (branch + worktree + notes scaffold) per strategy.
func (m *Manager) Kickoff(ctx context.Context, intent string, opts KickoffOptions) (*Branchpoint, []World, error) {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return nil, nil, fmt.Errorf("intent cannot be empty")
	}
	if !m.repo.CommitExists(m.opts.BaseBranch) {
		return nil, nil, fmt.Errorf("base branch %q is missing or has no commits; create an initial commit before kickoff", m.opts.BaseBranch)
	}

	startRef, err := m.repo.ResolveStartRef(m.opts.BaseBranch, opts.FromRef)
	if err != nil {
		return nil, nil, err
	}
	baseCommit, err := m.repo.ResolveCommit(startRef)
	if err != nil {
		return nil, nil, err
	}
	worldsRoot, err := m.repo.EnsureWorldsDir(m.opts.WorldsDir)
	if err != nil {
		return nil, nil, err
	}

	count := opts.Count
	if count <= 0 {
		count = m.opts.DefaultWorldCount
	}
	strategies, err := ChooseStrategies(intent, count, opts.Strategies)
	if err != nil {
		return nil, nil, err
	}

	if err := m.repo.Prune(); err != nil {
		log.Printf("WARNING: %v", err)
	}

	now := time.Now().UTC()
	bpID := NewBranchpointID(intent, now, func(id string) bool {
		existing, err := m.store.Branchpoint(ctx, id)
		return err == nil && existing != nil
	})
	bp := &Branchpoint{
		ID:          bpID,
		Slug:        Slugify(intent),
		Intent:      intent,
		BaseBranch:  m.opts.BaseBranch,
		BaseCommit:  baseCommit,
		ParentWorld: opts.ParentWorld,
		CreatedAt:   now,
	}

	// The branchpoint row must exist before its worlds reference it.
	if err := m.store.SaveBranchpoint(ctx, bp); err != nil {
		return nil, nil, fmt.Errorf("failed to save branchpoint: %w", err)
	}
	m.publish(events.EventBranchpointCreated, "", map[string]string{
		"branchpoint_id": bp.ID,
		"intent":         bp.Intent,
		"base_commit":    bp.BaseCommit,
	})

	worlds := make([]World, 0, len(strategies))
	for i, strat := range strategies {
		index := i + 1
		slug := Slugify(strat.Name)
		w := World{
			ID:            WorldID(bpID, index, slug),
			BranchpointID: bpID,
			Index:         index,
			Name:          strat.Name,
			Slug:          slug,
			Notes:         strat.Notes,
			Branch:        WorldBranch(m.opts.BranchPrefix, bpID, index, slug),
			Worktree:      WorldWorktree(worldsRoot, bpID, index, slug),
			Status:        WorldReady,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := m.repo.AddWorktree(w.Branch, startRef, w.Worktree); err != nil {
			return nil, nil, fmt.Errorf("failed to provision world %s: %w", w.ID, err)
		}
		if err := writeWorldNotes(bp, &w, opts.AcceptanceCriteria); err != nil {
			log.Printf("WARNING: failed to write world notes for %s: %v", w.ID, err)
		}
		if err := m.store.SaveWorld(ctx, &w); err != nil {
			return nil, nil, fmt.Errorf("failed to save world %s: %w", w.ID, err)
		}
		worlds = append(worlds, w)
		m.publish(events.EventWorldProvisioned, w.ID, map[string]string{
			"world_id": w.ID,
			"branch":   w.Branch,
			"worktree": w.Worktree,
		})
	}
	return bp, worlds, nil
}

// writeWorldNotes drops a scaffold into the worktree so whoever opens
// it can tell which experiment they are looking at and what "done"
// means for it.
func writeWorldNotes(bp *Branchpoint, w *World, acceptance []string) error {
	metaDir := filepath.Join(w.Worktree, ".manyworlds")
	if err := os.MkdirAll(metaDir, 0755); err != nil {
		return err
	}
	notes := w.Notes
	if notes == "" {
		notes = "(none)"
	}
	var b strings.Builder
	fmt.Fprintf(&b,
		"# World: %s\n\n- Branchpoint: `%s`\n- Intent: %s\n- Branch: `%s`\n- Worktree: `%s`\n- Created: %s\n\n## Strategy\n\n%s\n",
		w.Name, bp.ID, bp.Intent, w.Branch, w.Worktree, w.CreatedAt.Format(time.RFC3339), notes,
	)
	if len(acceptance) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, item := range acceptance {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	return os.WriteFile(filepath.Join(metaDir, "WORLD_NOTES.md"), []byte(b.String()), 0644)
}

// BuildRunGraph compiles the single-wave graph for a branchpoint: one
// task per world, no dependencies, earlier strategies at higher
// priority so they dispatch first under a constrained pool.
func (m *Manager) BuildRunGraph(bp *Branchpoint, worlds []World, acceptance []string) (*graph.Graph, error) {
	if len(worlds) == 0 {
		return nil, fmt.Errorf("branchpoint %s has no worlds", bp.ID)
	}
	plan := graph.Plan{ID: "worlds-" + bp.ID}
	for _, w := range worlds {
		payload, err := json.Marshal(executor.WorldPayload{
			BranchpointID:      bp.ID,
			WorldID:            w.ID,
			WorldName:          w.Name,
			Strategy:           w.Name,
			Notes:              w.Notes,
			Branch:             w.Branch,
			Worktree:           w.Worktree,
			BaseRef:            bp.BaseCommit,
			Intent:             bp.Intent,
			AcceptanceCriteria: acceptance,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build payload for world %s: %w", w.ID, err)
		}
		plan.Tasks = append(plan.Tasks, graph.PlanTask{
			ID:       w.ID,
			Title:    fmt.Sprintf("%02d %s", w.Index, w.Name),
			Priority: worldPriority(w.Index),
			Size:     "L",
			Payload:  payload,
		})
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode world plan: %w", err)
	}
	return graph.CompilePlan(data)
}

func worldPriority(index int) string {
	switch index {
	case 1:
		return "high"
	case 2:
		return "medium"
	default:
		return "low"
	}
}

// ApplyRunState classifies each world from its task's final state and
// records the run on the branchpoint. Worlds whose task never finished
// are skipped, spawn failures (no exit code) are errors, nonzero exits
// are fails.
func (m *Manager) ApplyRunState(ctx context.Context, bp *Branchpoint, run *scheduler.RunState) ([]World, error) {
	worlds, err := m.store.WorldsForBranchpoint(ctx, bp.ID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range worlds {
		ts, ok := run.Tasks[worlds[i].ID]
		if !ok {
			continue
		}
		worlds[i].Status = classifyOutcome(ts)
		worlds[i].UpdatedAt = now
		if err := m.store.SaveWorld(ctx, &worlds[i]); err != nil {
			return nil, fmt.Errorf("failed to update world %s: %w", worlds[i].ID, err)
		}
	}
	bp.RunID = run.ID
	if err := m.store.SaveBranchpoint(ctx, bp); err != nil {
		return nil, fmt.Errorf("failed to update branchpoint: %w", err)
	}
	return worlds, nil
}

func classifyOutcome(ts *scheduler.TaskState) WorldStatus {
	switch ts.Status {
	case scheduler.TaskDone:
		return WorldPass
	case scheduler.TaskFailed:
		if ts.LastExitCode == nil {
			return WorldError
		}
		return WorldFail
	default:
		// pending, blocked, paused, running at shutdown, stopped
		return WorldSkipped
	}
}

// MarkRunning flags the branchpoint's worlds as running before the
// scheduler takes over.
func (m *Manager) MarkRunning(ctx context.Context, worlds []World) error {
	now := time.Now().UTC()
	for i := range worlds {
		worlds[i].Status = WorldRunning
		worlds[i].UpdatedAt = now
		if err := m.store.SaveWorld(ctx, &worlds[i]); err != nil {
			return fmt.Errorf("failed to update world %s: %w", worlds[i].ID, err)
		}
	}
	return nil
}

// ResolveBranchpoint loads an explicit branchpoint, or the most recent
// one when id is empty.
func (m *Manager) ResolveBranchpoint(ctx context.Context, id string) (*Branchpoint, error) {
	if id != "" {
		bp, err := m.store.Branchpoint(ctx, id)
		if err != nil {
			return nil, err
		}
		if bp == nil {
			return nil, fmt.Errorf("branchpoint not found: %s", id)
		}
		return bp, nil
	}
	bp, err := m.store.LatestBranchpoint(ctx)
	if err != nil {
		return nil, err
	}
	if bp == nil {
		return nil, fmt.Errorf("no branchpoint found; run kickoff first")
	}
	return bp, nil
}

// Worlds returns the branchpoint's worlds in index order.
func (m *Manager) Worlds(ctx context.Context, bp *Branchpoint) ([]World, error) {
	return m.store.WorldsForBranchpoint(ctx, bp.ID)
}

// SelectOptions tune a world selection.
type SelectOptions struct {
	BranchpointID string
	Merge         bool
	TargetBranch  string
	Cleanup       bool
}

// Select marks one world as the chosen outcome of its branchpoint.
// With Merge, the world branch lands on the target branch via --no-ff
// after a clean-tree check and a merge-tree conflict prediction. With
// Cleanup, the losing worlds' worktrees and branches are removed.
func (m *Manager) Select(ctx context.Context, token string, opts SelectOptions) (*World, error) {
	bp, err := m.ResolveBranchpoint(ctx, opts.BranchpointID)
	if err != nil {
		return nil, err
	}
	worlds, err := m.store.WorldsForBranchpoint(ctx, bp.ID)
	if err != nil {
		return nil, err
	}

	var selected *World
	for i := range worlds {
		if worlds[i].Matches(token) {
			selected = &worlds[i]
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("world not found in branchpoint %s: %s", bp.ID, token)
	}

	now := time.Now().UTC()
	for i := range worlds {
		isChosen := worlds[i].ID == selected.ID
		if worlds[i].Selected == isChosen {
			continue
		}
		worlds[i].Selected = isChosen
		worlds[i].UpdatedAt = now
		if err := m.store.SaveWorld(ctx, &worlds[i]); err != nil {
			return nil, fmt.Errorf("failed to update world %s: %w", worlds[i].ID, err)
		}
	}

	if opts.Merge {
		target := opts.TargetBranch
		if target == "" {
			target = bp.BaseBranch
		}
		if !m.repo.CleanTree() {
			return nil, fmt.Errorf("repository has local changes; commit or stash before merging")
		}
		conflicts, err := m.repo.PredictConflicts(target, selected.Branch)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			return nil, fmt.Errorf("merging %s into %s would conflict in: %s", selected.Branch, target, strings.Join(conflicts, ", "))
		}
		if err := m.repo.Merge(target, selected.Branch); err != nil {
			return nil, err
		}
	}

	if opts.Cleanup {
		for i := range worlds {
			if worlds[i].ID == selected.ID {
				continue
			}
			if err := m.repo.RemoveWorktree(worlds[i].Worktree); err != nil {
				log.Printf("WARNING: %v", err)
			}
			if err := m.repo.DeleteBranch(worlds[i].Branch); err != nil {
				log.Printf("WARNING: %v", err)
			}
		}
		if err := m.repo.Prune(); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}
	return selected, nil
}

// Refork forks a fresh branchpoint off an existing world's branch,
// recording the provenance. The new worlds explore a follow-up intent
// on top of the work the parent world already did.
func (m *Manager) Refork(ctx context.Context, branchpointID, token, intent string, opts KickoffOptions) (*Branchpoint, []World, error) {
	bp, err := m.ResolveBranchpoint(ctx, branchpointID)
	if err != nil {
		return nil, nil, err
	}
	worlds, err := m.store.WorldsForBranchpoint(ctx, bp.ID)
	if err != nil {
		return nil, nil, err
	}
	var parent *World
	for i := range worlds {
		if worlds[i].Matches(token) {
			parent = &worlds[i]
			break
		}
	}
	if parent == nil {
		return nil, nil, fmt.Errorf("world not found in branchpoint %s: %s", bp.ID, token)
	}
	if intent == "" {
		intent = bp.Intent
	}
	opts.FromRef = parent.Branch
	opts.ParentWorld = parent.ID
	return m.Kickoff(ctx, intent, opts)
}

// MetadataDir is where a branchpoint's reports live.
func (m *Manager) MetadataDir(bp *Branchpoint) string {
	return filepath.Join(m.opts.MetadataRoot, "branchpoints", bp.ID)
}

func (m *Manager) publish(eventType events.EventType, taskID string, payload map[string]string) {
	if m.bus == nil {
		return
	}
	data, _ := json.Marshal(payload)
	m.bus.Publish(events.Event{
		TaskID:    taskID,
		Type:      eventType,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	})
}
