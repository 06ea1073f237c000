package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stray/manyworlds/internal/persistence"
	"github.com/stray/manyworlds/internal/tui"
	"github.com/stray/manyworlds/internal/worlds"
)

func cmdKickoff(ctx context.Context, args []string) error {
	fs := newFlagSet("kickoff", "manyworlds kickoff [flags] <intent...>")
	count := fs.Int("count", 0, "number of worlds to provision (default: config)")
	fromRef := fs.String("from", "", "start ref for the worlds (default: base branch)")
	interactive := fs.Bool("interactive", false, "review and pick strategies in a form")
	var strategyArgs stringsFlag
	fs.Var(&strategyArgs, "strategy", "explicit strategy as name or name::notes (repeatable)")
	var acceptance stringsFlag
	fs.Var(&acceptance, "accept", "acceptance criterion recorded in each world (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	intent := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if intent == "" {
		fs.Usage()
		return fmt.Errorf("kickoff needs an intent")
	}
	explicit, err := parseStrategyArgs(strategyArgs)
	if err != nil {
		return err
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if len(explicit) == 0 {
		explicit = app.configStrategies()
	}
	opts := worlds.KickoffOptions{
		Count:              *count,
		FromRef:            *fromRef,
		Strategies:         explicit,
		AcceptanceCriteria: acceptance,
	}
	if *interactive {
		proposeCount := *count
		if proposeCount <= 0 {
			proposeCount = app.cfg.DefaultWorldCount
		}
		proposed, err := worlds.ChooseStrategies(intent, proposeCount, explicit)
		if err != nil {
			return err
		}
		chosen, err := tui.PickStrategies(intent, proposed)
		if err != nil {
			return err
		}
		opts.Strategies = chosen
		opts.Count = len(chosen)
	}

	bp, provisioned, err := app.manager.Kickoff(ctx, intent, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Branchpoint %s (%s @ %.8s)\n", bp.ID, bp.BaseBranch, bp.BaseCommit)
	for _, w := range provisioned {
		fmt.Printf("  %d. %-24s %s\n", w.Index, w.Name, w.Worktree)
	}
	fmt.Println("Run the worlds with: manyworlds run")
	return nil
}

func parseStrategyArgs(raw []string) ([]worlds.Strategy, error) {
	out := make([]worlds.Strategy, 0, len(raw))
	for _, arg := range raw {
		s, err := worlds.ParseStrategyArg(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func cmdSelect(ctx context.Context, args []string) error {
	fs := newFlagSet("select", "manyworlds select [flags] <world>")
	bpID := fs.String("branchpoint", "", "branchpoint id (default: latest)")
	merge := fs.Bool("merge", false, "merge the world's branch into the target branch")
	target := fs.String("target", "", "merge target branch (default: the branchpoint's base branch)")
	cleanup := fs.Bool("cleanup", false, "remove the losing worlds' worktrees and branches")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("select takes exactly one world (id, slug, name, or branch)")
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	w, err := app.manager.Select(ctx, fs.Arg(0), worlds.SelectOptions{
		BranchpointID: *bpID,
		Merge:         *merge,
		TargetBranch:  *target,
		Cleanup:       *cleanup,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Selected world %s (%s)\n", w.Name, w.ID)
	if *merge {
		fmt.Printf("Merged %s\n", w.Branch)
	}
	if *cleanup {
		fmt.Println("Removed the losing worlds' worktrees and branches")
	}
	return nil
}

func cmdRefork(ctx context.Context, args []string) error {
	fs := newFlagSet("refork", "manyworlds refork [flags] <world> [intent...]")
	bpID := fs.String("branchpoint", "", "branchpoint id (default: latest)")
	count := fs.Int("count", 0, "number of worlds to provision (default: config)")
	var strategyArgs stringsFlag
	fs.Var(&strategyArgs, "strategy", "explicit strategy as name or name::notes (repeatable)")
	var acceptance stringsFlag
	fs.Var(&acceptance, "accept", "acceptance criterion recorded in each world (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("refork needs a parent world")
	}
	token := fs.Arg(0)
	intent := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
	explicit, err := parseStrategyArgs(strategyArgs)
	if err != nil {
		return err
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	bp, provisioned, err := app.manager.Refork(ctx, *bpID, token, intent, worlds.KickoffOptions{
		Count:              *count,
		Strategies:         explicit,
		AcceptanceCriteria: acceptance,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Branchpoint %s forked off world %s\n", bp.ID, bp.ParentWorld)
	for _, w := range provisioned {
		fmt.Printf("  %d. %-24s %s\n", w.Index, w.Name, w.Worktree)
	}
	fmt.Println("Run the worlds with: manyworlds run")
	return nil
}

func cmdReport(ctx context.Context, args []string) error {
	fs := newFlagSet("report", "manyworlds report [--branchpoint <id>]")
	bpID := fs.String("branchpoint", "", "branchpoint id (default: latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	bp, err := app.manager.ResolveBranchpoint(ctx, *bpID)
	if err != nil {
		return err
	}
	reportPath, err := app.manager.WriteReport(ctx, bp)
	if err != nil {
		return err
	}
	playPath, err := app.manager.WritePlaybook(ctx, bp)
	if err != nil {
		return err
	}
	fmt.Printf("Report:   %s\nPlaybook: %s\n", reportPath, playPath)
	return nil
}

func cmdList(ctx context.Context, args []string) error {
	fs := newFlagSet("list", "manyworlds list [flags] [branchpoints|runs|graphs]")
	limit := fs.Int("limit", 20, "max runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	section := ""
	if fs.NArg() > 0 {
		section = fs.Arg(0)
	}
	switch section {
	case "", "branchpoints", "runs", "graphs":
	default:
		fs.Usage()
		return fmt.Errorf("unknown listing %q", section)
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if section == "" || section == "branchpoints" {
		if err := listBranchpoints(ctx, app); err != nil {
			return err
		}
	}
	if section == "" || section == "runs" {
		if err := listRuns(ctx, app, *limit); err != nil {
			return err
		}
	}
	if section == "" || section == "graphs" {
		if err := listGraphs(ctx, app); err != nil {
			return err
		}
	}
	return nil
}

func listBranchpoints(ctx context.Context, app *appEnv) error {
	bps, err := app.store.ListBranchpoints(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Branchpoints (%d):\n", len(bps))
	for _, bp := range bps {
		ws, err := app.store.WorldsForBranchpoint(ctx, bp.ID)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("  %s  %d worlds", bp.ID, len(ws))
		if bp.RunID != "" {
			line += "  run " + bp.RunID
		}
		fmt.Println(line)
		fmt.Printf("      %s\n", truncate(bp.Intent, 70))
	}
	return nil
}

func listRuns(ctx context.Context, app *appEnv, limit int) error {
	runs, err := app.store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Printf("Runs (%d):\n", len(runs))
	for _, r := range runs {
		fmt.Printf("  %s  %-10s %d/%d done  started %s\n",
			r.ID, r.Status, r.DoneCount, r.TaskCount,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func listGraphs(ctx context.Context, app *appEnv) error {
	graphs, err := app.store.ListGraphs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Graphs (%d):\n", len(graphs))
	for _, g := range graphs {
		fmt.Printf("  %s  %d tasks  created %s\n",
			g.ID, g.TaskCount, g.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func cmdStatus(ctx context.Context, args []string) error {
	fs := newFlagSet("status", "manyworlds status [--run <id>]")
	runID := fs.String("run", "", "run id (default: latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	run, err := loadRun(ctx, app, *runID)
	if err != nil {
		return err
	}
	g, err := app.store.Graph(ctx, run.GraphID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	fmt.Printf("Run %s  %s  graph %s\n", run.ID, run.Status, run.GraphID)
	fmt.Printf("Started %s", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if run.FinishedAt != nil {
		fmt.Printf("  finished %s (%.0fs)",
			run.FinishedAt.Local().Format("15:04:05"),
			run.FinishedAt.Sub(run.StartedAt).Seconds())
	}
	fmt.Println()
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}

	fmt.Println()
	for _, id := range sortedTaskIDs(run) {
		ts := run.Tasks[id]
		title := ""
		if g != nil {
			if task, ok := g.TaskByID(id); ok && task.Title != "" {
				title = "  " + task.Title
			}
		}
		line := fmt.Sprintf("  %-8s %d/%d  %s%s", ts.Status, ts.Attempts, ts.MaxAttempts, id, title)
		if ts.LastError != "" {
			line += "  (" + truncate(ts.LastError, 60) + ")"
		}
		fmt.Println(line)
	}
	return nil
}
