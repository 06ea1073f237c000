package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/stray/manyworlds/internal/api"
	"github.com/stray/manyworlds/internal/graph"
	"github.com/stray/manyworlds/internal/persistence"
	"github.com/stray/manyworlds/internal/scheduler"
	"github.com/stray/manyworlds/internal/tui"
	"github.com/stray/manyworlds/internal/worlds"
)

func cmdRun(ctx context.Context, stop context.CancelFunc, args []string) error {
	fs := newFlagSet("run", "manyworlds run [flags]")
	graphID := fs.String("graph", "", "run a stored graph instead of a branchpoint")
	bpID := fs.String("branchpoint", "", "branchpoint id (default: latest)")
	watch := fs.Bool("watch", false, "attach the console for the duration of the run")
	maxParallel := fs.Int("max-parallel", 0, "max concurrent tasks (default: config)")
	retryLimit := fs.Int("retry-limit", -1, "extra attempts after a failure (default: config)")
	var acceptance stringsFlag
	fs.Var(&acceptance, "accept", "acceptance criterion for the world prompts (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *graphID != "" && *bpID != "" {
		return fmt.Errorf("--graph and --branchpoint are mutually exclusive")
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	var (
		g  *graph.Graph
		bp *worlds.Branchpoint
	)
	if *graphID != "" {
		g, err = app.store.Graph(ctx, *graphID)
		if err != nil {
			return err
		}
	} else {
		bp, err = app.manager.ResolveBranchpoint(ctx, *bpID)
		if err != nil {
			return err
		}
		ws, err := app.manager.Worlds(ctx, bp)
		if err != nil {
			return err
		}
		g, err = app.manager.BuildRunGraph(bp, ws, acceptance)
		if err != nil {
			return err
		}
		if err := app.store.SaveGraph(ctx, g); err != nil {
			return err
		}
		if err := app.manager.MarkRunning(ctx, ws); err != nil {
			return err
		}
	}

	opts := scheduler.Options{
		RunID:             uuid.NewString(),
		MaxParallelAgents: *maxParallel,
		RetryLimit:        *retryLimit,
	}
	if opts.MaxParallelAgents <= 0 {
		opts.MaxParallelAgents = app.cfg.Scheduler.MaxParallelAgents
	}
	if opts.RetryLimit < 0 {
		opts.RetryLimit = app.cfg.Scheduler.RetryLimit
	}

	sched := scheduler.New(app.store, app.bus)
	exec := app.worldExecutor()

	var (
		run    *scheduler.RunState
		runErr error
	)
	if *watch {
		run, runErr = runWithConsole(ctx, stop, app, sched, exec, g, opts)
	} else {
		log.Printf("Run %s started (%d tasks, %d slots)", opts.RunID, len(g.Tasks), opts.MaxParallelAgents)
		run, runErr = sched.Run(ctx, g, exec, opts)
	}

	// Normally empty by now; anything still registered outlived its
	// SIGTERM grace during shutdown.
	if killed := app.controller.KillAllActive(); killed > 0 {
		log.Printf("WARNING: killed %d process group(s) during shutdown", killed)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if run == nil {
		return runErr
	}

	// Post-run bookkeeping still has to land when a signal cancelled
	// the run context.
	finCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finCtx, cancel = context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
	}

	if bp != nil {
		if _, err := app.manager.ApplyRunState(finCtx, bp, run); err != nil {
			return err
		}
		reportPath, err := app.manager.WriteReport(finCtx, bp)
		if err != nil {
			return err
		}
		playPath, err := app.manager.WritePlaybook(finCtx, bp)
		if err != nil {
			return err
		}
		fmt.Printf("Report:   %s\nPlaybook: %s\n", reportPath, playPath)
	}

	printRunSummary(run)
	switch run.Status {
	case scheduler.RunFailed:
		return fmt.Errorf("run %s finished failed", run.ID)
	case scheduler.RunCancelled:
		return fmt.Errorf("run %s was cancelled", run.ID)
	}
	return nil
}

func printRunSummary(run *scheduler.RunState) {
	counts := run.StatusCounts()
	fmt.Printf("Run %s %s: %d done, %d failed, %d stopped of %d tasks\n",
		run.ID, run.Status,
		counts[scheduler.TaskDone], counts[scheduler.TaskFailed],
		counts[scheduler.TaskStopped], len(run.Tasks))
	if run.Error != "" {
		fmt.Printf("  %s\n", run.Error)
	}
}

// runWithConsole executes the run with the console attached. Quitting
// the console detaches it and the run keeps going headless; a signal
// tears both down with a bounded wait.
func runWithConsole(ctx context.Context, stop context.CancelFunc, app *appEnv, sched *scheduler.Scheduler, exec scheduler.TaskExecutor, g *graph.Graph, opts scheduler.Options) (*scheduler.RunState, error) {
	sub := app.bus.SubscribeAll(256)
	model := tui.New(tui.Options{
		RunID:      opts.RunID,
		Graph:      g,
		Controller: app.controller,
		Events:     sub,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	var (
		run    *scheduler.RunState
		runErr error
	)
	runCh := make(chan struct{})
	go func() {
		defer close(runCh)
		run, runErr = sched.Run(ctx, g, exec, opts)
	}()

	uiCh := make(chan error, 1)
	go func() {
		_, err := program.Run()
		uiCh <- err
	}()

	uiOpen := true
	runDone := false
	for uiOpen || !runDone {
		select {
		case err := <-uiCh:
			uiOpen = false
			if err != nil {
				log.Printf("WARNING: console error: %v", err)
			}
			if !runDone {
				log.Printf("Console detached; run %s continues (Ctrl+C to stop it)", opts.RunID)
			}
		case <-runCh:
			// The console stays up showing the final state until the
			// operator quits it.
			runDone = true
			runCh = nil
		case <-ctx.Done():
			stop()
			if uiOpen {
				program.Quit()
			}
			deadline := time.After(shutdownGrace)
			for uiOpen || !runDone {
				select {
				case <-uiCh:
					uiOpen = false
				case <-runCh:
					runDone = true
					runCh = nil
				case <-deadline:
					log.Println("Shutdown timeout exceeded; forcing exit")
					return nil, ctx.Err()
				}
			}
		}
	}
	return run, runErr
}

// runLauncher starts runs for the HTTP API in-process against the
// shared store and controller, so API-started runs answer to the same
// pause/resume/stop surface.
type runLauncher struct {
	ctx   context.Context
	sched *scheduler.Scheduler
	exec  scheduler.TaskExecutor
	wg    sync.WaitGroup
}

func (l *runLauncher) StartRun(g *graph.Graph, opts scheduler.Options) (string, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if _, err := l.sched.Run(l.ctx, g, l.exec, opts); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ERROR: run %s: %v", opts.RunID, err)
		}
	}()
	return opts.RunID, nil
}

func cmdServe(ctx context.Context, stop context.CancelFunc, args []string) error {
	fs := newFlagSet("serve", "manyworlds serve [--addr <host:port>]")
	addr := fs.String("addr", "", "listen address (default: config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = app.cfg.Server.Addr
	}

	launcher := &runLauncher{
		ctx:   ctx,
		sched: scheduler.New(app.store, app.bus),
		exec:  app.worldExecutor(),
	}
	srv := api.NewServer(listenAddr, app.cfg.Server.AuthToken, app.store, app.controller, launcher)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	log.Printf("Control API listening on %s", listenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	stop()
	log.Println("Shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARNING: server shutdown: %v", err)
	}

	// In-flight runs see the cancelled context and wind down through
	// their own SIGTERM-then-SIGKILL path.
	runsDone := make(chan struct{})
	go func() {
		launcher.wg.Wait()
		close(runsDone)
	}()
	select {
	case <-runsDone:
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout exceeded; forcing exit")
	}
	if killed := app.controller.KillAllActive(); killed > 0 {
		log.Printf("WARNING: killed %d process group(s) during shutdown", killed)
	}
	log.Println("Shutdown complete")
	return nil
}

func cmdWatch(ctx context.Context, stop context.CancelFunc, args []string) error {
	fs := newFlagSet("watch", "manyworlds watch [--run <id>]")
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

	// Events replay from the durable log. Control keys write through
	// the shared store; the process that owns the run applies them on
	// its next poll.
	eventCh := tui.Follow(ctx, app.store, run.ID, 0)
	model := tui.New(tui.Options{
		RunID:      run.ID,
		Graph:      g,
		Run:        run,
		Controller: app.controller,
		Events:     eventCh,
	})
	program := tea.NewProgram(model, tea.WithAltScreen())

	uiCh := make(chan error, 1)
	go func() {
		_, err := program.Run()
		uiCh <- err
	}()

	select {
	case err := <-uiCh:
		return err
	case <-ctx.Done():
		stop()
		program.Quit()
		select {
		case <-uiCh:
		case <-time.After(shutdownGrace):
			log.Println("Shutdown timeout exceeded; forcing exit")
		}
		return nil
	}
}
