package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"time"

	"github.com/stray/manyworlds/internal/config"
	"github.com/stray/manyworlds/internal/events"
	"github.com/stray/manyworlds/internal/executor"
	"github.com/stray/manyworlds/internal/persistence"
	"github.com/stray/manyworlds/internal/runtime"
	"github.com/stray/manyworlds/internal/scheduler"
	"github.com/stray/manyworlds/internal/worlds"
)

// appEnv is the shared plumbing behind every repo-bound command: the
// merged config, the repository, the store, and the control stack on
// top of them.
type appEnv struct {
	cfg        *config.Config
	repo       *worlds.Repo
	store      *persistence.Store
	bus        *events.Bus
	controller *runtime.Controller
	manager    *worlds.Manager
}

func newAppEnv(ctx context.Context) (*appEnv, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, err
	}
	repo, err := worlds.OpenRepo(".")
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewStore(ctx, cfg.DatabasePath(repo.Root))
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	controller := runtime.NewController(store, bus)
	manager := worlds.NewManager(repo, store, bus, worlds.ManagerOptions{
		BranchPrefix:      cfg.BranchPrefix,
		WorldsDir:         cfg.WorldsDir,
		BaseBranch:        cfg.BaseBranch,
		MetadataRoot:      filepath.Join(repo.Root, cfg.MetadataDir),
		DefaultWorldCount: cfg.DefaultWorldCount,
	})

	return &appEnv{
		cfg:        cfg,
		repo:       repo,
		store:      store,
		bus:        bus,
		controller: controller,
		manager:    manager,
	}, nil
}

func (a *appEnv) Close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		log.Printf("WARNING: closing store: %v", err)
	}
}

// worldExecutor assembles the task executor from the configured agent
// and verify commands.
func (a *appEnv) worldExecutor() *executor.WorldExecutor {
	runner := runtime.NewRunner(a.controller, a.bus)
	runner.PollInterval = time.Duration(a.cfg.Runtime.PollMS) * time.Millisecond
	grace := time.Duration(a.cfg.Runtime.GraceSec * float64(time.Second))
	runner.TerminateGrace = grace
	runner.StopGrace = grace

	return executor.NewWorldExecutor(runner, a.controller, a.store, executor.Options{
		AgentCommand:     a.cfg.Agent.Command,
		VerifyCommand:    a.cfg.Verify.Command,
		AgentTimeoutSec:  a.cfg.Agent.TimeoutSec,
		VerifyTimeoutSec: a.cfg.Verify.TimeoutSec,
		MetaDirName:      a.cfg.MetadataDir,
	})
}

// configStrategies maps the config's strategy presets into kickoff
// strategies.
func (a *appEnv) configStrategies() []worlds.Strategy {
	out := make([]worlds.Strategy, 0, len(a.cfg.Strategies))
	for _, s := range a.cfg.Strategies {
		out = append(out, worlds.Strategy{Name: s.Name, Notes: s.Notes})
	}
	return out
}

// loadRun fetches a run by id, or the most recent one when id is empty.
func loadRun(ctx context.Context, app *appEnv, runID string) (*scheduler.RunState, error) {
	if runID == "" {
		run, err := app.store.LatestRun(ctx)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("no runs recorded yet")
		}
		if err != nil {
			return nil, err
		}
		return run, nil
	}
	run, err := app.store.Run(ctx, runID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func sortedTaskIDs(run *scheduler.RunState) []string {
	ids := make([]string, 0, len(run.Tasks))
	for id := range run.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
