package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stray/manyworlds/internal/config"
	"github.com/stray/manyworlds/internal/executor"
	"github.com/stray/manyworlds/internal/graph"
	"github.com/stray/manyworlds/internal/runtime"
)

func cmdInit(args []string) error {
	fs := newFlagSet("init", "manyworlds init [--global] [--force] [--agent <flavor>]")
	global := fs.Bool("global", false, "write the global config under the home directory")
	force := fs.Bool("force", false, "overwrite an existing config file")
	agentFlavor := fs.String("agent", "", "seed agent.command for a known agent CLI (claude, codex, goose)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if *agentFlavor != "" {
		command, err := executor.DefaultAgentCommand(*agentFlavor)
		if err != nil {
			return err
		}
		cfg.Agent.Command = command
	}

	path := filepath.Join(config.GlobalDirName, config.ConfigFileName)
	if *global {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		path = filepath.Join(home, config.GlobalDirName, config.ConfigFileName)
	}
	if err := config.Write(cfg, path, *force); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	if cfg.Agent.Command == "" {
		fmt.Println("Set agent.command before running worlds; see the config for placeholders.")
	}
	return nil
}

func cmdCompile(ctx context.Context, args []string) error {
	fs := newFlagSet("compile", "manyworlds compile [--graph] <plan.json>")
	asGraph := fs.Bool("graph", false, "treat the file as an already-compiled graph document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("compile takes exactly one file")
	}
	path := fs.Arg(0)

	var g *graph.Graph
	if *asGraph {
		loaded, err := graph.Load(path)
		if err != nil {
			return err
		}
		g = loaded
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read plan file: %w", err)
		}
		compiled, err := graph.CompilePlan(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		g = compiled
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.store.SaveGraph(ctx, g); err != nil {
		return err
	}
	fmt.Printf("Compiled graph %s (%d tasks, %d dependencies)\n", g.ID, len(g.Tasks), len(g.Dependencies))
	fmt.Printf("Run it with: manyworlds run --graph %s\n", g.ID)
	return nil
}

func cmdTaskAction(ctx context.Context, action runtime.Action, args []string) error {
	fs := newFlagSet(string(action), fmt.Sprintf("manyworlds %s <task-id>", action))
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("%s takes exactly one task id", action)
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	res, err := app.controller.ApplyTaskAction(ctx, fs.Arg(0), action)
	if err != nil {
		return err
	}
	target := "queued; the owning runner applies it on its next poll"
	if res.AppliedToActive {
		target = "delivered to the live process"
	}
	fmt.Printf("%s %s: %s (status %s)\n", res.Action, res.TaskID, target, res.Control.Status)
	return nil
}

func cmdSteer(ctx context.Context, args []string) error {
	fs := newFlagSet("steer", "manyworlds steer [flags] <task-id>")
	comment := fs.String("comment", "", "guidance for the task's next attempt")
	patch := fs.String("patch", "", "text appended verbatim to the next attempt's prompt")
	author := fs.String("author", "", "author recorded on the comment (default: $USER)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("steer takes exactly one task id")
	}
	if *comment == "" && *patch == "" {
		return fmt.Errorf("steer needs --comment or --patch")
	}

	app, err := newAppEnv(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	who := *author
	if who == "" {
		who = os.Getenv("USER")
	}
	sc, err := app.controller.AddSteering(ctx, fs.Arg(0), who, *comment, *patch)
	if err != nil {
		return err
	}
	fmt.Printf("Steering %s recorded for task %s; the next attempt picks it up\n", sc.ID, sc.TaskID)
	return nil
}
