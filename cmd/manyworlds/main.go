// Command manyworlds forks one intent into several candidate
// implementations ("worlds"), each on its own branch and git worktree,
// runs them in parallel under operator control, and helps you compare
// the outcomes and land a winner.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stray/manyworlds/internal/runtime"
)

// shutdownGrace bounds how long shutdown waits for the console and any
// in-flight runs before forcing the exit.
const shutdownGrace = 10 * time.Second

const rootUsage = `manyworlds runs one intent as several candidate implementations, each
in its own git worktree, and helps you pick a winner.

Usage:
  manyworlds <command> [flags] [args]

Worlds:
  kickoff <intent...>    Fork the intent into candidate worlds
  run                    Execute a branchpoint's worlds (or a stored graph)
  select <world>         Choose the winning world
  refork <world> [intent...]
                         Fork a follow-up branchpoint off a world
  report                 Write the comparison report and playbook

Runs:
  compile <plan.json>    Compile a plan file into a stored task graph
  status                 Show a run's task states
  list                   List branchpoints, runs, and graphs
  watch                  Attach the console to a run
  serve                  Serve the HTTP control API

Tasks:
  pause <task>           Pause a task's live process
  resume <task>          Resume a paused task
  stop <task>            Stop a task
  steer <task>           Steer a task's next attempt

Setup:
  init                   Write a default config file

Run "manyworlds <command> -h" for command flags.
`

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, rootUsage)
		os.Exit(2)
	}

	// The first Ctrl+C starts a graceful shutdown; after stop() the
	// second one falls through to the default handler and force-exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, stop, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "manyworlds: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, stop context.CancelFunc, name string, args []string) error {
	switch name {
	case "init":
		return cmdInit(args)
	case "compile":
		return cmdCompile(ctx, args)
	case "kickoff":
		return cmdKickoff(ctx, args)
	case "run":
		return cmdRun(ctx, stop, args)
	case "status":
		return cmdStatus(ctx, args)
	case "list":
		return cmdList(ctx, args)
	case "select":
		return cmdSelect(ctx, args)
	case "refork":
		return cmdRefork(ctx, args)
	case "report":
		return cmdReport(ctx, args)
	case "serve":
		return cmdServe(ctx, stop, args)
	case "watch":
		return cmdWatch(ctx, stop, args)
	case "pause":
		return cmdTaskAction(ctx, runtime.ActionPause, args)
	case "resume":
		return cmdTaskAction(ctx, runtime.ActionResume, args)
	case "stop":
		return cmdTaskAction(ctx, runtime.ActionStop, args)
	case "steer":
		return cmdSteer(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(rootUsage)
		return nil
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", name)
	}
}

func newFlagSet(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s\n\nFlags:\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

// stringsFlag collects a repeatable flag value.
type stringsFlag []string

func (s *stringsFlag) String() string { return strings.Join(*s, ", ") }

func (s *stringsFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
