package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestSignalContextCancellation verifies that signal.NotifyContext
// produces a context that cancels when a signal arrives, which is what
// every long-running command's shutdown path hangs off.
func TestSignalContextCancellation(t *testing.T) {
	// SIGUSR1 is safe to deliver to the test process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("failed to send SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("context did not cancel after SIGUSR1")
	}
	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("ctx.Err() = %v, want context.Canceled", err)
	}
}

// TestShutdownTimeoutPattern exercises the bounded-wait shape the
// shutdown paths use: a deadline that fires when cleanup never
// finishes.
func TestShutdownTimeoutPattern(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	neverDone := make(chan struct{})
	start := time.Now()
	select {
	case <-neverDone:
		t.Fatal("unexpected receive")
	case <-ctx.Done():
		elapsed := time.Since(start)
		if elapsed < 50*time.Millisecond {
			t.Errorf("deadline fired too early: %v", elapsed)
		}
		if elapsed > 500*time.Millisecond {
			t.Errorf("deadline fired too late: %v", elapsed)
		}
	}
	if err := ctx.Err(); err != context.DeadlineExceeded {
		t.Errorf("ctx.Err() = %v, want context.DeadlineExceeded", err)
	}
}

func TestStringsFlag(t *testing.T) {
	var f stringsFlag
	for _, v := range []string{"a", "b", "c"} {
		if err := f.Set(v); err != nil {
			t.Fatalf("Set(%q) failed: %v", v, err)
		}
	}
	if len(f) != 3 || f[0] != "a" || f[2] != "c" {
		t.Errorf("unexpected values: %v", f)
	}
	if got := f.String(); got != "a, b, c" {
		t.Errorf("String() = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"this is a longer string", 10, "this is a…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

// Commands validate their arguments before touching the repository or
// the store, so bad invocations fail fast with a usable message.
func TestArgValidation(t *testing.T) {
	ctx := context.Background()
	stop := func() {}

	tests := []struct {
		name    string
		command string
		args    []string
		wantErr string
	}{
		{"unknown command", "bogus", nil, `unknown command "bogus"`},
		{"init with unknown agent", "init", []string{"--agent", "hal9000"}, "unknown agent flavor"},
		{"pause without task", "pause", nil, "exactly one task id"},
		{"stop with extra args", "stop", []string{"t1", "t2"}, "exactly one task id"},
		{"steer without task", "steer", []string{"--comment", "x"}, "exactly one task id"},
		{"steer without content", "steer", []string{"t1"}, "--comment or --patch"},
		{"kickoff without intent", "kickoff", nil, "kickoff needs an intent"},
		{"compile without file", "compile", nil, "exactly one file"},
		{"select without world", "select", nil, "exactly one world"},
		{"refork without world", "refork", nil, "refork needs a parent world"},
		{"run with graph and branchpoint", "run", []string{"--graph", "g1", "--branchpoint", "b1"}, "mutually exclusive"},
		{"list with unknown section", "list", []string{"everything"}, "unknown listing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dispatch(ctx, stop, tt.command, tt.args)
			if err == nil {
				t.Fatalf("dispatch(%s %v) succeeded, want error", tt.command, tt.args)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestHelpCommand(t *testing.T) {
	if err := dispatch(context.Background(), func() {}, "help", nil); err != nil {
		t.Errorf("help returned error: %v", err)
	}
}
