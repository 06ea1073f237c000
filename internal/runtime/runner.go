package runtime

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/stray/manyworlds/internal/events"
)

const (
	// DefaultPollInterval is how often the supervision loop checks the
	// control state and the timeout deadline.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultTerminateGrace is how long SIGTERM gets before SIGKILL when
	// the runner itself tears a process down.
	DefaultTerminateGrace = 2 * time.Second

	maxOutputLine = 1 << 20
)

// Status classifies a finished command attempt.
type Status string

const (
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Command describes one command attempt for a task phase. The line is
// run through the shell in Dir. TaskID wires the attempt into the
// controller; without it the command runs unsupervised except for the
// timeout.
type Command struct {
	Line       string
	Dir        string
	Env        []string
	TimeoutSec float64
	LogDir     string
	LogName    string
	RunID      string
	TaskID     string
	Phase      string
	Attempt    int
}

// Result is the outcome of one command attempt. A timeout reports
// exit code -1; an operator stop reports -2.
type Result struct {
	ExitCode     *int    `json:"exit_code"`
	DurationSec  float64 `json:"duration_sec"`
	LogPath      string  `json:"log_path,omitempty"`
	Error        string  `json:"error,omitempty"`
	Status       Status  `json:"status"`
	WasPaused    bool    `json:"was_paused"`
	WasCancelled bool    `json:"was_cancelled"`
	TimedOut     bool    `json:"timed_out"`
}

// Runner executes task commands in their own process groups under
// operator control. Zero values for the tuning fields take the package
// defaults.
type Runner struct {
	Controller     *Controller
	Bus            *events.Bus
	PollInterval   time.Duration
	TerminateGrace time.Duration
	StopGrace      time.Duration
}

// NewRunner creates a runner. Both the controller and the bus are
// optional.
func NewRunner(controller *Controller, bus *events.Bus) *Runner {
	return &Runner{Controller: controller, Bus: bus}
}

// Execute runs one command attempt to completion. The supervision loop
// polls for pause and stop requests on the task's control record,
// extends the timeout deadline by time spent paused, and escalates
// SIGTERM to SIGKILL when a stop or timeout needs to tear the process
// group down. The combined output lands in one log file per attempt.
func (r *Runner) Execute(ctx context.Context, cmd Command) Result {
	res := Result{Status: StatusFailed}
	if strings.TrimSpace(cmd.Line) == "" {
		res.Error = "command not configured"
		return res
	}

	poll := r.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	termGrace := r.TerminateGrace
	if termGrace <= 0 {
		termGrace = DefaultTerminateGrace
	}
	stopGrace := r.StopGrace
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}

	child := newGroupCommand(cmd.Line, cmd.Dir, cmd.Env)
	stdoutPipe, err := child.StdoutPipe()
	if err != nil {
		res.Error = fmt.Sprintf("failed to create stdout pipe: %v", err)
		return res
	}
	stderrPipe, err := child.StderrPipe()
	if err != nil {
		res.Error = fmt.Sprintf("failed to create stderr pipe: %v", err)
		return res
	}

	start := time.Now()
	if err := child.Start(); err != nil {
		res.Error = fmt.Sprintf("failed to start command: %v", err)
		return res
	}
	pid := child.Process.Pid

	var stdoutBuf, stderrBuf bytes.Buffer
	var pipes sync.WaitGroup
	pipes.Add(2)
	go r.drain(&pipes, &stdoutBuf, stdoutPipe, cmd.RunID, cmd.TaskID)
	go r.drain(&pipes, &stderrBuf, stderrPipe, cmd.RunID, cmd.TaskID)

	// Pipes must be fully drained before Wait reaps the child; the
	// waiter goroutine owns that ordering.
	waitCh := make(chan error, 1)
	go func() {
		pipes.Wait()
		waitCh <- child.Wait()
	}()

	controlled := r.Controller != nil && cmd.TaskID != ""
	if controlled {
		if err := r.Controller.RegisterActiveProcess(ctx, cmd.RunID, cmd.TaskID, cmd.Phase, cmd.Attempt, pid); err != nil {
			log.Printf("ERROR: failed to register process for task %s: %v", cmd.TaskID, err)
			r.terminateGroup(pid, termGrace)
			<-waitCh
			res.Error = fmt.Sprintf("failed to register process: %v", err)
			return res
		}
	}

	timeout := time.Duration(cmd.TimeoutSec * float64(time.Second))
	deadline := start.Add(timeout)
	var pausedSince time.Time
	timedOut := false
	ctxCancelled := false

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

wait:
	for {
		select {
		case <-waitCh:
			break wait

		case <-ctx.Done():
			ctxCancelled = true
			r.terminateGroup(pid, termGrace)
			<-waitCh
			break wait

		case <-ticker.C:
			now := time.Now()
			if controlled {
				rt, ok := r.Controller.SyncActiveWithControl(ctx, cmd.TaskID)
				paused := ok && rt.Paused
				if paused {
					res.WasPaused = true
					if pausedSince.IsZero() {
						pausedSince = now
					}
				} else if !pausedSince.IsZero() {
					// Paused time does not count against the budget.
					deadline = deadline.Add(now.Sub(pausedSince))
					pausedSince = time.Time{}
				}
				r.Controller.ForceKillIfStopRequested(cmd.TaskID, stopGrace)
			}
			// A paused attempt never times out; the deadline catches up
			// on resume.
			if timeout > 0 && pausedSince.IsZero() && now.After(deadline) {
				timedOut = true
				r.terminateGroup(pid, termGrace)
				<-waitCh
				break wait
			}
		}
	}

	res.DurationSec = math.Round(time.Since(start).Seconds()*100) / 100

	if cmd.LogDir != "" && cmd.LogName != "" {
		path, err := writeAttemptLog(cmd.LogDir, cmd.LogName, stdoutBuf.Bytes(), stderrBuf.Bytes())
		if err != nil {
			log.Printf("WARNING: failed to write attempt log for task %s: %v", cmd.TaskID, err)
		} else {
			res.LogPath = path
		}
	}

	var exitCode *int
	switch {
	case timedOut:
		v := -1
		exitCode = &v
		res.Status = StatusFailed
		res.TimedOut = true
		res.Error = fmt.Sprintf("timeout after %gs", cmd.TimeoutSec)
	case ctxCancelled:
		v := exitCodeOf(child)
		exitCode = &v
		res.Status = StatusCancelled
		res.WasCancelled = true
		res.Error = "context cancelled"
	default:
		v := exitCodeOf(child)
		exitCode = &v
		if v == 0 {
			res.Status = StatusDone
		} else {
			res.Status = StatusFailed
		}
	}

	if controlled {
		// The finish must be recorded even when the run context is
		// already cancelled.
		control, err := r.Controller.FinishActiveProcess(context.Background(), cmd.TaskID, exitCode, res.Error)
		if err != nil {
			log.Printf("WARNING: failed to finish process record for task %s: %v", cmd.TaskID, err)
		}
		if control != nil && control.Status == "stopped" {
			res.Status = StatusCancelled
			res.WasCancelled = true
			res.Error = "stopped by operator"
			if *exitCode < 0 {
				v := -2
				exitCode = &v
			}
		}
	}
	res.ExitCode = exitCode
	return res
}

// drain copies one output stream into the buffer, line by line when a
// bus is attached so live consumers can follow along.
func (r *Runner) drain(wg *sync.WaitGroup, dst *bytes.Buffer, src io.Reader, runID, taskID string) {
	defer wg.Done()
	if r.Bus == nil || taskID == "" {
		_, _ = io.Copy(dst, src)
		return
	}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	for scanner.Scan() {
		line := scanner.Text()
		dst.WriteString(line)
		dst.WriteByte('\n')
		r.Bus.Publish(events.OutputLine(runID, taskID, line))
	}
	if scanner.Err() != nil {
		// An oversized line stops the scanner; fall back to a plain
		// copy for the remainder.
		_, _ = io.Copy(dst, src)
	}
}

// terminateGroup asks the process group to exit with SIGTERM, then
// escalates to SIGKILL when it is still alive after the grace period.
func (r *Runner) terminateGroup(pid int, grace time.Duration) {
	if !signalGroup(pid, syscall.SIGTERM) {
		return
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !groupAlive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	signalGroup(pid, syscall.SIGKILL)
}

func exitCodeOf(child *exec.Cmd) int {
	if child.ProcessState == nil {
		return -1
	}
	return child.ProcessState.ExitCode()
}

// writeAttemptLog writes stdout then stderr into one log file,
// separated by a marker when both are present.
func writeAttemptLog(dir, name string, stdout, stderr []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log dir: %w", err)
	}
	path := filepath.Join(dir, name)
	var buf bytes.Buffer
	buf.Write(stdout)
	if len(stderr) > 0 {
		if len(stdout) > 0 {
			buf.WriteString("\n--- STDERR ---\n")
		}
		buf.Write(stderr)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write log: %w", err)
	}
	return path, nil
}
