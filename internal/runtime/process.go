package runtime

import (
	"os"
	"os/exec"
	"syscall"
)

// newGroupCommand builds a shell command with process group isolation.
// Setpgid puts the child in its own group, so pause, resume, and stop
// signals reach the whole subprocess tree, not just the shell.
func newGroupCommand(line, dir string, extraEnv []string) *exec.Cmd {
	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.Dir = dir
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// signalGroup delivers sig to the process group rooted at pid. Returns
// false when the group is already gone or the signal could not be sent.
func signalGroup(pid int, sig syscall.Signal) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(-pid, sig) == nil
}

// groupAlive reports whether any process in the group still exists.
func groupAlive(pid int) bool {
	return pid > 0 && syscall.Kill(-pid, 0) == nil
}
