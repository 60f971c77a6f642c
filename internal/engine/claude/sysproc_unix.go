//go:build !windows

package claude

import (
	"os/exec"
	"syscall"
)

// newSysProcAttr puts the CLI in a new session without a controlling
// terminal.
func newSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// setupProcessCleanup makes cancellation kill the CLI's whole process group,
// including test runners and servers the agent started.
func setupProcessCleanup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
}
