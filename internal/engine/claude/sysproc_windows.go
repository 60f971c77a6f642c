//go:build windows

package claude

import (
	"os/exec"
	"syscall"
)

// newSysProcAttr starts the CLI in its own process group so a console
// Ctrl-C reaches klaus-kode first and the agent is stopped through ctx.
func newSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// setupProcessCleanup keeps the default Kill on cancel. Windows has no
// process group signal, so children the agent spawned may survive it.
func setupProcessCleanup(cmd *exec.Cmd) {
	cmd.WaitDelay = waitDelay
}
