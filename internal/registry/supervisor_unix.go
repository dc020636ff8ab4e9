//go:build !windows

package registry

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// detach puts the child in its own session so it survives the CLI exiting
// and does not receive the terminal's SIGINT.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func startPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

// IsAlive uses signal 0. EPERM means the process exists under another user.
func (s OSSupervisor) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM.
func (s OSSupervisor) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(pid, unix.SIGTERM)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
