//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// exitFrom derives exit code and signal name from a reaped command.
func exitFrom(cmd *exec.Cmd, err error) Exit {
	ex := Exit{Code: 0}
	if cmd.ProcessState != nil {
		ex.Code = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ex.Signal = unix.SignalName(unix.Signal(ws.Signal()))
		}
		return ex
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		ex.Code = ee.ExitCode()
	} else if err != nil {
		ex.Code = -1
	}
	return ex
}

// The worker runs in its own process group so signals reach any children it
// forked. Signaling the negative PID targets the whole group.

func signalTerm(pid int) { _ = syscall.Kill(-pid, syscall.SIGTERM) }
func signalKill(pid int) { _ = syscall.Kill(-pid, syscall.SIGKILL) }
