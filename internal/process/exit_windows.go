//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func exitFrom(cmd *exec.Cmd, err error) Exit {
	ex := Exit{Code: 0}
	if cmd.ProcessState != nil {
		ex.Code = cmd.ProcessState.ExitCode()
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

// Windows offers no graceful signal for console-less children; both paths
// terminate the process directly.

func signalTerm(pid int) { terminate(pid) }
func signalKill(pid int) { terminate(pid) }

func terminate(pid int) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Kill()
}
