//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the worker in its own process group so that
// termination signals reach children it forks (Setpgid).
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
