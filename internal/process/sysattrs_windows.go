//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// setSysProcAttr creates a new process group on Windows so the worker can be
// terminated as a unit.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
