//go:build !linux && !windows

// Package procattr configures agent subprocesses so that the whole process
// tree they start can be signalled together.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set places the child in its own process group so kill(-pgid) reaches every
// descendant.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
