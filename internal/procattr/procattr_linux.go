//go:build linux

// Package procattr configures agent subprocesses so that the whole process
// tree they start can be signalled together.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set places the child in its own process group and asks the kernel to
// SIGTERM it if this process dies first.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
