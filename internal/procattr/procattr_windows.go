//go:build windows

// Package procattr configures agent subprocesses so that the whole process
// tree they start can be signalled together.
package procattr

import (
	"os"
	"os/exec"
	"strconv"
)

// Set is a no-op on Windows; tree termination goes through taskkill.
func Set(cmd *exec.Cmd) {}

// KillTree force-kills the child and all of its descendants.
func KillTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	return exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(p.Pid)).Run()
}
