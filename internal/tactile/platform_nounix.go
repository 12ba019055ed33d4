//go:build !unix

package tactile

import "os/exec"

// Without process groups only the interpreter itself is tracked; children it
// spawns are not killed on timeout.

func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	return nil
}

func setupProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
