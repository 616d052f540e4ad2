//go:build !unix

package procgroup

import "os/exec"

// Set is a no-op where process groups are not available.
func Set(*exec.Cmd) {}

// Kill kills the process started by cmd.
func Kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
