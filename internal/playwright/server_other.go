//go:build !unix

package playwright

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd) {
	cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {
	cmd.Process.Kill()
}
