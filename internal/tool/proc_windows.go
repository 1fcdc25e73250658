//go:build windows

package tool

import (
	"fmt"
	"os/exec"
)

// setupProcessGroup is a no-op on Windows; process tree cleanup goes
// through taskkill instead.
func setupProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the command and its children via taskkill.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	kill := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		cmd.Process.Kill()
	}
}
