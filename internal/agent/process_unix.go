//go:build unix

package agent

import (
	"os/exec"
	"syscall"
)

// isolate puts the script in its own process group so cancellation kills
// anything it spawned, not just the interpreter.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
