//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes cancellation kill the processor and anything it spawned
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
