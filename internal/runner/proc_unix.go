//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// killProcessGroup puts cmd in its own process group and kills the whole
// group on cancellation, so dev servers spawned by npm die with it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
