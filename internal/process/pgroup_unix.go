//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the shell in its own group so cancellation also
// reaches the compiler or program it started.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
}
