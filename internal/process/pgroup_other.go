//go:build !unix

package process

import "os/exec"

func setProcessGroup(c *exec.Cmd) {}
