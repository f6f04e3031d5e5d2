//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// detach starts cmd in its own session so it outlives our process group.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
