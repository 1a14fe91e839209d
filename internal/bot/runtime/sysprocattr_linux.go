//go:build linux

package runtime

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr ties the bot process to the manager: the kernel delivers
// SIGKILL to the child if the manager dies, and the child gets its own
// process group so signals do not propagate back.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Setpgid:   true,
	}
}
