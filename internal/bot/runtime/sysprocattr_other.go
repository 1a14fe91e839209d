//go:build !linux

package runtime

import "os/exec"

func setSysProcAttr(cmd *exec.Cmd) {}
