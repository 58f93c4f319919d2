//go:build windows

package engine

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no group to reach on Windows and no SIGTERM either, so
// every signal kills the child.
func signalGroup(cmd *exec.Cmd, _ syscall.Signal) error {
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
