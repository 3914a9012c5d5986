package service

import (
	"errors"
	"os"
	"syscall"
)

// pidAlive probes process liveness with a null signal, the same check the
// sweeper uses before reaping a lease whose owner stopped renewing.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
