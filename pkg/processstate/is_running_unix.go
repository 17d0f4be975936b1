//go:build !windows

package processstate

import (
	stderrors "errors"
	"os"
	"syscall"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// IsProcessRunning probes pid with signal 0.
// EPERM means the process exists but belongs to another user.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewProcessError("invalid PID", nil).WithContext("pid", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, errors.NewProcessError("failed to find process", err).WithContext("pid", pid)
	}

	err = proc.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, nil
	case stderrors.Is(err, os.ErrProcessDone), stderrors.Is(err, syscall.ESRCH):
		return false, nil
	case stderrors.Is(err, syscall.EPERM):
		return true, nil
	}
	return false, errors.NewProcessError("failed to probe process", err).WithContext("pid", pid)
}
