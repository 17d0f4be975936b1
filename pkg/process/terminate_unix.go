//go:build !windows

package process

import (
	"syscall"
)

// KillProcessGroup sends SIGKILL to the child's whole process group (negative PID)
func KillProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
