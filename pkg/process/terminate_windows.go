//go:build windows

package process

import (
	"os"
)

// KillProcessGroup terminates the child; Windows has no signalable process group
func KillProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
