//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes isolates the child in a new process group.
// uid/gid have no Windows equivalent and are ignored.
func setupProcessAttributes(cmd *exec.Cmd, def Definition) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	return ExitStatus{Code: state.ExitCode()}
}
