//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the child in its own process group so shutdown
// can signal the whole tree, and switches identity when uid/gid are configured.
func setupProcessAttributes(cmd *exec.Cmd, def Definition) {
	attr := &syscall.SysProcAttr{
		Setpgid: true,
	}

	if def.HasCredentials() {
		uid := uint32(os.Getuid())
		gid := uint32(os.Getgid())
		if def.UID != nil {
			uid = uint32(*def.UID)
		}
		if def.GID != nil {
			gid = uint32(*def.GID)
		}
		attr.Credential = &syscall.Credential{
			Uid: uid,
			Gid: gid,
			// dropping supplementary groups needs privileges we may not have
			NoSetGroups: os.Geteuid() != 0,
		}
	}

	cmd.SysProcAttr = attr
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}
