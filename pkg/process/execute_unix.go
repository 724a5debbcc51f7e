//go:build !windows

package process

import (
	stderrors "errors"
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the child in its own process group so the
// whole tree can be signalled through -pid.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func sendTerminationSignal(process *os.Process) error {
	return signalGroup(process, syscall.SIGTERM)
}

func sendKillSignal(process *os.Process) error {
	return signalGroup(process, syscall.SIGKILL)
}

func signalGroup(process *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-process.Pid, sig)
	if stderrors.Is(err, syscall.ESRCH) {
		// Group already gone; fall back to the leader in case it left the group.
		err = process.Signal(sig)
		if stderrors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

func signalName(state *os.ProcessState) string {
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return ""
	}
	return status.Signal().String()
}
