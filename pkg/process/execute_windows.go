//go:build windows

package process

import (
	stderrors "errors"
	"os"
	"os/exec"
	"syscall"
)

func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Windows has no SIGTERM; Ctrl+Break is the closest graceful request.
// Children without a console cannot receive it and are killed instead.
func sendTerminationSignal(process *os.Process) error {
	if err := sendCtrlBreak(process.Pid); err == nil {
		return nil
	}
	return sendKillSignal(process)
}

func sendKillSignal(process *os.Process) error {
	err := process.Kill()
	if stderrors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func signalName(state *os.ProcessState) string {
	return ""
}
