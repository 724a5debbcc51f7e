//go:build windows

package process

import (
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

const ctrlBreakTimeout = time.Second

// Console control events are process-wide state on Windows.
var consoleOperationLock sync.Mutex

// sendCtrlBreak delivers CTRL_BREAK_EVENT to the child's process group.
// The child was created with CREATE_NEW_PROCESS_GROUP, so its pid is the
// group id.
func sendCtrlBreak(pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	dll, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return errors.NewProcessError("failed to load kernel32.dll", err)
	}
	defer dll.Release()

	done := make(chan error, 1)
	go func() {
		done <- generateConsoleCtrlEvent(dll, pid)
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.NewProcessError("failed to send Ctrl+Break", err).WithContext("pid", pid)
		}
		return nil
	case <-time.After(ctrlBreakTimeout):
		return errors.NewTimeoutError("timeout sending Ctrl+Break", nil).WithContext("pid", pid)
	}
}

func generateConsoleCtrlEvent(dll *syscall.DLL, pid int) error {
	proc, err := dll.FindProc("GenerateConsoleCtrlEvent")
	if err != nil {
		return err
	}

	result, _, err := proc.Call(uintptr(syscall.CTRL_BREAK_EVENT), uintptr(pid))
	if result == 0 {
		return err
	}
	return nil
}
