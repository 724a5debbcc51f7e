package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// ExitStatus describes how a child ended. Signal is empty for a normal
// exit; Code is -1 when the process was terminated by a signal.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

func (s ExitStatus) Signaled() bool {
	return s.Signal != ""
}

// Handle is a running child. The supervisor owns it; the monitor and the
// log router only read from it.
type Handle struct {
	pid       int
	startedAt time.Time
	process   *os.Process
	stdout    *os.File
	stderr    *os.File

	done   chan struct{}
	status ExitStatus

	closeOnce sync.Once
}

func (h *Handle) Pid() int {
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// Stdout is the read end of the child's stdout pipe. It reaches EOF once
// every writer, including inherited descendants, has exited.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

func (h *Handle) Stderr() io.Reader {
	return h.stderr
}

// Done is closed once the child has been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitStatus is valid after Done is closed.
func (h *Handle) ExitStatus() ExitStatus {
	<-h.done
	return h.status
}

// Terminate asks the child's process group to shut down.
func (h *Handle) Terminate() error {
	if h.exited() {
		return nil
	}
	return sendTerminationSignal(h.process)
}

// Kill forcibly ends the child's process group.
func (h *Handle) Kill() error {
	if h.exited() {
		return nil
	}
	return sendKillSignal(h.process)
}

// Close releases the pipe read ends. Pending reads return immediately.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		collection := errors.NewErrorCollection()
		collection.Add(h.stdout.Close())
		collection.Add(h.stderr.Close())
		err = collection.ToError()
	})
	return err
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Launch spawns the app described by spec. It returns a LaunchError only
// when the child could not be started; how the child later exits is
// reported through the handle.
func Launch(ctx context.Context, spec appspec.AppSpec, logger logging.Logger) (*Handle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("app", spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("launch cancelled", err).WithContext("app", spec.Name)
	}

	executable, args := spec.Command()
	executablePath, err := resolveExecutable(spec, executable)
	if err != nil {
		logger.Errorf("Executable check failed, app: %s, error: %v", spec.Name, err)
		return nil, err
	}

	logger.Debugf("Launching process, app: %s, executable: '%s', args: %v, working directory: '%s'",
		spec.Name, executablePath, args, spec.WorkingDirectory)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.NewLaunchError(errors.LaunchReasonOSError, "failed to create stdout pipe", err).WithContext("app", spec.Name)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, errors.NewLaunchError(errors.LaunchReasonOSError, "failed to create stderr pipe", err).WithContext("app", spec.Name)
	}

	cmd := exec.Command(executablePath, args...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = MergeEnvironment(os.Environ(), spec.Env)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setupProcessAttributes(cmd)

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		reason := classifyStartError(err)
		logger.Errorf("Failed to start process, app: %s, reason: %s, error: %v", spec.Name, reason, err)
		return nil, errors.NewLaunchError(reason, "failed to start the process", err).
			WithContext("app", spec.Name).
			WithContext("executable_path", executablePath)
	}

	handle := &Handle{
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		process:   cmd.Process,
		stdout:    stdoutR,
		stderr:    stderrR,
		done:      make(chan struct{}),
	}

	go func() {
		waitErr := cmd.Wait()
		handle.status = exitStatusFrom(cmd.ProcessState, waitErr)
		close(handle.done)
	}()

	logger.Infof("Process launched, app: %s, PID: %d", spec.Name, handle.pid)

	return handle, nil
}

func exitStatusFrom(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: waitErr}
	}
	status := ExitStatus{Code: state.ExitCode(), Signal: signalName(state)}
	// A non-zero exit surfaces as *exec.ExitError, which carries nothing
	// the code and signal do not already say.
	if _, ok := waitErr.(*exec.ExitError); !ok {
		status.Err = waitErr
	}
	return status
}
