package supervisor

import (
	"context"
	"io"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/resourcemonitor"
)

// State is the lifecycle state of a supervised app
type State string

const (
	StateIdle       State = "idle"       // Never started
	StateStarting   State = "starting"   // Launch in progress
	StateRunning    State = "running"    // Child alive
	StateStopping   State = "stopping"   // Stop requested, child being terminated
	StateCrashed    State = "crashed"    // Child ended on its own or was killed for memory
	StateRestarting State = "restarting" // Waiting out the restart delay
	StateStopped    State = "stopped"    // Terminal until the next Start
)

func (s State) String() string {
	return string(s)
}

func canStartFromState(state State) bool {
	return state == StateIdle || state == StateStopped
}

// Process is a launched child as the supervisor drives it.
// *process.Handle implements it.
type Process interface {
	Pid() int
	StartedAt() time.Time
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
	ExitStatus() process.ExitStatus
	Terminate() error
	Kill() error
	Close() error
}

// LaunchFunc spawns one instance of an app.
type LaunchFunc func(ctx context.Context, spec appspec.AppSpec) (Process, error)

// NewProcessLauncher launches real OS processes.
func NewProcessLauncher(logger logging.Logger) LaunchFunc {
	return func(ctx context.Context, spec appspec.AppSpec) (Process, error) {
		handle, err := process.Launch(ctx, spec, logger)
		if err != nil {
			return nil, err
		}
		return handle, nil
	}
}

// MemoryWatcher produces RSS samples for a running instance until it
// exits or ctx is cancelled. *resourcemonitor.Monitor implements it.
type MemoryWatcher interface {
	Watch(ctx context.Context, target resourcemonitor.Target) <-chan resourcemonitor.MemorySample
}
