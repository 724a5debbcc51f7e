package master

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProcess runs until terminated, killed or told to exit.
type stubProcess struct {
	pid       int
	startedAt time.Time
	done      chan struct{}
	once      sync.Once
	status    process.ExitStatus
}

func newStubProcess(pid int) *stubProcess {
	return &stubProcess{pid: pid, startedAt: time.Now(), done: make(chan struct{})}
}

func (p *stubProcess) exit(status process.ExitStatus) {
	p.once.Do(func() {
		p.status = status
		close(p.done)
	})
}

func (p *stubProcess) Pid() int                       { return p.pid }
func (p *stubProcess) StartedAt() time.Time           { return p.startedAt }
func (p *stubProcess) Stdout() io.Reader              { return strings.NewReader("") }
func (p *stubProcess) Stderr() io.Reader              { return strings.NewReader("") }
func (p *stubProcess) Done() <-chan struct{}          { return p.done }
func (p *stubProcess) ExitStatus() process.ExitStatus { <-p.done; return p.status }
func (p *stubProcess) Close() error                   { return nil }

func (p *stubProcess) Terminate() error {
	p.exit(process.ExitStatus{Code: -1, Signal: "SIGTERM"})
	return nil
}

func (p *stubProcess) Kill() error {
	p.exit(process.ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

type stubLauncher struct {
	mutex     sync.Mutex
	calls     atomic.Int32
	processes map[string][]*stubProcess
	exitNow   bool
}

func newStubLauncher() *stubLauncher {
	return &stubLauncher{processes: make(map[string][]*stubProcess)}
}

func (l *stubLauncher) launch(ctx context.Context, spec appspec.AppSpec) (supervisor.Process, error) {
	pid := int(l.calls.Add(1)) + 100
	p := newStubProcess(pid)

	l.mutex.Lock()
	l.processes[spec.Name] = append(l.processes[spec.Name], p)
	exitNow := l.exitNow
	l.mutex.Unlock()

	if exitNow {
		p.exit(process.ExitStatus{Code: 1})
	}
	return p, nil
}

func (l *stubLauncher) launched(name string) []*stubProcess {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]*stubProcess(nil), l.processes[name]...)
}

func appSpec(t *testing.T, name string) appspec.AppSpec {
	dir := t.TempDir()
	return appspec.AppSpec{
		Name:         name,
		Script:       name + ".js",
		RestartDelay: 10 * time.Millisecond,
		Autorestart:  true,
		KillTimeout:  100 * time.Millisecond,
		OutFile:      filepath.Join(dir, name+"-out.log"),
		ErrorFile:    filepath.Join(dir, name+"-error.log"),
	}
}

func newTestMaster(t *testing.T, launcher *stubLauncher) *Master {
	m := NewMaster(MasterOptions{}, logging.NewNopLogger(),
		supervisor.WithLauncher(launcher.launch),
		supervisor.WithLogDrainTimeout(50*time.Millisecond))
	t.Cleanup(func() {
		m.Stop(context.Background())
	})
	return m
}

func TestMaster_AddApp(t *testing.T) {
	m := newTestMaster(t, newStubLauncher())

	require.NoError(t, m.AddApp(appSpec(t, "api")))
	require.NoError(t, m.AddApp(appSpec(t, "worker")))

	err := m.AddApp(appSpec(t, "api"))
	assert.True(t, errors.IsConflictError(err))

	err = m.AddApp(appSpec(t, "bad name"))
	assert.True(t, errors.IsValidationError(err))

	assert.Equal(t, []string{"api", "worker"}, m.Names())
	assert.Equal(t, MasterStateNotStarted, m.GetMasterState())
}

func TestMaster_StartLaunchesEveryApp(t *testing.T) {
	launcher := newStubLauncher()
	m := newTestMaster(t, launcher)
	require.NoError(t, m.AddApp(appSpec(t, "api")))
	require.NoError(t, m.AddApp(appSpec(t, "worker")))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, MasterStateRunning, m.GetMasterState())

	statuses := m.StatusAll()
	require.Len(t, statuses, 2)
	assert.Equal(t, "api", statuses[0].Name)
	assert.Equal(t, "worker", statuses[1].Name)
	for _, status := range statuses {
		assert.Equal(t, supervisor.StateRunning, status.State)
		assert.NotZero(t, status.PID)
	}

	err := m.AddApp(appSpec(t, "late"))
	assert.True(t, errors.IsConflictError(err), "registry is closed after start")

	err = m.Start(context.Background())
	assert.True(t, errors.IsConflictError(err))
}

func TestMaster_StartAbortsOnUnopenableSink(t *testing.T) {
	launcher := newStubLauncher()
	m := newTestMaster(t, launcher)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	broken := appSpec(t, "broken")
	broken.OutFile = filepath.Join(blocker, "out.log")

	require.NoError(t, m.AddApp(appSpec(t, "api")))
	require.NoError(t, m.AddApp(broken))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
	assert.Zero(t, launcher.calls.Load(), "nothing is launched when any sink fails")
	assert.Equal(t, MasterStateStopped, m.GetMasterState())
}

func TestMaster_StopStopsEveryApp(t *testing.T) {
	launcher := newStubLauncher()
	m := newTestMaster(t, launcher)
	require.NoError(t, m.AddApp(appSpec(t, "api")))
	require.NoError(t, m.AddApp(appSpec(t, "worker")))
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, MasterStateStopped, m.GetMasterState())

	for _, status := range m.StatusAll() {
		assert.Equal(t, supervisor.StateStopped, status.State)
	}
	for _, name := range []string{"api", "worker"} {
		procs := launcher.launched(name)
		require.Len(t, procs, 1)
		assert.Equal(t, "SIGTERM", procs[0].ExitStatus().Signal)
	}

	require.NoError(t, m.Stop(context.Background()), "second stop is a no-op")
}

func TestMaster_AppControl(t *testing.T) {
	launcher := newStubLauncher()
	m := newTestMaster(t, launcher)
	require.NoError(t, m.AddApp(appSpec(t, "api")))

	err := m.StopApp(context.Background(), "api")
	assert.True(t, errors.IsValidationError(err), "master must be running")

	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.StopApp(context.Background(), "api"))
	status, err := m.Status("api")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateStopped, status.State)

	require.NoError(t, m.StartApp(context.Background(), "api"))
	require.NoError(t, m.RestartApp(context.Background(), "api"))
	assert.Len(t, launcher.launched("api"), 3)

	_, err = m.Status("missing")
	assert.True(t, errors.IsNotFoundError(err))
	err = m.StartApp(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestMaster_WaitExhausted(t *testing.T) {
	launcher := newStubLauncher()
	launcher.exitNow = true
	m := newTestMaster(t, launcher)

	for _, name := range []string{"api", "worker"} {
		spec := appSpec(t, name)
		spec.Autorestart = false
		require.NoError(t, m.AddApp(spec))
	}
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.True(t, m.WaitExhausted(ctx))
}

func TestMaster_WaitExhaustedCancelled(t *testing.T) {
	m := newTestMaster(t, newStubLauncher())
	require.NoError(t, m.AddApp(appSpec(t, "api")))
	require.NoError(t, m.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, m.WaitExhausted(ctx))
}

func TestValidateAppName(t *testing.T) {
	assert.NoError(t, ValidateAppName("pikalo-bot.v2_1"))
	assert.Error(t, ValidateAppName(""))
	assert.Error(t, ValidateAppName("with space"))
	assert.Error(t, ValidateAppName(strings.Repeat("a", 65)))
}

func TestValidatePortAndTimeout(t *testing.T) {
	assert.NoError(t, ValidatePort(0))
	assert.NoError(t, ValidatePort(8080))
	assert.Error(t, ValidatePort(-1))
	assert.Error(t, ValidatePort(70000))

	assert.NoError(t, ValidateTimeout(0, "stop"))
	assert.Error(t, ValidateTimeout(-time.Second, "stop"))
}
