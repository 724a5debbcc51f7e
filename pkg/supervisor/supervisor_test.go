package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/resourcemonitor"
	"github.com/core-tools/hsu-supervisor/pkg/restartpolicy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testSpec(t *testing.T) appspec.AppSpec {
	dir := t.TempDir()
	return appspec.AppSpec{
		Name:         "worker",
		Script:       "worker.js",
		RestartDelay: 10 * time.Millisecond,
		Autorestart:  true,
		KillTimeout:  200 * time.Millisecond,
		OutFile:      filepath.Join(dir, "worker-out.log"),
		ErrorFile:    filepath.Join(dir, "worker-error.log"),
	}
}

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	watcher  *fakeWatcher
	metrics  *recordingMetrics
}

func newHarness(t *testing.T, spec appspec.AppSpec, opts ...Option) *harness {
	h := &harness{
		launcher: newFakeLauncher(),
		watcher:  newFakeWatcher(),
		metrics:  &recordingMetrics{},
	}
	base := []Option{
		WithLauncher(h.launcher.launch),
		WithMemoryWatcher(h.watcher),
		WithMetrics(h.metrics),
		WithLogDrainTimeout(200 * time.Millisecond),
	}
	h.sup = New(spec, logging.NewNopLogger(), append(base, opts...)...)
	t.Cleanup(func() {
		h.sup.Close(context.Background())
	})
	return h
}

func (h *harness) nextProcess(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-h.launcher.launched:
		return p
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a launch")
		return nil
	}
}

func (h *harness) nextWatch(t *testing.T) chan resourcemonitor.MemorySample {
	t.Helper()
	select {
	case w := <-h.watcher.watches:
		return w
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a memory watch")
		return nil
	}
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.sup.GetState() == state
	}, waitFor, tick, "expected state %s, got %s", state, h.sup.GetState())
}

func TestSupervisor_StartRunsApp(t *testing.T) {
	h := newHarness(t, testSpec(t))
	assert.Equal(t, StateIdle, h.sup.GetState())

	require.NoError(t, h.sup.Start(context.Background()))
	p := h.nextProcess(t)

	status := h.sup.Status()
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, p.Pid(), status.PID)
	assert.Equal(t, "worker", status.Name)
	assert.Zero(t, status.Restart.Restarts)
}

func TestSupervisor_StartTwiceConflicts(t *testing.T) {
	h := newHarness(t, testSpec(t))

	require.NoError(t, h.sup.Start(context.Background()))
	h.nextProcess(t)

	err := h.sup.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Equal(t, int32(1), h.launcher.calls.Load())
}

func TestSupervisor_StartNilContext(t *testing.T) {
	h := newHarness(t, testSpec(t))

	//nolint:staticcheck
	err := h.sup.Start(nil)
	assert.True(t, errors.IsValidationError(err))
}

func TestSupervisor_RestartsAfterCrash(t *testing.T) {
	h := newHarness(t, testSpec(t))

	require.NoError(t, h.sup.Start(context.Background()))
	first := h.nextProcess(t)

	first.exit(process.ExitStatus{Code: 3})

	second := h.nextProcess(t)
	assert.NotEqual(t, first.Pid(), second.Pid())
	h.waitState(t, StateRunning)

	status := h.sup.Status()
	assert.Equal(t, second.Pid(), status.PID)
	assert.Equal(t, 1, status.Restart.Restarts)
	assert.Equal(t, restartpolicy.ExitReasonExit, status.Restart.LastExitReason)
	assert.Equal(t, 3, status.Restart.LastExitCode)

	transitions, exits := h.metrics.snapshot()
	assert.Equal(t, []restartpolicy.ExitReason{restartpolicy.ExitReasonExit}, exits)
	assert.Subset(t, transitions, []State{StateStarting, StateRunning, StateCrashed, StateRestarting})
}

func TestSupervisor_SignalExitIsRecorded(t *testing.T) {
	h := newHarness(t, testSpec(t))

	require.NoError(t, h.sup.Start(context.Background()))
	h.nextProcess(t).exit(process.ExitStatus{Code: -1, Signal: "SIGSEGV"})
	h.nextProcess(t)

	require.Eventually(t, func() bool {
		return h.sup.Status().Restart.LastExitReason == restartpolicy.ExitReasonSignal
	}, waitFor, tick)
	assert.Equal(t, "SIGSEGV", h.sup.Status().Restart.LastExitSignal)
}

func TestSupervisor_CleanExitStillRestarts(t *testing.T) {
	h := newHarness(t, testSpec(t))

	require.NoError(t, h.sup.Start(context.Background()))
	h.nextProcess(t).exit(process.ExitStatus{Code: 0})

	h.nextProcess(t)
	h.waitState(t, StateRunning)
}

func TestSupervisor_NoAutorestartStops(t *testing.T) {
	spec := testSpec(t)
	spec.Autorestart = false
	h := newHarness(t, spec)

	require.NoError(t, h.sup.Start(context.Background()))
	h.nextProcess(t).exit(process.ExitStatus{Code: 1})

	select {
	case <-h.sup.Exhausted():
	case <-time.After(waitFor):
		t.Fatal("exhausted not signalled")
	}
	assert.Equal(t, StateStopped, h.sup.GetState())
	assert.Equal(t, int32(1), h.launcher.calls.Load())

	// A manual start is allowed again and re-arms the exhausted signal.
	require.NoError(t, h.sup.Start(context.Background()))
	h.nextProcess(t)
	select {
	case <-h.sup.Exhausted():
		t.Fatal("exhausted should be re-armed by start")
	default:
	}
}

func TestSupervisor_MemoryLimitKillsAndRestarts(t *testing.T) {
	spec := testSpec(t)
	spec.MemoryRestartThreshold = 100
	h := newHarness(t, spec)

	require.NoError(t, h.sup.Start(context.Background()))
	first := h.nextProcess(t)
	samples := h.nextWatch(t)

	samples <- resourcemonitor.MemorySample{PID: first.Pid(), RSSBytes: 100, Timestamp: time.Now()}
	require.Eventually(t, func() bool {
		s := h.sup.Status().LastMemorySample
		return s != nil && s.RSSBytes == 100
	}, waitFor, tick)
	assert.Zero(t, first.killed.Load(), "equal to the threshold is not a breach")

	samples <- resourcemonitor.MemorySample{PID: first.Pid(), RSSBytes: 101, Timestamp: time.Now()}

	second := h.nextProcess(t)
	assert.Equal(t, int32(1), first.killed.Load())
	assert.Zero(t, first.terminated.Load(), "memory kills skip the graceful signal")
	h.waitState(t, StateRunning)

	status := h.sup.Status()
	assert.Equal(t, second.Pid(), status.PID)
	assert.Equal(t, restartpolicy.ExitReasonMemoryLimit, status.Restart.LastExitReason)
	assert.Equal(t, int64(100), status.MemoryThreshold)

	_, exits := h.metrics.snapshot()
	assert.Equal(t, []restartpolicy.ExitReason{restartpolicy.ExitReasonMemoryLimit}, exits)
}

func TestSupervisor_NoThresholdIgnoresSamples(t *testing.T) {
	h := newHarness(t, testSpec(t))

	require.NoError(t, h.sup.Start(context.Background()))
	p := h.nextProcess(t)
	samples := h.nextWatch(t)

	samples <- resourcemonitor.MemorySample{PID: p.Pid(), RSSBytes: 1 << 40, Timestamp: time.Now()}
	require.Eventually(t, func() bool {
		return h.sup.Status().LastMemorySample != nil
	}, waitFor, tick)

	assert.Zero(t, p.killed.Load())
	assert.Equal(t, StateRunning, h.sup.GetState())
}

func TestSupervisor_StopTerminatesGracefully(t *testing.T) {
	h := newHarness(t, testSpec(t))

	require.NoError(t, h.sup.Start(context.Background()))
	p := h.nextProcess(t)

	require.NoError(t, h.sup.Stop(context.Background(), 0))

	assert.Equal(t, StateStopped, h.sup.GetState())
	assert.Equal(t, int32(1), p.terminated.Load())
	assert.Zero(t, p.killed.Load())
	assert.Zero(t, h.sup.Status().PID)

	// Give a stray restart timer the chance to fire.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), h.launcher.calls.Load())
	_, exits := h.metrics.snapshot()
	assert.Empty(t, exits, "stop does not consult the restart policy")
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	spec := testSpec(t)
	spec.KillTimeout = 30 * time.Millisecond
	h := newHarness(t, spec)
	h.launcher.prepare = func(p *fakeProcess) { p.ignoreTerminate = true }

	require.NoError(t, h.sup.Start(context.Background()))
	p := h.nextProcess(t)

	start := time.Now()
	require.NoError(t, h.sup.Stop(context.Background(), 0))

	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, int32(1), p.terminated.Load())
	assert.Equal(t, int32(1), p.killed.Load())
	assert.Equal(t, StateStopped, h.sup.GetState())
}

func TestSupervisor_StopCancelsPendingRestart(t *testing.T) {
	spec := testSpec(t)
	spec.RestartDelay = time.Hour
	h := newHarness(t, spec)

	require.NoError(t, h.sup.Start(context.Background()))
	h.nextProcess(t).exit(process.ExitStatus{Code: 1})
	h.waitState(t, StateRestarting)

	require.NoError(t, h.sup.Stop(context.Background(), 0))
	assert.Equal(t, StateStopped, h.sup.GetState())
	assert.Equal(t, int32(1), h.launcher.calls.Load())
}

func TestSupervisor_StopIdleIsNoop(t *testing.T) {
	h := newHarness(t, testSpec(t))

	require.NoError(t, h.sup.Stop(context.Background(), 0))
	assert.Equal(t, StateIdle, h.sup.GetState())
}

func TestSupervisor_StaleRelaunchIsDiscarded(t *testing.T) {
	spec := testSpec(t)
	spec.RestartDelay = 20 * time.Millisecond
	h := newHarness(t, spec)

	require.NoError(t, h.sup.Start(context.Background()))
	h.nextProcess(t).exit(process.ExitStatus{Code: 1})
	h.waitState(t, StateRestarting)

	require.NoError(t, h.sup.Stop(context.Background(), 0))
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, StateStopped, h.sup.GetState())
	assert.Equal(t, int32(1), h.launcher.calls.Load())
}

func TestSupervisor_LaunchFailureSchedulesRestart(t *testing.T) {
	h := newHarness(t, testSpec(t))
	h.launcher.failNext(errors.NewLaunchError(errors.LaunchReasonScriptNotFound, "script not found", nil))

	err := h.sup.Start(context.Background())
	require.Error(t, err)
	reason, ok := errors.LaunchReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.LaunchReasonScriptNotFound, reason)

	h.nextProcess(t)
	h.waitState(t, StateRunning)

	status := h.sup.Status()
	assert.Equal(t, restartpolicy.ExitReasonLaunchFailure, status.Restart.LastExitReason)
	assert.Equal(t, 1, status.Restart.Restarts)
}

func TestSupervisor_BoundedPolicyExhausts(t *testing.T) {
	spec := testSpec(t)
	spec.MinUptime = time.Hour
	h := newHarness(t, spec, WithPolicy(restartpolicy.Bounded{MaxRestarts: 2}))
	h.launcher.prepare = func(p *fakeProcess) {
		go p.exit(process.ExitStatus{Code: 1})
	}

	require.NoError(t, h.sup.Start(context.Background()))

	select {
	case <-h.sup.Exhausted():
	case <-time.After(waitFor):
		t.Fatal("policy never gave up")
	}

	assert.Equal(t, StateStopped, h.sup.GetState())
	assert.Equal(t, int32(3), h.launcher.calls.Load(), "initial launch plus two restarts")
	assert.Equal(t, 2, h.sup.Status().Restart.Attempts)
}

func TestSupervisor_RestartCycles(t *testing.T) {
	h := newHarness(t, testSpec(t))

	require.NoError(t, h.sup.Start(context.Background()))
	first := h.nextProcess(t)

	require.NoError(t, h.sup.Restart(context.Background()))
	second := h.nextProcess(t)

	assert.Equal(t, int32(1), first.terminated.Load())
	assert.Equal(t, StateRunning, h.sup.GetState())
	assert.Equal(t, second.Pid(), h.sup.Status().PID)
}

func TestSupervisor_RoutesOutputToSinks(t *testing.T) {
	spec := testSpec(t)
	h := newHarness(t, spec)

	require.NoError(t, h.sup.Start(context.Background()))
	p := h.nextProcess(t)

	_, err := p.stdoutW.Write([]byte("hello\n"))
	require.NoError(t, err)
	_, err = p.stderrW.Write([]byte("oops\npartial"))
	require.NoError(t, err)

	require.NoError(t, h.sup.Stop(context.Background(), 0))

	out, err := os.ReadFile(spec.OutFile)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	errOut, err := os.ReadFile(spec.ErrorFile)
	require.NoError(t, err)
	assert.Equal(t, "oops\npartial", string(errOut))

	assert.Equal(t, int64(3), h.sup.Status().Logs.Lines)
}

func TestSupervisor_PrepareFailsOnBadSink(t *testing.T) {
	spec := testSpec(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	spec.OutFile = filepath.Join(blocker, "out.log")

	h := newHarness(t, spec)

	err := h.sup.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
	assert.Equal(t, StateStopped, h.sup.GetState())
	assert.Zero(t, h.launcher.calls.Load())
}

func TestSupervisor_WritesAndRemovesPIDFile(t *testing.T) {
	pidDir := t.TempDir()
	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{BaseDirectory: pidDir}, logging.NewNopLogger())
	h := newHarness(t, testSpec(t), WithPIDFiles(pidFiles))

	require.NoError(t, h.sup.Start(context.Background()))
	p := h.nextProcess(t)

	pid, err := pidFiles.ReadPIDFile("worker", "")
	require.NoError(t, err)
	assert.Equal(t, p.Pid(), pid)

	require.NoError(t, h.sup.Stop(context.Background(), 0))
	_, err = os.Stat(filepath.Join(pidDir, "worker.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestSupervisor_CrashedBeforeLogsDrain(t *testing.T) {
	h := newHarness(t, testSpec(t), WithLogDrainTimeout(time.Second))
	h.launcher.prepare = func(p *fakeProcess) {
		p.keepStreamsOpen = true
	}

	require.NoError(t, h.sup.Start(context.Background()))
	first := h.nextProcess(t)

	first.exit(process.ExitStatus{Code: 1})

	require.Eventually(t, func() bool {
		return h.sup.GetState() == StateCrashed
	}, 300*time.Millisecond, tick, "crashed as soon as the exit is observed")
	assert.Zero(t, h.sup.Status().PID, "no PID is reported for an exited child")
	assert.Equal(t, int32(1), h.launcher.calls.Load(), "the restart waits for the log drain")

	h.nextProcess(t)
	h.waitState(t, StateRunning)
}

// assertRestartingUntil checks that the app stays in restarting for the
// whole delay and that the next launch is not earlier than the delay.
func assertRestartingUntil(t *testing.T, h *harness, crashedAt time.Time, delay time.Duration) *fakeProcess {
	t.Helper()
	h.waitState(t, StateRestarting)
	calls := h.launcher.calls.Load()
	for time.Since(crashedAt) < delay-30*time.Millisecond {
		require.Equal(t, StateRestarting, h.sup.GetState())
		require.Equal(t, calls, h.launcher.calls.Load(), "no launch during the delay")
		time.Sleep(tick)
	}

	next := h.nextProcess(t)
	assert.GreaterOrEqual(t, next.StartedAt().Sub(crashedAt), delay)
	h.waitState(t, StateRunning)
	return next
}

func TestSupervisor_RestartingForWholeDelay(t *testing.T) {
	spec := testSpec(t)
	spec.RestartDelay = 150 * time.Millisecond
	h := newHarness(t, spec)

	require.NoError(t, h.sup.Start(context.Background()))
	first := h.nextProcess(t)

	crashedAt := time.Now()
	first.exit(process.ExitStatus{Code: 1})

	assertRestartingUntil(t, h, crashedAt, spec.RestartDelay)
	assert.Equal(t, int32(2), h.launcher.calls.Load())
}

func TestSupervisor_ExitAndMemoryScenario(t *testing.T) {
	dir := t.TempDir()
	spec := appspec.AppSpec{
		Name:                   "pikalo-bot",
		Script:                 "bot.py",
		Interpreter:            "python3",
		RestartDelay:           150 * time.Millisecond,
		Autorestart:            true,
		MemoryRestartThreshold: 200 * 1024 * 1024,
		KillTimeout:            200 * time.Millisecond,
		OutFile:                filepath.Join(dir, "out.log"),
		ErrorFile:              filepath.Join(dir, "error.log"),
		MergeLogs:              true,
	}
	h := newHarness(t, spec)

	require.NoError(t, h.sup.Start(context.Background()))
	first := h.nextProcess(t)
	h.nextWatch(t)

	_, err := first.stdoutW.Write([]byte("starting\n"))
	require.NoError(t, err)
	_, err = first.stderrW.Write([]byte("fatal\n"))
	require.NoError(t, err)

	crashedAt := time.Now()
	first.exit(process.ExitStatus{Code: 1})
	second := assertRestartingUntil(t, h, crashedAt, spec.RestartDelay)

	status := h.sup.Status()
	assert.Equal(t, restartpolicy.ExitReasonExit, status.Restart.LastExitReason)
	assert.Equal(t, 1, status.Restart.LastExitCode)
	assert.Equal(t, 1, status.Restart.Restarts)

	samples := h.nextWatch(t)
	crashedAt = time.Now()
	samples <- resourcemonitor.MemorySample{PID: second.Pid(), RSSBytes: 210 * 1024 * 1024, Timestamp: crashedAt}

	h.waitState(t, StateRestarting)
	assert.Equal(t, int32(1), second.killed.Load())
	assert.Zero(t, second.terminated.Load())
	assertRestartingUntil(t, h, crashedAt, spec.RestartDelay)

	status = h.sup.Status()
	assert.Equal(t, restartpolicy.ExitReasonMemoryLimit, status.Restart.LastExitReason)
	assert.Equal(t, 2, status.Restart.Restarts)

	_, exits := h.metrics.snapshot()
	assert.Equal(t, []restartpolicy.ExitReason{restartpolicy.ExitReasonExit, restartpolicy.ExitReasonMemoryLimit}, exits)

	require.NoError(t, h.sup.Stop(context.Background(), 0))
	_, err = os.Stat(spec.ErrorFile)
	assert.True(t, os.IsNotExist(err), "merged logs never touch the error sink")
	out, err := os.ReadFile(spec.OutFile)
	require.NoError(t, err)
	assert.Contains(t, string(out), "starting\n")
	assert.Contains(t, string(out), "fatal\n")
}
