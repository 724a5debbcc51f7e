package supervisor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/resourcemonitor"
	"github.com/core-tools/hsu-supervisor/pkg/restartpolicy"
)

type fakeProcess struct {
	pid       int
	startedAt time.Time

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	mutex    sync.Mutex
	status   process.ExitStatus

	ignoreTerminate bool
	// keepStreamsOpen leaves stdout and stderr open after exit, as when a
	// grandchild inherited them.
	keepStreamsOpen bool
	terminated      atomic.Int32
	killed          atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	return &fakeProcess{
		pid:       pid,
		startedAt: time.Now(),
		stdoutR:   stdoutR,
		stdoutW:   stdoutW,
		stderrR:   stderrR,
		stderrW:   stderrW,
		done:      make(chan struct{}),
	}
}

func (p *fakeProcess) exit(status process.ExitStatus) {
	p.exitOnce.Do(func() {
		p.mutex.Lock()
		p.status = status
		keepOpen := p.keepStreamsOpen
		p.mutex.Unlock()
		if !keepOpen {
			p.stdoutW.Close()
			p.stderrW.Close()
		}
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) StartedAt() time.Time  { return p.startedAt }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitStatus() process.ExitStatus {
	<-p.done
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.status
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	if !p.ignoreTerminate {
		p.exit(process.ExitStatus{Code: -1, Signal: "SIGTERM"})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	p.exit(process.ExitStatus{Code: -1, Signal: "SIGKILL"})
	return nil
}

func (p *fakeProcess) Close() error {
	p.stdoutR.Close()
	p.stderrR.Close()
	return nil
}

// fakeLauncher hands out fake processes and publishes each on launched.
type fakeLauncher struct {
	mutex    sync.Mutex
	nextPID  int
	failures []error
	prepare  func(p *fakeProcess)
	launched chan *fakeProcess
	calls    atomic.Int32
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, launched: make(chan *fakeProcess, 64)}
}

// failNext makes the following launches fail with the given errors.
func (l *fakeLauncher) failNext(errs ...error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.failures = append(l.failures, errs...)
}

func (l *fakeLauncher) launch(ctx context.Context, spec appspec.AppSpec) (Process, error) {
	l.calls.Add(1)

	l.mutex.Lock()
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		l.mutex.Unlock()
		return nil, err
	}
	l.nextPID++
	p := newFakeProcess(l.nextPID)
	prepare := l.prepare
	l.mutex.Unlock()

	if prepare != nil {
		prepare(p)
	}
	l.launched <- p
	return p, nil
}

// fakeWatcher exposes one sample channel per watch.
type fakeWatcher struct {
	watches chan chan resourcemonitor.MemorySample
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{watches: make(chan chan resourcemonitor.MemorySample, 64)}
}

func (w *fakeWatcher) Watch(ctx context.Context, target resourcemonitor.Target) <-chan resourcemonitor.MemorySample {
	samples := make(chan resourcemonitor.MemorySample, 1)
	w.watches <- samples
	return samples
}

type recordingMetrics struct {
	mutex       sync.Mutex
	transitions []State
	exits       []restartpolicy.ExitReason
	restarts    int
	lastRSS     int64
}

func (m *recordingMetrics) StateTransition(app string, from, to State) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.transitions = append(m.transitions, to)
}

func (m *recordingMetrics) Exit(app string, reason restartpolicy.ExitReason) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.exits = append(m.exits, reason)
}

func (m *recordingMetrics) Restart(app string, reason restartpolicy.ExitReason, delay time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.restarts++
}

func (m *recordingMetrics) MemorySample(app string, rssBytes int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.lastRSS = rssBytes
}

func (m *recordingMetrics) snapshot() ([]State, []restartpolicy.ExitReason) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]State(nil), m.transitions...), append([]restartpolicy.ExitReason(nil), m.exits...)
}
