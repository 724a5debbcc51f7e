package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/logrouter"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/resourcemonitor"
	"github.com/core-tools/hsu-supervisor/pkg/restartpolicy"
)

const (
	// How long to wait for a killed child to be reaped.
	forceKillTimeout = 5 * time.Second

	// DefaultLogDrainTimeout bounds how long an exited child's streams are read.
	DefaultLogDrainTimeout = 2 * time.Second
)

// Status is a point-in-time snapshot of one app.
type Status struct {
	Name             string                        `json:"name"`
	State            State                         `json:"state"`
	PID              int                           `json:"pid,omitempty"`
	StartedAt        time.Time                     `json:"started_at,omitempty"`
	Uptime           time.Duration                 `json:"uptime,omitempty"`
	Restart          restartpolicy.State           `json:"restart"`
	MemoryThreshold  int64                         `json:"memory_threshold,omitempty"`
	LastMemorySample *resourcemonitor.MemorySample `json:"last_memory_sample,omitempty"`
	Logs             logrouter.Stats               `json:"logs"`
}

type claim int

const (
	claimNone claim = iota
	claimExit
	claimMemory
	claimStop
)

// instance is one launched child. Exactly one of natural exit, memory
// kill or stop claims it; the claimant decides what happens next.
type instance struct {
	proc      Process
	startedAt time.Time
	router    *logrouter.Router
	ctx       context.Context
	cancel    context.CancelFunc
	owner     claim
	finished  chan struct{}
}

// Supervisor runs one app: launches it, watches memory and exit, routes
// its output, and restarts it as the restart policy says.
type Supervisor struct {
	spec            appspec.AppSpec
	logger          logging.Logger
	launch          LaunchFunc
	monitor         MemoryWatcher
	policy          restartpolicy.Policy
	metrics         MetricsCollector
	pidFiles        *processfile.ProcessFileManager
	logDrainTimeout time.Duration

	mutex           sync.RWMutex
	state           State
	generation      uint64 // bumped by Start and Stop; stale timers and launches compare against it
	current         *instance
	restartTimer    *time.Timer
	restart         restartpolicy.State
	lastSample      *resourcemonitor.MemorySample
	sinks           *logrouter.Sinks
	router          *logrouter.Router
	exhausted       chan struct{}
	exhaustedClosed bool
}

type Option func(*Supervisor)

func WithLauncher(launch LaunchFunc) Option {
	return func(s *Supervisor) {
		if launch != nil {
			s.launch = launch
		}
	}
}

func WithMemoryWatcher(monitor MemoryWatcher) Option {
	return func(s *Supervisor) {
		if monitor != nil {
			s.monitor = monitor
		}
	}
}

// WithPolicy replaces the policy chosen from the app's configuration.
func WithPolicy(policy restartpolicy.Policy) Option {
	return func(s *Supervisor) {
		if policy != nil {
			s.policy = policy
		}
	}
}

func WithMetrics(metrics MetricsCollector) Option {
	return func(s *Supervisor) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithPIDFiles enables PID files. Without it none are written.
func WithPIDFiles(pidFiles *processfile.ProcessFileManager) Option {
	return func(s *Supervisor) {
		s.pidFiles = pidFiles
	}
}

func WithLogDrainTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.logDrainTimeout = timeout
		}
	}
}

func New(spec appspec.AppSpec, logger logging.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		spec:            spec,
		logger:          logger,
		launch:          NewProcessLauncher(logger),
		monitor:         resourcemonitor.NewMonitor(logger),
		policy:          restartpolicy.ForSpec(spec),
		metrics:         NewNoopMetricsCollector(),
		logDrainTimeout: DefaultLogDrainTimeout,
		state:           StateIdle,
		exhausted:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Name() string {
	return s.spec.Name
}

func (s *Supervisor) Spec() appspec.AppSpec {
	return s.spec
}

// Prepare opens the app's log sinks. It runs implicitly on the first
// Start; calling it up front surfaces ConfigErrors before anything is
// launched. The sinks stay open until Close.
func (s *Supervisor) Prepare() error {
	if s.pidFiles != nil {
		if pid := s.pidFiles.LivePID(s.spec.Name, s.spec.PidFile); pid != 0 {
			s.logger.Warnf("PID file points at a live process, possibly left by a previous run, app: %s, PID: %d", s.spec.Name, pid)
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.sinks != nil {
		return nil
	}

	sinks, err := logrouter.OpenSinks(s.spec)
	if err != nil {
		s.logger.Errorf("Failed to open log sinks, app: %s, error: %v", s.spec.Name, err)
		if canStartFromState(s.state) {
			s.setStateLocked(StateStopped)
		}
		return err
	}

	s.sinks = sinks
	s.router = logrouter.NewRouter(sinks, s.spec.LogDateFormat, s.logger)
	s.logger.Debugf("Log sinks opened, app: %s, out: %s, err: %s, merged: %t",
		s.spec.Name, sinks.Stdout.Path(), sinks.Stderr.Path(), sinks.Merged())
	return nil
}

// Start launches the app. A launch failure is returned and also handed to
// the restart policy like any other crash, so a restart may already be
// scheduled when Start returns an error.
func (s *Supervisor) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil).WithContext("app", s.spec.Name)
	}

	if err := s.Prepare(); err != nil {
		return err
	}

	generation, err := s.validateAndPlanStart()
	if err != nil {
		return err
	}

	s.logger.Infof("Starting app: %s", s.spec.Name)
	return s.launchInstance(ctx, generation)
}

// Stop cancels any pending restart and terminates the child: terminate
// signal, then kill once timeout (kill_timeout when zero) has passed.
// The restart policy is not consulted. Stopping an app that is not
// running is a no-op.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil).WithContext("app", s.spec.Name)
	}

	// Phase 1: claim the instance and invalidate timers and launches
	plan := s.validateAndPlanStop()
	if !plan.shouldProceed {
		return nil
	}

	s.logger.Infof("Stopping app: %s", s.spec.Name)

	// Phase 2: terminate outside the lock
	var stopErr error
	if plan.instance != nil {
		if plan.owned {
			stopErr = s.terminateInstance(ctx, plan.instance, timeout)
		}
		s.waitFinished(ctx, plan.instance)
	}

	// Phase 3
	s.finalizeStop()

	s.logger.Infof("App stopped: %s", s.spec.Name)
	return stopErr
}

// Restart stops the app and starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx, 0); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Close stops the app and releases its log sinks.
func (s *Supervisor) Close(ctx context.Context) error {
	stopErr := s.Stop(ctx, 0)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.sinks != nil {
		if err := s.sinks.Close(); err != nil {
			s.logger.Warnf("Failed to close log sinks, app: %s, error: %v", s.spec.Name, err)
		}
		s.sinks = nil
		s.router = nil
	}
	return stopErr
}

// Status never waits on the child.
func (s *Supervisor) Status() Status {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	status := Status{
		Name:            s.spec.Name,
		State:           s.state,
		Restart:         s.restart,
		MemoryThreshold: s.spec.MemoryRestartThreshold,
	}
	if s.current != nil && s.state == StateRunning {
		status.PID = s.current.proc.Pid()
		status.StartedAt = s.current.startedAt
		status.Uptime = time.Since(s.current.startedAt)
	}
	if s.lastSample != nil {
		sample := *s.lastSample
		status.LastMemorySample = &sample
	}
	if s.router != nil {
		status.Logs = s.router.Stats()
	}
	return status
}

func (s *Supervisor) GetState() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// Exhausted is closed when the restart policy decides to stop the app.
// A later Start opens a fresh channel.
func (s *Supervisor) Exhausted() <-chan struct{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.exhausted
}

// ===== LAUNCH =====

func (s *Supervisor) validateAndPlanStart() (uint64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !canStartFromState(s.state) {
		return 0, errors.NewConflictError(
			fmt.Sprintf("cannot start app in state '%s'", s.state), nil).
			WithContext("app", s.spec.Name).
			WithContext("current_state", string(s.state))
	}

	s.generation++
	if s.exhaustedClosed {
		s.exhausted = make(chan struct{})
		s.exhaustedClosed = false
	}
	s.restart.Attempts = 0
	s.setStateLocked(StateStarting)
	return s.generation, nil
}

func (s *Supervisor) launchInstance(ctx context.Context, generation uint64) error {
	proc, launchErr := s.launch(ctx, s.spec)

	inst, stale, err := s.commitLaunch(generation, proc, launchErr)
	if stale {
		if proc != nil {
			s.logger.Infof("Discarding process launched during stop, app: %s, PID: %d", s.spec.Name, proc.Pid())
			_ = proc.Kill()
			_ = proc.Close()
		}
		return errors.NewCancelledError("start cancelled by stop", nil).WithContext("app", s.spec.Name)
	}
	if err != nil {
		return err
	}

	s.writePIDFile(inst)

	attachment := inst.router.Attach(proc.Stdout(), proc.Stderr())
	samples := s.monitor.Watch(inst.ctx, proc)
	go s.watchInstance(generation, inst, samples, attachment)

	s.logger.Infof("App running: %s, PID: %d", s.spec.Name, proc.Pid())
	return nil
}

// commitLaunch records the outcome of a launch. stale means a Stop (or a
// newer Start) happened while the launch was in flight.
func (s *Supervisor) commitLaunch(generation uint64, proc Process, launchErr error) (*instance, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if generation != s.generation {
		return nil, true, nil
	}

	if launchErr != nil {
		s.logger.Errorf("Launch failed, app: %s, error: %v", s.spec.Name, launchErr)
		s.handleExitLocked(restartpolicy.Exit{
			Reason: restartpolicy.ExitReasonLaunchFailure,
			Code:   -1,
			At:     time.Now(),
			Err:    launchErr,
		})
		return nil, false, launchErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		proc:      proc,
		startedAt: proc.StartedAt(),
		router:    s.router,
		ctx:       ctx,
		cancel:    cancel,
		finished:  make(chan struct{}),
	}
	s.current = inst
	s.setStateLocked(StateRunning)
	return inst, false, nil
}

// relaunch fires from the restart timer.
func (s *Supervisor) relaunch(generation uint64) {
	if !s.beginRelaunch(generation) {
		return
	}
	s.logger.Infof("Restarting app: %s", s.spec.Name)
	if err := s.launchInstance(context.Background(), generation); err != nil {
		s.logger.Debugf("Relaunch did not produce a process, app: %s, error: %v", s.spec.Name, err)
	}
}

func (s *Supervisor) beginRelaunch(generation uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if generation != s.generation || s.state != StateRestarting {
		return false
	}
	s.restartTimer = nil
	s.setStateLocked(StateStarting)
	return true
}

// ===== INSTANCE LIFECYCLE =====

func (s *Supervisor) watchInstance(generation uint64, inst *instance, samples <-chan resourcemonitor.MemorySample, attachment *logrouter.Attachment) {
	defer close(inst.finished)

	exit, owned := s.awaitExit(inst, samples)
	s.releaseInstance(inst, attachment)
	if !owned {
		// Stop owns this instance and sets the final state.
		return
	}
	s.finishInstance(generation, inst, exit)
}

// awaitExit blocks until the instance ends. owned is false when a stop
// claimed the instance first.
func (s *Supervisor) awaitExit(inst *instance, samples <-chan resourcemonitor.MemorySample) (restartpolicy.Exit, bool) {
	for {
		select {
		case <-inst.proc.Done():
			if !s.claimInstance(inst, claimExit) {
				return restartpolicy.Exit{}, false
			}
			return exitFromStatus(inst.proc.ExitStatus(), inst.startedAt), true

		case sample, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if !s.recordSample(sample) {
				continue
			}
			if !s.claimInstance(inst, claimMemory) {
				continue
			}
			return s.killForMemory(inst, sample), true
		}
	}
}

func (s *Supervisor) claimInstance(inst *instance, by claim) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if inst.owner != claimNone {
		return false
	}
	inst.owner = by
	// Crashed from the moment the outcome is known, not once logs drain.
	s.setStateLocked(StateCrashed)
	return true
}

// recordSample stores the sample and reports whether it breaches the
// memory threshold.
func (s *Supervisor) recordSample(sample resourcemonitor.MemorySample) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastSample = &sample
	s.metrics.MemorySample(s.spec.Name, sample.RSSBytes)

	threshold := s.spec.MemoryRestartThreshold
	return threshold > 0 && sample.RSSBytes > threshold
}

func (s *Supervisor) killForMemory(inst *instance, sample resourcemonitor.MemorySample) restartpolicy.Exit {
	s.logger.Warnf("Memory limit exceeded, killing app: %s, PID: %d, rss: %s, limit: %s",
		s.spec.Name, sample.PID, appspec.FormatMemory(sample.RSSBytes), appspec.FormatMemory(s.spec.MemoryRestartThreshold))

	if err := inst.proc.Kill(); err != nil {
		s.logger.Warnf("Failed to kill process, app: %s, PID: %d, error: %v", s.spec.Name, sample.PID, err)
	}

	exit := restartpolicy.Exit{
		Reason: restartpolicy.ExitReasonMemoryLimit,
		Code:   -1,
		Err: errors.NewCrashError("memory limit exceeded", nil).
			WithContext("rss_bytes", sample.RSSBytes).
			WithContext("limit_bytes", s.spec.MemoryRestartThreshold),
	}

	select {
	case <-inst.proc.Done():
		exit.Signal = inst.proc.ExitStatus().Signal
	case <-time.After(forceKillTimeout):
		s.logger.Errorf("Process did not exit after kill, app: %s, PID: %d", s.spec.Name, sample.PID)
	}

	exit.At = time.Now()
	exit.Uptime = exit.At.Sub(inst.startedAt)
	return exit
}

// releaseInstance stops monitoring, drains the log streams and removes
// the PID file.
func (s *Supervisor) releaseInstance(inst *instance, attachment *logrouter.Attachment) {
	inst.cancel()

	if !attachment.Wait(s.logDrainTimeout) {
		s.logger.Warnf("Log streams still open %v after exit, closing them, app: %s", s.logDrainTimeout, s.spec.Name)
	}
	if err := inst.proc.Close(); err != nil {
		s.logger.Debugf("Failed to close process streams, app: %s, error: %v", s.spec.Name, err)
	}

	s.removePIDFile()
}

func (s *Supervisor) finishInstance(generation uint64, inst *instance, exit restartpolicy.Exit) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.current == inst {
		s.current = nil
	}
	if generation != s.generation {
		// A stop arrived while the crash was being handled.
		return
	}

	if exit.Reason == restartpolicy.ExitReasonExit && exit.Code == 0 {
		s.logger.Infof("App exited, app: %s, code: 0, uptime: %v", s.spec.Name, exit.Uptime)
	} else {
		s.logger.Warnf("App crashed, app: %s, reason: %s, code: %d, signal: %s, uptime: %v",
			s.spec.Name, exit.Reason, exit.Code, exit.Signal, exit.Uptime)
	}
	s.handleExitLocked(exit)
}

// handleExitLocked consults the policy and either schedules a restart or
// stops the app. Caller holds the lock.
func (s *Supervisor) handleExitLocked(exit restartpolicy.Exit) {
	s.setStateLocked(StateCrashed)
	s.metrics.Exit(s.spec.Name, exit.Reason)

	decision := s.policy.Decide(exit, s.restart, s.spec)

	if decision.ResetAttempts {
		s.restart.Attempts = 0
	}
	s.restart.LastExitAt = exit.At
	s.restart.LastExitReason = exit.Reason
	s.restart.LastExitCode = exit.Code
	s.restart.LastExitSignal = exit.Signal

	if !decision.Restart {
		s.logger.Infof("Restart policy stopped app: %s, attempts: %d", s.spec.Name, s.restart.Attempts)
		s.setStateLocked(StateStopped)
		if !s.exhaustedClosed {
			close(s.exhausted)
			s.exhaustedClosed = true
		}
		return
	}

	s.restart.Attempts++
	s.restart.Restarts++
	s.setStateLocked(StateRestarting)
	s.metrics.Restart(s.spec.Name, exit.Reason, decision.After)

	s.logger.Infof("Scheduling restart, app: %s, delay: %v, attempt: %d", s.spec.Name, decision.After, s.restart.Attempts)

	generation := s.generation
	s.restartTimer = time.AfterFunc(decision.After, func() {
		s.relaunch(generation)
	})
}

// ===== STOP =====

type stopPlan struct {
	instance      *instance
	owned         bool
	shouldProceed bool
}

func (s *Supervisor) validateAndPlanStop() *stopPlan {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	plan := &stopPlan{}

	switch s.state {
	case StateIdle, StateStopped, StateStopping:
		return plan
	}

	s.generation++
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
		s.logger.Infof("Pending restart cancelled, app: %s", s.spec.Name)
	}

	if s.current != nil {
		plan.instance = s.current
		if s.current.owner == claimNone {
			s.current.owner = claimStop
			plan.owned = true
		}
	}

	s.setStateLocked(StateStopping)
	plan.shouldProceed = true
	return plan
}

func (s *Supervisor) terminateInstance(ctx context.Context, inst *instance, timeout time.Duration) error {
	pid := inst.proc.Pid()

	if timeout <= 0 {
		timeout = s.spec.KillTimeout
	}
	if timeout <= 0 {
		timeout = appspec.DefaultKillTimeout
	}

	s.logger.Infof("Sending termination signal, app: %s, PID: %d, timeout: %v", s.spec.Name, pid, timeout)
	if err := inst.proc.Terminate(); err != nil {
		s.logger.Warnf("Failed to send termination signal, app: %s, PID: %d, error: %v", s.spec.Name, pid, err)
	}

	select {
	case <-inst.proc.Done():
		s.logger.Infof("Process terminated gracefully, app: %s, PID: %d", s.spec.Name, pid)
		return nil
	case <-time.After(timeout):
		s.logger.Warnf("Process did not terminate within %v, killing, app: %s, PID: %d", timeout, s.spec.Name, pid)
	case <-ctx.Done():
		s.logger.Warnf("Context cancelled during graceful termination, killing, app: %s, PID: %d", s.spec.Name, pid)
	}

	if err := inst.proc.Kill(); err != nil {
		return errors.NewProcessError("failed to kill process", err).WithContext("app", s.spec.Name).WithContext("pid", pid)
	}

	select {
	case <-inst.proc.Done():
		s.logger.Infof("Process killed, app: %s, PID: %d", s.spec.Name, pid)
		return nil
	case <-time.After(forceKillTimeout):
		return errors.NewTimeoutError("process did not exit after kill", nil).WithContext("app", s.spec.Name).WithContext("pid", pid)
	}
}

// waitFinished waits for the instance watcher to release resources.
func (s *Supervisor) waitFinished(ctx context.Context, inst *instance) {
	select {
	case <-inst.finished:
	case <-ctx.Done():
		s.logger.Warnf("Context cancelled while waiting for app cleanup: %s", s.spec.Name)
	case <-time.After(forceKillTimeout + s.logDrainTimeout):
		s.logger.Warnf("Timed out waiting for app cleanup: %s", s.spec.Name)
	}
}

func (s *Supervisor) finalizeStop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.current = nil
	s.setStateLocked(StateStopped)
}

// ===== HELPERS =====

func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debugf("State transition: %s -> %s, app: %s", from, to, s.spec.Name)
	s.metrics.StateTransition(s.spec.Name, from, to)
}

func (s *Supervisor) writePIDFile(inst *instance) {
	if s.pidFiles == nil {
		return
	}
	if err := s.pidFiles.WritePIDFile(s.spec.Name, s.spec.PidFile, inst.proc.Pid()); err != nil {
		s.logger.Warnf("Failed to write PID file, app: %s, error: %v", s.spec.Name, err)
	}
}

func (s *Supervisor) removePIDFile() {
	if s.pidFiles == nil {
		return
	}
	if err := s.pidFiles.RemovePIDFile(s.spec.Name, s.spec.PidFile); err != nil {
		s.logger.Warnf("Failed to remove PID file, app: %s, error: %v", s.spec.Name, err)
	}
}

func exitFromStatus(status process.ExitStatus, startedAt time.Time) restartpolicy.Exit {
	now := time.Now()
	exit := restartpolicy.Exit{
		Reason: restartpolicy.ExitReasonExit,
		Code:   status.Code,
		Signal: status.Signal,
		At:     now,
		Uptime: now.Sub(startedAt),
		Err:    status.Err,
	}
	if status.Signaled() {
		exit.Reason = restartpolicy.ExitReasonSignal
	}
	return exit
}
