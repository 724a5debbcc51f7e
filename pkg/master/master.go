package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

type MasterOptions struct {
	// StopTimeout bounds the graceful phase of every app stop; zero uses
	// each app's kill_timeout.
	StopTimeout time.Duration

	// ForceShutdownTimeout bounds the whole Stop.
	ForceShutdownTimeout time.Duration
}

// MasterState represents the current state of the master
type MasterState string

const (
	// MasterStateNotStarted is the initial state; apps can be added
	MasterStateNotStarted MasterState = "not_started"

	// MasterStateRunning means apps are supervised and can be controlled
	MasterStateRunning MasterState = "running"

	// MasterStateStopping means master is shutting down
	MasterStateStopping MasterState = "stopping"

	// MasterStateStopped means master has stopped
	MasterStateStopped MasterState = "stopped"
)

const defaultForceShutdownTimeout = 30 * time.Second

// Master is the app registry: one Supervisor per configured app name.
type Master struct {
	options        MasterOptions
	logger         logging.Logger
	supervisorOpts []supervisor.Option

	supervisors map[string]*supervisor.Supervisor
	order       []string // configuration order
	masterState MasterState
	mutex       sync.Mutex
}

// NewMaster creates an empty registry. opts are applied to every
// supervisor it creates.
func NewMaster(options MasterOptions, logger logging.Logger, opts ...supervisor.Option) *Master {
	return &Master{
		options:        options,
		logger:         logger,
		supervisorOpts: opts,
		supervisors:    make(map[string]*supervisor.Supervisor),
		masterState:    MasterStateNotStarted,
	}
}

// AddApp registers an app. The registry is closed once Start is called.
func (m *Master) AddApp(spec appspec.AppSpec) error {
	if err := ValidateAppName(spec.Name); err != nil {
		return errors.NewValidationError("invalid app name", err).WithContext("app", spec.Name)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.masterState != MasterStateNotStarted {
		return errors.NewConflictError(
			fmt.Sprintf("cannot add apps in master state '%s'", m.masterState), nil).
			WithContext("app", spec.Name)
	}
	if _, exists := m.supervisors[spec.Name]; exists {
		return errors.NewConflictError("app already exists", nil).WithContext("app", spec.Name)
	}

	logger := logging.WithPrefix(m.logger, fmt.Sprintf("app: %s , ", spec.Name))
	m.supervisors[spec.Name] = supervisor.New(spec, logger, m.supervisorOpts...)
	m.order = append(m.order, spec.Name)

	m.logger.Infof("App added, name: %s, script: %s, autorestart: %t, restart_delay: %v, max_memory: %s",
		spec.Name, spec.Script, spec.Autorestart, spec.RestartDelay, describeThreshold(spec.MemoryRestartThreshold))
	return nil
}

// Start opens every app's log sinks and then starts every app. A sink
// that cannot be opened aborts Start before anything is launched. Launch
// failures do not abort: they are logged and handled by each app's
// restart policy.
func (m *Master) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	m.logger.Infof("Starting master...")

	if err := m.transitionFrom(MasterStateNotStarted, MasterStateRunning); err != nil {
		return err
	}

	supervisors := m.orderedSupervisors()

	for _, sup := range supervisors {
		if err := sup.Prepare(); err != nil {
			m.logger.Errorf("Failed to prepare app, name: %s, error: %v", sup.Name(), err)
			m.closeAll(supervisors)
			m.setMasterState(MasterStateStopped)
			return err
		}
	}

	for _, sup := range supervisors {
		if err := sup.Start(ctx); err != nil {
			m.logger.Errorf("Failed to start app, name: %s, error: %v", sup.Name(), err)
			continue
		}
	}

	m.logger.Infof("Master started, apps: %d", len(supervisors))
	return nil
}

// Stop stops every app in parallel and releases their sinks. Calling it
// more than once is harmless.
func (m *Master) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mutex.Lock()
	if m.masterState == MasterStateStopping || m.masterState == MasterStateStopped {
		m.mutex.Unlock()
		return nil
	}
	m.masterState = MasterStateStopping
	m.mutex.Unlock()

	m.logger.Infof("Stopping master...")

	forceShutdownTimeout := m.options.ForceShutdownTimeout
	if forceShutdownTimeout <= 0 {
		forceShutdownTimeout = defaultForceShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, forceShutdownTimeout)
	defer cancel()

	err := m.stopSupervisors(ctx)

	m.setMasterState(MasterStateStopped)
	m.logger.Infof("Master stopped")
	return err
}

func (m *Master) StartApp(ctx context.Context, name string) error {
	sup, err := m.runningSupervisor(name)
	if err != nil {
		return err
	}
	return sup.Start(ctx)
}

func (m *Master) StopApp(ctx context.Context, name string) error {
	sup, err := m.runningSupervisor(name)
	if err != nil {
		return err
	}
	return sup.Stop(ctx, m.options.StopTimeout)
}

func (m *Master) RestartApp(ctx context.Context, name string) error {
	sup, err := m.runningSupervisor(name)
	if err != nil {
		return err
	}
	if err := sup.Stop(ctx, m.options.StopTimeout); err != nil {
		return err
	}
	return sup.Start(ctx)
}

// Status returns the snapshot of one app.
func (m *Master) Status(name string) (supervisor.Status, error) {
	sup, _, exists := m.getSupervisorAndMasterState(name)
	if !exists {
		return supervisor.Status{}, errors.NewNotFoundError("app not found", nil).WithContext("app", name)
	}
	return sup.Status(), nil
}

// StatusAll returns every app's snapshot in configuration order.
func (m *Master) StatusAll() []supervisor.Status {
	supervisors := m.orderedSupervisors()
	result := make([]supervisor.Status, 0, len(supervisors))
	for _, sup := range supervisors {
		result = append(result, sup.Status())
	}
	return result
}

// Names returns the registered app names in configuration order.
func (m *Master) Names() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]string(nil), m.order...)
}

// GetMasterState returns the current state of the master
func (m *Master) GetMasterState() MasterState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.masterState
}

// WaitExhausted blocks until every app has been stopped by its restart
// policy, returning true, or until ctx is done, returning false. A manual
// start of an exhausted app re-arms the wait.
func (m *Master) WaitExhausted(ctx context.Context) bool {
	supervisors := m.orderedSupervisors()
	if len(supervisors) == 0 {
		return false
	}

	for {
		for _, sup := range supervisors {
			select {
			case <-sup.Exhausted():
			case <-ctx.Done():
				return false
			}
		}
		if allExhausted(supervisors) {
			return true
		}
	}
}

func allExhausted(supervisors []*supervisor.Supervisor) bool {
	for _, sup := range supervisors {
		select {
		case <-sup.Exhausted():
		default:
			return false
		}
	}
	return true
}

func (m *Master) stopSupervisors(ctx context.Context) error {
	m.logger.Infof("Stopping apps...")

	supervisors := m.orderedSupervisors()

	var wg sync.WaitGroup
	var errMutex sync.Mutex
	errorCollection := errors.NewErrorCollection()

	for _, sup := range supervisors {
		wg.Add(1)
		go func(sup *supervisor.Supervisor) {
			defer wg.Done()

			err := sup.Stop(ctx, m.options.StopTimeout)
			if closeErr := sup.Close(ctx); err == nil {
				err = closeErr
			}
			if err != nil {
				m.logger.Errorf("Failed to stop app, name: %s, error: %v", sup.Name(), err)
				errMutex.Lock()
				errorCollection.Add(errors.NewProcessError("failed to stop app", err).WithContext("app", sup.Name()))
				errMutex.Unlock()
			}
		}(sup)
	}
	wg.Wait()

	if errorCollection.HasErrors() {
		m.logger.Errorf("Some apps failed to stop: %v", errorCollection.Error())
		return errorCollection
	}

	m.logger.Infof("Apps stopped.")
	return nil
}

func (m *Master) closeAll(supervisors []*supervisor.Supervisor) {
	for _, sup := range supervisors {
		if err := sup.Close(context.Background()); err != nil {
			m.logger.Warnf("Failed to close app, name: %s, error: %v", sup.Name(), err)
		}
	}
}

func (m *Master) runningSupervisor(name string) (*supervisor.Supervisor, error) {
	sup, masterState, exists := m.getSupervisorAndMasterState(name)
	if !exists {
		return nil, errors.NewNotFoundError("app not found", nil).WithContext("app", name)
	}
	if masterState != MasterStateRunning {
		return nil, errors.NewValidationError(
			fmt.Sprintf("master must be running to control apps, current state: %s", masterState),
			nil,
		).WithContext("app", name).WithContext("master_state", string(masterState))
	}
	return sup, nil
}

// orderedSupervisors returns a copy of the supervisors under lock
func (m *Master) orderedSupervisors() []*supervisor.Supervisor {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make([]*supervisor.Supervisor, 0, len(m.order))
	for _, name := range m.order {
		result = append(result, m.supervisors[name])
	}
	return result
}

// getSupervisorAndMasterState returns supervisor and master state under lock
func (m *Master) getSupervisorAndMasterState(name string) (*supervisor.Supervisor, MasterState, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	sup, exists := m.supervisors[name]
	return sup, m.masterState, exists
}

func (m *Master) transitionFrom(from, to MasterState) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.masterState != from {
		return errors.NewConflictError(
			fmt.Sprintf("master cannot move to '%s' from state '%s'", to, m.masterState), nil)
	}
	m.masterState = to
	return nil
}

func (m *Master) setMasterState(state MasterState) {
	m.mutex.Lock()
	m.masterState = state
	m.mutex.Unlock()
}

func describeThreshold(bytes int64) string {
	if bytes <= 0 {
		return "unlimited"
	}
	return appspec.FormatMemory(bytes)
}
