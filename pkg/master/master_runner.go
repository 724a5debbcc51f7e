package master

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

// Process exit codes of the supervisor binary.
const (
	ExitCodeStopped   = 0 // stopped by signal or run duration
	ExitCodeExhausted = 1 // every app was stopped by its restart policy
	ExitCodeConfig    = 2 // bad configuration or unopenable log sink
)

type RunOptions struct {
	Config *appspec.EcosystemConfig

	// RunDuration stops everything after the given time (debug feature).
	RunDuration time.Duration

	// Extra supervisor options, applied after the runner's own.
	SupervisorOptions []supervisor.Option
}

// Run supervises every configured app until a termination signal, the
// run duration, ctx cancellation or policy exhaustion of all apps, then
// stops everything. It returns the process exit code.
func Run(ctx context.Context, options RunOptions, logger logging.Logger) (int, error) {
	logger.Infof("Master runner starting...")

	if ctx == nil {
		ctx = context.Background()
	}
	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	config := options.Config
	specs, err := appspec.ResolveAll(config, logger)
	if err != nil {
		return ExitCodeConfig, err
	}
	if err := validateSupervisorConfig(config.Supervisor); err != nil {
		return ExitCodeConfig, err
	}

	logger.Infof("Configuration loaded, apps: %d, base dir: %s", len(specs), config.BaseDir)

	pidFiles := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory:   config.Supervisor.PIDDir,
		UseSubdirectory: config.Supervisor.PIDDir == "",
	}, logger)

	supervisorOpts := []supervisor.Option{supervisor.WithPIDFiles(pidFiles)}

	var collector *supervisor.PrometheusMetricsCollector
	if config.Supervisor.MetricsPort > 0 {
		collector = supervisor.NewPrometheusMetricsCollector("")
		supervisorOpts = append(supervisorOpts, supervisor.WithMetrics(collector))
	}
	supervisorOpts = append(supervisorOpts, options.SupervisorOptions...)

	master := NewMaster(MasterOptions{StopTimeout: config.Supervisor.StopTimeout}, logger, supervisorOpts...)
	for _, spec := range specs {
		if err := master.AddApp(spec); err != nil {
			return ExitCodeConfig, err
		}
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	if err := master.Start(ctx); err != nil {
		return ExitCodeConfig, err
	}

	serverCtx, stopServers := context.WithCancel(context.Background())
	defer stopServers()

	metricsServer, controlServer, err := startServers(serverCtx, config.Supervisor, collector, master, logger)
	if err != nil {
		master.Stop(context.Background())
		return ExitCodeConfig, err
	}

	exhausted := make(chan struct{})
	go func() {
		if master.WaitExhausted(serverCtx) {
			close(exhausted)
		}
	}()

	logger.Infof("Master is fully operational")

	exitCode := ExitCodeStopped
	select {
	case receivedSignal := <-sig:
		logger.Infof("Master runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Master runner finished waiting: %v", ctx.Err())
	case <-exhausted:
		logger.Warnf("Every app was stopped by its restart policy")
		exitCode = ExitCodeExhausted
	}

	logger.Infof("Ready to stop master...")

	// Reset context to background to enable graceful shutdown
	stopErr := master.Stop(context.Background())

	stopServers()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if controlServer != nil {
		controlServer.Stop(shutdownCtx)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warnf("Failed to stop metrics server: %v", err)
		}
	}

	logger.Infof("Master runner stopped")
	return exitCode, stopErr
}

func startServers(ctx context.Context, config appspec.SupervisorConfig, collector *supervisor.PrometheusMetricsCollector,
	master *Master, logger logging.Logger) (*control.MetricsServer, *control.Server, error) {
	var metricsServer *control.MetricsServer
	if collector != nil {
		server, err := control.NewMetricsServer(config.MetricsPort, collector.Registry(), logger)
		if err != nil {
			return nil, nil, errors.NewConfigError("failed to start metrics server", err)
		}
		server.Start()
		metricsServer = server
	}

	if config.ControlPort > 0 {
		controlServer, err := control.NewServer(control.ServerOptions{Port: config.ControlPort}, master, logger)
		if err != nil {
			if metricsServer != nil {
				metricsServer.Stop(context.Background())
			}
			return nil, nil, errors.NewConfigError("failed to start control server", err)
		}
		controlServer.Start(ctx)
		return metricsServer, controlServer, nil
	}

	return metricsServer, nil, nil
}

// LoadAndValidate reads a configuration file and applies every check Run
// would, without starting anything.
func LoadAndValidate(configFile string, logger logging.Logger) (*appspec.EcosystemConfig, error) {
	config, err := appspec.LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}
	if _, err := appspec.ResolveAll(config, logger); err != nil {
		return nil, err
	}
	if err := validateSupervisorConfig(config.Supervisor); err != nil {
		return nil, err
	}
	return config, nil
}

func validateSupervisorConfig(config appspec.SupervisorConfig) error {
	if err := ValidatePort(config.MetricsPort); err != nil {
		return errors.NewConfigError("invalid metrics port", err)
	}
	if err := ValidatePort(config.ControlPort); err != nil {
		return errors.NewConfigError("invalid control port", err)
	}
	if err := ValidateTimeout(config.StopTimeout, "stop"); err != nil {
		return errors.NewConfigError("invalid stop timeout", err)
	}
	return nil
}
