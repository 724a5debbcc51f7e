package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/master"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the ecosystem configuration file" required:"true"`
	LogLevel    string `long:"log-level" description:"supervisor log level (debug, info, warn, error)"`
	LogFile     string `long:"log-file" description:"supervisor log file, rotated; default is stderr"`
	LogFormat   string `long:"log-format" description:"supervisor log format (console, json)"`
	MetricsPort int    `long:"metrics-port" description:"port for the Prometheus /metrics endpoint, 0 disables it"`
	ControlPort int    `long:"control-port" description:"port for the gRPC health service, 0 disables it"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the supervisor (debug feature)"`
	Validate    bool   `long:"validate" description:"validate the configuration and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	var opts flagOptions
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		return master.ExitCodeConfig
	}

	config, err := appspec.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return master.ExitCodeConfig
	}
	applyFlagOverrides(&config.Supervisor, opts)

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = config.Supervisor.LogLevel
	if config.Supervisor.LogFormat != "" {
		zapConfig.Format = config.Supervisor.LogFormat
	}
	if config.Supervisor.LogFile != "" {
		zapConfig.Output = config.Supervisor.LogFile
	}

	zapLogger, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return master.ExitCodeConfig
	}
	defer zapLogger.Sync()

	logger := logging.NewZapBackedLogger(logPrefix("hsu-supervisor"), zapLogger.Sugar())
	logger.Infof("opts: %+v", opts)

	if opts.Validate {
		if _, err := master.LoadAndValidate(opts.Config, logger); err != nil {
			logger.Errorf("Configuration is invalid: %v", err)
			return master.ExitCodeConfig
		}
		logger.Infof("Configuration is valid: %s", opts.Config)
		return master.ExitCodeStopped
	}

	runOptions := master.RunOptions{
		Config:      config,
		RunDuration: time.Duration(opts.RunDuration) * time.Second,
	}
	code, err := master.Run(context.Background(), runOptions, logger)
	if err != nil {
		logger.Errorf("Supervisor finished with error: %v", err)
	}
	logger.Infof("Exiting with code %d", code)
	return code
}

func applyFlagOverrides(config *appspec.SupervisorConfig, opts flagOptions) {
	if opts.LogLevel != "" {
		config.LogLevel = opts.LogLevel
	}
	if opts.LogFile != "" {
		config.LogFile = opts.LogFile
	}
	if opts.LogFormat != "" {
		config.LogFormat = opts.LogFormat
	}
	if opts.MetricsPort != 0 {
		config.MetricsPort = opts.MetricsPort
	}
	if opts.ControlPort != 0 {
		config.ControlPort = opts.ControlPort
	}
}
