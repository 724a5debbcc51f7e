package appspec

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"gopkg.in/yaml.v3"
)

// EcosystemConfig is the top-level configuration file. JSON files are
// accepted as well since they parse as YAML.
type EcosystemConfig struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Apps       []AppConfig      `yaml:"apps"`

	// Directory of the loaded file; relative app paths resolve against it.
	BaseDir string `yaml:"-"`
}

// SupervisorConfig holds supervisor-level settings. Command line flags
// override any of them.
type SupervisorConfig struct {
	LogLevel    string        `yaml:"log_level,omitempty"`
	LogFile     string        `yaml:"log_file,omitempty"`
	LogFormat   string        `yaml:"log_format,omitempty"`
	MetricsPort int           `yaml:"metrics_port,omitempty"`
	ControlPort int           `yaml:"control_port,omitempty"`
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"` // zero uses each app's kill_timeout
	PIDDir      string        `yaml:"pid_dir,omitempty"`
}

// AppConfig mirrors one entry of a pm2 ecosystem "apps" list. Durations
// are integers in milliseconds, sizes are strings like "200M".
type AppConfig struct {
	Name             string            `yaml:"name"`
	Script           string            `yaml:"script"`
	Interpreter      string            `yaml:"interpreter,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	Cwd              string            `yaml:"cwd,omitempty"`
	RestartDelay     *int64            `yaml:"restart_delay,omitempty"`
	Autorestart      *bool             `yaml:"autorestart,omitempty"`
	MaxMemoryRestart string            `yaml:"max_memory_restart,omitempty"`
	ErrorFile        string            `yaml:"error_file,omitempty"`
	OutFile          string            `yaml:"out_file,omitempty"`
	MergeLogs        bool              `yaml:"merge_logs,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`

	KillTimeout            *int64 `yaml:"kill_timeout,omitempty"`
	MinUptime              *int64 `yaml:"min_uptime,omitempty"`
	MaxRestarts            int    `yaml:"max_restarts,omitempty"`
	ExpBackoffRestartDelay int64  `yaml:"exp_backoff_restart_delay,omitempty"`
	LogDateFormat          string `yaml:"log_date_format,omitempty"`
	PidFile                string `yaml:"pid_file,omitempty"`
}

const DefaultLogLevel = "info"

// LoadConfigFromFile reads and parses an ecosystem file. It does not
// validate apps; see ValidateConfig and ResolveAll.
func LoadConfigFromFile(filename string) (*EcosystemConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewConfigError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewConfigError("failed to parse configuration", err).WithContext("filename", filename)
	}

	absolute, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.NewConfigError("failed to resolve configuration path", err).WithContext("filename", filename)
	}
	config.BaseDir = filepath.Dir(absolute)

	return config, nil
}

// ParseConfig decodes YAML or JSON configuration data.
func ParseConfig(data []byte) (*EcosystemConfig, error) {
	var config EcosystemConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewConfigError("failed to parse YAML configuration", err)
	}
	setSupervisorDefaults(&config.Supervisor)
	return &config, nil
}

func setSupervisorDefaults(config *SupervisorConfig) {
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
}

// ValidateConfig checks supervisor settings and app-level uniqueness.
// Per-app field checks happen in Resolve.
func ValidateConfig(config *EcosystemConfig) error {
	if config == nil {
		return errors.NewConfigError("configuration cannot be nil", nil)
	}
	if len(config.Apps) == 0 {
		return errors.NewConfigError("at least one app must be configured", nil)
	}
	if config.Supervisor.MetricsPort < 0 || config.Supervisor.MetricsPort > 65535 {
		return errors.NewConfigError("invalid metrics port", nil).WithContext("port", config.Supervisor.MetricsPort)
	}
	if config.Supervisor.ControlPort < 0 || config.Supervisor.ControlPort > 65535 {
		return errors.NewConfigError("invalid control port", nil).WithContext("port", config.Supervisor.ControlPort)
	}
	if config.Supervisor.StopTimeout < 0 {
		return errors.NewConfigError("stop timeout cannot be negative", nil)
	}

	seen := make(map[string]int, len(config.Apps))
	for i, app := range config.Apps {
		if previous, ok := seen[app.Name]; ok && app.Name != "" {
			return errors.NewConfigError(fmt.Sprintf("duplicate app name: %s", app.Name), nil).
				WithContext("first_index", previous).
				WithContext("second_index", i)
		}
		seen[app.Name] = i
	}
	return nil
}

// ResolveAll validates every app and converts it to an AppSpec.
func ResolveAll(config *EcosystemConfig, logger logging.Logger) ([]AppSpec, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	specs := make([]AppSpec, 0, len(config.Apps))
	for i, app := range config.Apps {
		spec, err := Resolve(app, config.BaseDir)
		if err != nil {
			return nil, errors.NewConfigError(fmt.Sprintf("invalid app at index %d", i), err).WithContext("app", app.Name)
		}
		if spec.MergeLogs && app.ErrorFile != "" && spec.ErrorFile != spec.OutFile {
			logger.Warnf("merge_logs is set, stderr goes to out_file and error_file is unused, app: %s, error_file: %s", spec.Name, spec.ErrorFile)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
