package appspec

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// AppSpec is the resolved, validated description of one supervised app.
// It is loaded once and treated as read-only afterwards.
type AppSpec struct {
	Name             string
	Script           string
	Interpreter      string
	Args             []string
	WorkingDirectory string
	Env              map[string]string

	RestartDelay           time.Duration
	Autorestart            bool
	MemoryRestartThreshold int64 // bytes, 0 when unset
	MinUptime              time.Duration
	MaxRestarts            int
	ExpBackoffRestartDelay time.Duration
	KillTimeout            time.Duration

	OutFile       string
	ErrorFile     string
	MergeLogs     bool
	LogDateFormat string
	PidFile       string
}

const (
	DefaultKillTimeout = 1600 * time.Millisecond
	DefaultLogDir      = "logs"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Resolve validates an AppConfig and produces an AppSpec. Relative paths
// (script, cwd, log sinks, pid file, interpreters containing a path
// separator) resolve against baseDir; bare interpreter names are left for
// PATH lookup at launch.
func Resolve(app AppConfig, baseDir string) (AppSpec, error) {
	if err := validateApp(app); err != nil {
		return AppSpec{}, err
	}

	spec := AppSpec{
		Name:          app.Name,
		Args:          append([]string(nil), app.Args...),
		Autorestart:   true,
		MergeLogs:     app.MergeLogs,
		MaxRestarts:   app.MaxRestarts,
		LogDateFormat: app.LogDateFormat,
		KillTimeout:   DefaultKillTimeout,
	}

	if app.Autorestart != nil {
		spec.Autorestart = *app.Autorestart
	}
	if app.RestartDelay != nil {
		spec.RestartDelay = millis(*app.RestartDelay)
	}
	spec.MinUptime = spec.RestartDelay
	if app.MinUptime != nil {
		spec.MinUptime = millis(*app.MinUptime)
	}
	if app.KillTimeout != nil {
		spec.KillTimeout = millis(*app.KillTimeout)
	}
	spec.ExpBackoffRestartDelay = millis(app.ExpBackoffRestartDelay)

	if app.MaxMemoryRestart != "" {
		threshold, err := ParseMemory(app.MaxMemoryRestart)
		if err != nil {
			return AppSpec{}, err
		}
		spec.MemoryRestartThreshold = threshold
	}

	spec.WorkingDirectory = resolvePath(baseDir, app.Cwd)
	// Script and relative interpreters are relative to the app's cwd when
	// one is given, otherwise to the config file.
	pathBase := baseDir
	if spec.WorkingDirectory != "" {
		pathBase = spec.WorkingDirectory
	}
	spec.Script = resolvePath(pathBase, app.Script)
	spec.Interpreter = app.Interpreter
	if strings.ContainsRune(app.Interpreter, '/') || strings.ContainsRune(app.Interpreter, filepath.Separator) {
		spec.Interpreter = resolvePath(pathBase, app.Interpreter)
	}

	spec.OutFile = resolvePath(baseDir, app.OutFile)
	if spec.OutFile == "" {
		spec.OutFile = resolvePath(baseDir, filepath.Join(DefaultLogDir, app.Name+"-out.log"))
	}
	spec.ErrorFile = resolvePath(baseDir, app.ErrorFile)
	if spec.ErrorFile == "" {
		spec.ErrorFile = resolvePath(baseDir, filepath.Join(DefaultLogDir, app.Name+"-error.log"))
	}
	spec.PidFile = resolvePath(baseDir, app.PidFile)

	if len(app.Env) > 0 {
		spec.Env = make(map[string]string, len(app.Env))
		for k, v := range app.Env {
			spec.Env[k] = v
		}
	}

	return spec, nil
}

func validateApp(app AppConfig) error {
	if app.Name == "" {
		return errors.NewConfigError("app name is required", nil)
	}
	if !namePattern.MatchString(app.Name) {
		return errors.NewConfigError("app name may only contain letters, digits, '.', '_' and '-'", nil).WithContext("name", app.Name)
	}
	if strings.TrimSpace(app.Script) == "" {
		return errors.NewConfigError("script is required", nil).WithContext("app", app.Name)
	}

	durations := []struct {
		key   string
		value *int64
	}{
		{"restart_delay", app.RestartDelay},
		{"kill_timeout", app.KillTimeout},
		{"min_uptime", app.MinUptime},
		{"exp_backoff_restart_delay", &app.ExpBackoffRestartDelay},
	}
	for _, d := range durations {
		if d.value != nil && *d.value < 0 {
			return errors.NewConfigError(fmt.Sprintf("%s cannot be negative", d.key), nil).
				WithContext("app", app.Name).
				WithContext(d.key, *d.value)
		}
	}
	if app.MaxRestarts < 0 {
		return errors.NewConfigError("max_restarts cannot be negative", nil).WithContext("app", app.Name)
	}
	for key := range app.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return errors.NewConfigError("invalid environment variable name", nil).
				WithContext("app", app.Name).
				WithContext("key", key)
		}
	}
	return nil
}

// EnvKeys returns the configured environment keys in sorted order.
func (s AppSpec) EnvKeys() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Command returns the executable and its argument list: the interpreter
// runs the script, otherwise the script is executed directly.
func (s AppSpec) Command() (string, []string) {
	if s.Interpreter == "" {
		return s.Script, append([]string(nil), s.Args...)
	}
	args := make([]string, 0, len(s.Args)+1)
	args = append(args, s.Script)
	args = append(args, s.Args...)
	return s.Interpreter, args
}

// SharedSink reports whether stdout and stderr land in the same file.
func (s AppSpec) SharedSink() bool {
	return s.MergeLogs || s.OutFile == s.ErrorFile
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func resolvePath(base, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) || base == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
