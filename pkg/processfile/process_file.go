package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processstate"
)

const DefaultAppName = "hsu-supervisor"

// ProcessFileConfig controls where per-app PID files are written
type ProcessFileConfig struct {
	// Base directory for PID files. If empty, an OS-appropriate default for
	// the service context is used.
	BaseDirectory string

	ServiceContext ServiceContext

	// Subdirectory name under the base directory
	AppName string

	UseSubdirectory bool
}

// ServiceContext defines the context in which the supervisor runs
type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

// ProcessFileManager writes and removes PID files for supervised apps
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// GeneratePIDFilePath returns the PID file path for an app. An explicit
// path from the app's configuration always wins.
func (m *ProcessFileManager) GeneratePIDFilePath(appName, explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	baseDir := m.getBaseDirectory()
	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}
	return filepath.Join(baseDir, appName+".pid")
}

func (m *ProcessFileManager) WritePIDFile(appName, explicitPath string, pid int) error {
	pidFilePath := m.GeneratePIDFilePath(appName, explicitPath)
	m.logger.Debugf("Writing PID file, app: %s, pid: %d, path: %s", appName, pid, pidFilePath)

	if err := ValidatePIDFileDirectory(pidFilePath); err != nil {
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", pidFilePath)
	}

	pidContent := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(pidFilePath, []byte(pidContent), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", pidFilePath).WithContext("pid", pid)
	}
	return nil
}

func (m *ProcessFileManager) ReadPIDFile(appName, explicitPath string) (int, error) {
	pidFilePath := m.GeneratePIDFilePath(appName, explicitPath)

	content, err := os.ReadFile(pidFilePath)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFilePath)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", pidFilePath).WithContext("content", pidStr)
	}
	return pid, nil
}

// LivePID returns the PID recorded for the app if that process is still
// alive, typically an orphan left by a previous supervisor. Zero means
// no file, an unreadable file, or a dead process.
func (m *ProcessFileManager) LivePID(appName, explicitPath string) int {
	pid, err := m.ReadPIDFile(appName, explicitPath)
	if err != nil {
		return 0
	}
	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		m.logger.Debugf("Failed to probe PID from PID file, app: %s, pid: %d, error: %v", appName, pid, err)
		return 0
	}
	if !running {
		return 0
	}
	return pid
}

// RemovePIDFile deletes the app's PID file. A missing file is not an error.
func (m *ProcessFileManager) RemovePIDFile(appName, explicitPath string) error {
	pidFilePath := m.GeneratePIDFilePath(appName, explicitPath)
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", pidFilePath)
	}
	return nil
}

func (m *ProcessFileManager) getBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		return systemServiceDirectory()
	case SessionService:
		return sessionServiceDirectory()
	default:
		return userServiceDirectory()
	}
}

func systemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return programData
		}
		return "C:\\ProgramData"
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

func sessionServiceDirectory() string {
	if runtime.GOOS == "linux" {
		sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
		if _, err := os.Stat(sessionDir); err == nil {
			return sessionDir
		}
	}
	return os.TempDir()
}

// ValidatePIDFileDirectory makes sure the directory of pidFilePath exists
// and is a directory.
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
		return nil
	}
	if !info.IsDir() {
		return errors.NewValidationError("PID file parent is not a directory", nil).WithContext("path", dir)
	}
	return nil
}
