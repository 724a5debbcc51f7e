package process

import (
	stderrors "errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/appspec"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// resolveExecutable finds the program to run and checks that a script
// handed to an interpreter exists. Bare names go through PATH.
func resolveExecutable(spec appspec.AppSpec, executable string) (string, error) {
	reason := errors.LaunchReasonInterpreterNotFound
	if spec.Interpreter == "" {
		reason = errors.LaunchReasonScriptNotFound
	}

	path := executable
	if !strings.ContainsRune(executable, '/') && !strings.ContainsRune(executable, filepath.Separator) {
		found, err := exec.LookPath(executable)
		if err != nil {
			return "", errors.NewLaunchError(reason, "executable not found in PATH", err).
				WithContext("app", spec.Name).
				WithContext("executable", executable)
		}
		path = found
	}

	info, err := os.Stat(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return "", errors.NewLaunchError(reason, "executable does not exist", err).
				WithContext("app", spec.Name).
				WithContext("executable_path", path)
		}
		return "", errors.NewLaunchError(classifyStartError(err), "failed to stat executable", err).
			WithContext("app", spec.Name).
			WithContext("executable_path", path)
	}
	if info.IsDir() {
		return "", errors.NewLaunchError(errors.LaunchReasonSpawnDenied, "executable is a directory", nil).
			WithContext("app", spec.Name).
			WithContext("executable_path", path)
	}
	// Windows has no execute bit; extension checks are left to CreateProcess.
	if runtime.GOOS != "windows" && info.Mode()&0111 == 0 {
		return "", errors.NewLaunchError(errors.LaunchReasonSpawnDenied, "executable is not executable", nil).
			WithContext("app", spec.Name).
			WithContext("executable_path", path)
	}

	if spec.Interpreter != "" {
		if _, err := os.Stat(spec.Script); err != nil {
			return "", errors.NewLaunchError(errors.LaunchReasonScriptNotFound, "script does not exist", err).
				WithContext("app", spec.Name).
				WithContext("script", spec.Script)
		}
	}

	return path, nil
}

func classifyStartError(err error) errors.LaunchReason {
	switch {
	case stderrors.Is(err, exec.ErrNotFound), stderrors.Is(err, fs.ErrNotExist):
		return errors.LaunchReasonInterpreterNotFound
	case stderrors.Is(err, fs.ErrPermission):
		return errors.LaunchReasonSpawnDenied
	default:
		return errors.LaunchReasonOSError
	}
}
