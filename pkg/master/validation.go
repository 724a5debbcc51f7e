package master

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// ValidateAppName checks the registry key constraints
func ValidateAppName(name string) error {
	if name == "" {
		return errors.NewValidationError("app name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("app name cannot exceed 64 characters", nil)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("app name contains invalid characters: only letters, numbers, dots, hyphens, and underscores are allowed", nil)
		}
	}

	return nil
}

// ValidatePort validates an optional listener port; 0 means disabled
func ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return errors.NewValidationError("port must be between 0 and 65535", nil)
	}
	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" timeout cannot be negative", nil)
	}
	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_' || char == '.'
}
