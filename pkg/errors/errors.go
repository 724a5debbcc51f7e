package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of supervisor errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeLaunch     ErrorType = "launch"
	ErrorTypeCrash      ErrorType = "crash"
	ErrorTypeMonitor    ErrorType = "monitor"
	ErrorTypeLog        ErrorType = "log"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeCancelled  ErrorType = "cancelled"
)

// LaunchReason classifies why a child process could not be spawned
type LaunchReason string

const (
	LaunchReasonInterpreterNotFound LaunchReason = "interpreter-not-found"
	LaunchReasonScriptNotFound      LaunchReason = "script-not-found"
	LaunchReasonSpawnDenied         LaunchReason = "spawn-denied"
	LaunchReasonOSError             LaunchReason = "os-error"
)

const launchReasonKey = "reason"

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Validation errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// NewConfigError reports a fatal configuration problem: malformed specs,
// unparseable sizes or sinks that cannot be opened. Never retried.
func NewConfigError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfig, message, cause)
}

// NewLaunchError reports a spawn failure. The reason is kept in the
// error context under "reason".
func NewLaunchError(reason LaunchReason, message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeLaunch, message, cause).WithContext(launchReasonKey, reason)
}

func NewCrashError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCrash, message, cause)
}

func NewMonitorError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeMonitor, message, cause)
}

func NewLogError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeLog, message, cause)
}

// Process errors
func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

// System errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsConfigError(err error) bool {
	return isType(err, ErrorTypeConfig)
}

func IsLaunchError(err error) bool {
	return isType(err, ErrorTypeLaunch)
}

func IsCrashError(err error) bool {
	return isType(err, ErrorTypeCrash)
}

func IsMonitorError(err error) bool {
	return isType(err, ErrorTypeMonitor)
}

func IsLogError(err error) bool {
	return isType(err, ErrorTypeLog)
}

func IsProcessError(err error) bool {
	return isType(err, ErrorTypeProcess)
}

func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsPermissionError(err error) bool {
	return isType(err, ErrorTypePermission)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

// LaunchReasonOf extracts the launch reason from a LaunchError anywhere in
// the chain. Returns false for any other error.
func LaunchReasonOf(err error) (LaunchReason, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Type != ErrorTypeLaunch {
		return "", false
	}
	reason, ok := domainErr.Context[launchReasonKey].(LaunchReason)
	return reason, ok
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// Unwrap exposes the collected errors to errors.Is / errors.As.
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
