// Package errors provides custom error types for the Runforge application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Job execution error codes
	ErrCodeSpawnError        = "SPAWN_ERROR"
	ErrCodeIoError           = "IO_ERROR"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeTimeoutExceeded   = "TIMEOUT_EXCEEDED"
	ErrCodeInactivityTimeout = "INACTIVITY_TIMEOUT"
	ErrCodeInputRejected     = "INPUT_REJECTED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a new service unavailable error with a
// wrapped underlying error.
func ServiceUnavailable(service string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// SpawnError creates an error for a process that could not be started.
func SpawnError(command string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnError,
		Message:    fmt.Sprintf("failed to start command '%s'", command),
		HTTPStatus: http.StatusUnprocessableEntity,
		Err:        err,
	}
}

// IoError creates an error for a failure reading from or writing to a
// running process.
func IoError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeIoError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CommandFailed creates an error for a process that ran to completion
// with a non-zero exit code.
func CommandFailed(command string, exitCode int) *AppError {
	return &AppError{
		Code:       ErrCodeCommandFailed,
		Message:    fmt.Sprintf("command '%s' exited with code %d", command, exitCode),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// TimeoutExceeded creates an error for a job that exceeded its maximum duration.
func TimeoutExceeded(command string, seconds int) *AppError {
	return &AppError{
		Code:       ErrCodeTimeoutExceeded,
		Message:    fmt.Sprintf("command '%s' exceeded the %ds execution timeout", command, seconds),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// InactivityTimeout creates an error for a job terminated after producing
// no output for too long.
func InactivityTimeout(command string, seconds int) *AppError {
	return &AppError{
		Code:       ErrCodeInactivityTimeout,
		Message:    fmt.Sprintf("command '%s' produced no output for %ds and was terminated", command, seconds),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// InputRejected creates an error for input that could not be delivered to a job.
func InputRejected(reason string) *AppError {
	return &AppError{
		Code:       ErrCodeInputRejected,
		Message:    fmt.Sprintf("input rejected: %s", reason),
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsInputRejected checks if the error is an input rejected error.
func IsInputRejected(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeInputRejected
	}
	return false
}

// Code returns the error code for an error, or ErrCodeInternalError if the
// error is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
