package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for API-facing conditions.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Run failure taxonomy. A supervised run never returns these to its caller
// directly; they are attached to the run result so callers can use errors.Is.
var (
	ErrLaunch      = errors.New("launch error")
	ErrRuntime     = errors.New("runtime failure")
	ErrTimeout     = errors.New("operation timed out")
	ErrCancelled   = errors.New("run cancelled")
	ErrPersistence = errors.New("persistence failure")
)

// AppError is a structured error with an HTTP status code and optional fields.
type AppError struct {
	Err     error
	Message string
	Status  int
	Fields  map[string]string
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(format string, args ...interface{}) *AppError {
	return newAppError(ErrNotFound, http.StatusNotFound, format, args...)
}

// Validation creates a 400 error.
func Validation(format string, args ...interface{}) *AppError {
	return newAppError(ErrValidation, http.StatusBadRequest, format, args...)
}

// Conflict creates a 409 error.
func Conflict(format string, args ...interface{}) *AppError {
	return newAppError(ErrConflict, http.StatusConflict, format, args...)
}

// Internal creates a 500 error.
func Internal(format string, args ...interface{}) *AppError {
	return newAppError(ErrInternal, http.StatusInternalServerError, format, args...)
}

func newAppError(sentinel error, status int, format string, args ...interface{}) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
		Status:  status,
	}
}

// RunError ties a human readable message to one of the run failure sentinels.
type RunError struct {
	Kind    error
	Message string
	Cause   error
}

func (e *RunError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Is matches both the failure kind and the wrapped cause.
func (e *RunError) Is(target error) bool {
	return target == e.Kind
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// Launch reports a child process that could not be started.
func Launch(cause error, format string, args ...interface{}) *RunError {
	return &RunError{Kind: ErrLaunch, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Runtime reports a child that exited non-zero without reaching its final prompt.
func Runtime(format string, args ...interface{}) *RunError {
	return &RunError{Kind: ErrRuntime, Message: fmt.Sprintf(format, args...)}
}

// Timeout reports a run that exceeded its budget.
func Timeout(format string, args ...interface{}) *RunError {
	return &RunError{Kind: ErrTimeout, Message: fmt.Sprintf(format, args...)}
}

// Cancelled reports a run stopped by its caller.
func Cancelled(format string, args ...interface{}) *RunError {
	return &RunError{Kind: ErrCancelled, Message: fmt.Sprintf(format, args...)}
}

// HTTPStatus extracts the HTTP status code from an error, defaulting to 500.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
