// Package errors provides the application error taxonomy for ash.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeGone          = "GONE"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeBadState      = "BAD_STATE"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCapacityFull  = "CAPACITY_FULL"
	ErrCodeNoRunners     = "NO_RUNNERS"
	ErrCodeBridgeStartup = "BRIDGE_STARTUP"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
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

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Gone creates an error for a resource that existed but is permanently gone,
// such as resuming a session that already ended.
func Gone(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeGone,
		Message:    fmt.Sprintf("%s with id '%s' has ended", resource, id),
		HTTPStatus: http.StatusGone,
	}
}

// BadRequest creates a bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// BadState creates an error for an operation attempted in an invalid
// lifecycle state, e.g. sending a message to a paused session.
func BadState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadState,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Conflict creates a conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// CapacityFull creates the error returned when the sandbox pool is at
// capacity and every remaining sandbox is running.
func CapacityFull(message string) *AppError {
	return &AppError{
		Code:       ErrCodeCapacityFull,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// NoRunners creates the error returned when no healthy runner backend exists.
func NoRunners(message string) *AppError {
	return &AppError{
		Code:       ErrCodeNoRunners,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// BridgeStartup creates the error for a bridge child process that exited or
// timed out before signaling readiness. Stderr and exit code are kept for
// diagnostics and surfaced in the HTTP response body.
func BridgeStartup(message string, stderr string, exitCode int) *AppError {
	return &AppError{
		Code:       ErrCodeBridgeStartup,
		Message:    fmt.Sprintf("%s (exit=%d): %s", message, exitCode, stderr),
		HTTPStatus: http.StatusInternalServerError,
	}
}

// InternalError creates an internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If err is already an AppError its code and status are preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// GetHTTPStatus returns the HTTP status for an error, defaulting to 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// GetCode returns the application error code, or ErrCodeInternalError.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsGone reports whether err is a gone error.
func IsGone(err error) bool { return hasCode(err, ErrCodeGone) }

// IsBadState reports whether err is a bad state error.
func IsBadState(err error) bool { return hasCode(err, ErrCodeBadState) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsCapacityFull reports whether err is a capacity error.
func IsCapacityFull(err error) bool { return hasCode(err, ErrCodeCapacityFull) }

// IsNoRunners reports whether err is a no-runners error.
func IsNoRunners(err error) bool { return hasCode(err, ErrCodeNoRunners) }

// IsBridgeStartup reports whether err is a bridge startup error.
func IsBridgeStartup(err error) bool { return hasCode(err, ErrCodeBridgeStartup) }
