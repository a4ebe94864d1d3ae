// Package errors provides unified error handling for scribe. It implements a
// structured error type with machine-readable codes, HTTP status mapping, and
// retryable detection.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// HTTPStatus is the recommended HTTP status code for this error.
	HTTPStatus int `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  IsRetryableCode(code),
	}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal if err is not
// an AppError.
func CodeOf(err error) ErrorCode {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var app *AppError
	return errors.As(err, &app) && app.Code == code
}

// IsRetryable reports whether err represents a transient condition.
func IsRetryable(err error) bool {
	var app *AppError
	return errors.As(err, &app) && app.Retryable
}

// --- Common Error Constructors ---

// StorageUnavailable creates an AppError for a transient persistence failure.
func StorageUnavailable(op string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeStorageUnavailable, Message: fmt.Sprintf("Storage operation %s failed. Please try again.", op),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		Details: map[string]any{"operation": op}, Cause: cause,
	}
}

// PermissionDenied creates an AppError for a model candidate refusing a call.
func PermissionDenied(model, reason string) *AppError {
	return &AppError{
		Code: ErrCodePermissionDenied, Message: fmt.Sprintf("Model %s denied the request: %s", model, reason),
		HTTPStatus: http.StatusForbidden, Retryable: false,
		Details: map[string]any{"model": model},
	}
}

// ModelUnavailable creates an AppError for an exhausted candidate chain.
func ModelUnavailable(operation string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeModelUnavailable, Message: fmt.Sprintf("No model candidate could serve %s.", operation),
		HTTPStatus: http.StatusBadGateway, Retryable: false,
		Details: map[string]any{"operation": operation}, Cause: cause,
	}
}

// TaskTimeout creates an AppError for an enrichment task deadline.
func TaskTimeout(task string) *AppError {
	return &AppError{
		Code: ErrCodeTaskTimeout, Message: fmt.Sprintf("Task %s exceeded its deadline.", task),
		HTTPStatus: http.StatusGatewayTimeout, Retryable: false,
		Details: map[string]any{"task": task},
	}
}

// Conflict creates an AppError for a lost conditional-update race.
func Conflict(reason string) *AppError {
	return &AppError{
		Code: ErrCodeConflict, Message: reason,
		HTTPStatus: http.StatusConflict, Retryable: false,
	}
}

// NotFound creates an AppError for a missing resource.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("The requested %s was not found.", resource),
		HTTPStatus: http.StatusNotFound, Retryable: false, Details: details,
	}
}

// InvalidInput creates an AppError for invalid input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		HTTPStatus: http.StatusBadRequest, Retryable: false, Details: details,
	}
}

// SessionClosed creates an AppError for an operation on a non-active session.
func SessionClosed(sessionID string) *AppError {
	return &AppError{
		Code: ErrCodeSessionClosed, Message: "The session is no longer active.",
		HTTPStatus: http.StatusConflict, Retryable: false,
		Details: map[string]any{"session_id": sessionID},
	}
}

// RateLimited creates an AppError for too many requests.
func RateLimited(model string) *AppError {
	return &AppError{
		Code: ErrCodeRateLimited, Message: "Too many requests. Please wait a moment and try again.",
		HTTPStatus: http.StatusTooManyRequests, Retryable: true,
		Details: map[string]any{"model": model},
	}
}

// Internal creates an AppError for an unexpected internal failure.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "An unexpected error occurred.",
		HTTPStatus: http.StatusInternalServerError, Retryable: false, Cause: cause,
	}
}
