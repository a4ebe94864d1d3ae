package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Storage/availability errors (retryable).
const (
	// ErrCodeStorageUnavailable indicates a transient persistence failure.
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	// ErrCodeServiceUnavailable indicates an external service is temporarily down.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeRateLimited indicates the caller exceeded a rate limit.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
)

// Model invocation errors.
const (
	// ErrCodePermissionDenied indicates a model candidate rejected the call
	// outright. Never retried on the same candidate.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	// ErrCodeModelUnavailable indicates every candidate in the chain failed.
	ErrCodeModelUnavailable ErrorCode = "MODEL_UNAVAILABLE"
	// ErrCodeTaskTimeout indicates an enrichment task exceeded its deadline.
	ErrCodeTaskTimeout ErrorCode = "TASK_TIMEOUT"
)

// State errors (non-retryable).
const (
	// ErrCodeConflict indicates a lost conditional-update race.
	ErrCodeConflict ErrorCode = "CONFLICT"
	// ErrCodeNotFound indicates the requested resource does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeInvalidInput indicates malformed or invalid input.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeSessionClosed indicates an operation on a non-active session.
	ErrCodeSessionClosed ErrorCode = "SESSION_CLOSED"
	// ErrCodeInternal indicates an unexpected internal failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// retryableCodes are codes safe to retry with backoff.
var retryableCodes = map[ErrorCode]bool{
	ErrCodeStorageUnavailable: true,
	ErrCodeServiceUnavailable: true,
	ErrCodeRateLimited:        true,
}

// IsRetryableCode reports whether the code represents a transient condition.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
