package model

import "fmt"

// Standard error codes.
const (
	ErrInvalidInput         = "INVALID_INPUT"
	ErrPayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrNotFound             = "NOT_FOUND"
	ErrGone                 = "GONE"
	ErrNotReady             = "NOT_READY"
	ErrIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	ErrDatastoreUnavailable = "DATASTORE_UNAVAILABLE"
	ErrTaskFailure          = "TASK_FAILURE"
	ErrRetryBudgetExhausted = "RETRY_BUDGET_EXHAUSTED"
	ErrTimeout              = "TIMEOUT"
	ErrPayloadNotVisible    = "PAYLOAD_NOT_VISIBLE"
	ErrInternalError        = "INTERNAL_ERROR"
)

// ErrorEnvelope is the standard error response envelope. It implements the
// error interface.
type ErrorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithRequestID returns a copy of the envelope carrying the request ID.
func (e *ErrorEnvelope) WithRequestID(requestID string) *ErrorEnvelope {
	out := *e
	out.RequestID = requestID
	return &out
}

// NewInvalidInputError returns an INVALID_INPUT error.
func NewInvalidInputError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidInput, Message: msg}
}

// NewPayloadTooLargeError returns a PAYLOAD_TOO_LARGE error.
func NewPayloadTooLargeError(maxBytes int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPayloadTooLarge,
		Message: fmt.Sprintf("payload exceeds the %d byte limit", maxBytes),
	}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewGoneError returns a GONE error for expired requests.
func NewGoneError(requestID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrGone,
		Message:   "request data has expired",
		RequestID: requestID,
	}
}

// NewNotReadyError returns a NOT_READY error for in-progress requests.
func NewNotReadyError(requestID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrNotReady,
		Message:   "request is still being processed",
		RequestID: requestID,
	}
}

// NewIdempotencyConflictError returns an IDEMPOTENCY_CONFLICT error.
func NewIdempotencyConflictError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIdempotencyConflict,
		Message: fmt.Sprintf("idempotency key %q was already used with a different payload", key),
	}
}

// NewDatastoreUnavailableError returns a DATASTORE_UNAVAILABLE error.
func NewDatastoreUnavailableError(err error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDatastoreUnavailable,
		Message: "the datastore is temporarily unavailable",
		Detail:  err.Error(),
	}
}

// NewTaskFailureError returns a TASK_FAILURE error.
func NewTaskFailureError(taskID, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskFailure,
		Message: fmt.Sprintf("task %s failed: %s", taskID, msg),
	}
}

// NewRetryBudgetExhaustedError returns a RETRY_BUDGET_EXHAUSTED error.
func NewRetryBudgetExhaustedError(taskID string, attempts int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRetryBudgetExhausted,
		Message: fmt.Sprintf("task %s failed after %d attempts", taskID, attempts),
	}
}

// NewTimeoutError returns a TIMEOUT error.
func NewTimeoutError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTimeout, Message: msg}
}

// NewPayloadNotVisibleError returns a PAYLOAD_NOT_VISIBLE error, raised when
// a written payload key cannot be read back before envelope publication.
func NewPayloadNotVisibleError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPayloadNotVisible,
		Message: fmt.Sprintf("payload at %s is not yet observable", key),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "an unexpected error occurred",
	}
}
