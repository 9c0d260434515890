package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a queue-level error with a stable code
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

var ErrInvalidTransition = errors.New("invalid status transition")

const (
	ErrCodeStorageFull            = "STORAGE_FULL"
	ErrCodeCorruptRecord          = "CORRUPT_RECORD"
	ErrCodeEncryptionFailure      = "ENCRYPTION_FAILURE"
	ErrCodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	ErrCodeTransientNetwork       = "TRANSIENT_NETWORK_ERROR"
	ErrCodePermanentSubmission    = "PERMANENT_SUBMISSION_ERROR"
	ErrCodeRetryExhausted         = "RETRY_EXHAUSTED"
	ErrCodeRequestNotFound        = "REQUEST_NOT_FOUND"
	ErrCodeStatusConflict         = "STATUS_CONFLICT"
	ErrCodeMissingRequiredField   = "MISSING_REQUIRED_FIELD"
	ErrCodeInvalidPriority        = "INVALID_PRIORITY"
)

func NewStorageFullError(usedBytes, maxBytes int64) *DomainError {
	return &DomainError{
		Code:    ErrCodeStorageFull,
		Message: fmt.Sprintf("queue storage full: %d of %d bytes used", usedBytes, maxBytes),
	}
}

func NewCorruptRecordError(id string, err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeCorruptRecord,
		Message: fmt.Sprintf("record %s is corrupt and has been quarantined", id),
		Err:     err,
	}
}

func NewEncryptionFailureError(err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeEncryptionFailure,
		Message: "payload encryption failed",
		Err:     err,
	}
}

func NewAuthenticationRequiredError() *DomainError {
	return &DomainError{
		Code:    ErrCodeAuthenticationRequired,
		Message: "a valid authentication proof is required to read payload data",
	}
}

func NewTransientNetworkError(err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeTransientNetwork,
		Message: "submission failed with a recoverable network error",
		Err:     err,
	}
}

func NewPermanentSubmissionError(detail string, err error) *DomainError {
	return &DomainError{
		Code:    ErrCodePermanentSubmission,
		Message: fmt.Sprintf("submission rejected permanently: %s", detail),
		Err:     err,
	}
}

func NewRetryExhaustedError(attempts int, err error) *DomainError {
	return &DomainError{
		Code:    ErrCodeRetryExhausted,
		Message: fmt.Sprintf("submission abandoned after %d attempts", attempts),
		Err:     err,
	}
}

func NewRequestNotFoundError(id string) *DomainError {
	return &DomainError{
		Code:    ErrCodeRequestNotFound,
		Message: fmt.Sprintf("request %s not found", id),
	}
}

func NewStatusConflictError(id string, expected, target Status) *DomainError {
	return &DomainError{
		Code:    ErrCodeStatusConflict,
		Message: fmt.Sprintf("request %s is no longer %s, cannot move to %s", id, expected, target),
	}
}

func NewCancelConflictError(id string, actual Status) *DomainError {
	return &DomainError{
		Code:    ErrCodeStatusConflict,
		Message: fmt.Sprintf("request %s is %s and can no longer be cancelled", id, actual),
	}
}

func NewMissingRequiredFieldError(field string) *DomainError {
	return &DomainError{
		Code:    ErrCodeMissingRequiredField,
		Message: fmt.Sprintf("%s is required", field),
	}
}

func NewInvalidPriorityError(s string) *DomainError {
	return &DomainError{
		Code:    ErrCodeInvalidPriority,
		Message: fmt.Sprintf("unknown priority %q", s),
	}
}

// IsErrorCode checks whether err carries the given domain error code
func IsErrorCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}
