package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Submission is one attempt handed to the portal adapter.
type Submission struct {
	ID          uuid.UUID
	ServiceType string
	Payload     []byte
	// Checkpoint is the resumption token from the last partial attempt;
	// empty on a first attempt. The adapter resumes after the acknowledged
	// prefix instead of retransmitting the whole payload.
	Checkpoint []byte
	// Compact asks the adapter for a compressed/delta form, set when the
	// gate reports poor network quality.
	Compact bool
}

// Result reports how far a submission got. A request is completed only
// when Delivered is true and the error is nil; a nil error without
// Delivered is treated as a transient failure. On error, Checkpoint may
// still carry the furthest token the remote side acknowledged before the
// failure; the engine persists it so the next attempt resumes there.
type Result struct {
	Delivered  bool
	Checkpoint []byte
}

// Adapter is implemented by each government-portal integration.
type Adapter interface {
	Submit(ctx context.Context, sub Submission) (Result, error)
}

// PortalError is a rejection returned by the remote portal.
type PortalError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *PortalError) Error() string {
	return fmt.Sprintf("portal error [%s]: %s (status: %d)", e.Code, e.Message, e.StatusCode)
}

// IsRetryable reports whether the portal may accept the same submission
// later. Server-side trouble is retryable; a validation or authorization
// rejection is not.
func (e *PortalError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func IsPortalError(err error) (*PortalError, bool) {
	var portalErr *PortalError
	ok := errors.As(err, &portalErr)
	return portalErr, ok
}
