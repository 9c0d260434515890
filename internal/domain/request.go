// Package domain encodes a queued service request and its lifecycle.
package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a request in its lifecycle
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Priority is the urgency class used to rank pending requests.
// Higher values submit first.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// ParsePriority maps a configuration/CLI string to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	}
	return PriorityNormal, NewInvalidPriorityError(s)
}

type Request struct {
	ID          uuid.UUID
	ServiceType string
	Payload     []byte
	Priority    Priority
	Deadline    *time.Time
	Status      Status

	RetryCount int
	Checkpoint []byte

	CreatedAt     time.Time
	NextAttemptAt *time.Time
	LastAttemptAt *time.Time
	FinishedAt    *time.Time
	LastError     *string

	// Encrypted is false only when the caller consented to the degraded
	// plaintext path after an encryption failure.
	Encrypted   bool
	Quarantined bool
}

func NewRequest(serviceType string, payload []byte, priority Priority, deadline *time.Time) (*Request, error) {
	if serviceType == "" {
		return nil, NewMissingRequiredFieldError("service type")
	}
	if len(payload) == 0 {
		return nil, NewMissingRequiredFieldError("payload")
	}

	return &Request{
		ID:          uuid.New(),
		ServiceType: serviceType,
		Payload:     payload,
		Priority:    priority,
		Deadline:    deadline,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		Encrypted:   true,
	}, nil
}

func (r *Request) MarkInFlight(at time.Time) error {
	if err := r.transition(StatusInFlight); err != nil {
		return err
	}
	r.LastAttemptAt = &at
	return nil
}

// Complete records a successful submission.
func (r *Request) Complete(at time.Time) error {
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	r.FinishedAt = &at
	r.LastError = nil
	return nil
}

// Fail moves the request to its terminal failed state with error detail.
func (r *Request) Fail(at time.Time, detail string) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	r.FinishedAt = &at
	r.LastError = &detail
	return nil
}

// MarkExpired is valid only while the request is still pending; an
// in-flight attempt runs to completion even past the deadline.
func (r *Request) MarkExpired(at time.Time) error {
	if r.Status != StatusPending {
		return ErrInvalidTransition
	}
	if err := r.transition(StatusExpired); err != nil {
		return err
	}
	r.FinishedAt = &at
	return nil
}

// ScheduleRetry returns an in-flight request to pending, consuming one
// attempt and recording when it becomes eligible again.
func (r *Request) ScheduleRetry(at time.Time, backoff time.Duration, detail string) error {
	if err := r.transition(StatusPending); err != nil {
		return err
	}
	r.RetryCount++
	next := at.Add(backoff)
	r.NextAttemptAt = &next
	r.LastError = &detail
	return nil
}

// Release returns an in-flight request to pending without consuming an
// attempt. Used when a submission was cancelled before any byte was
// acknowledged by the remote side.
func (r *Request) Release(detail string) error {
	if err := r.transition(StatusPending); err != nil {
		return err
	}
	if detail != "" {
		r.LastError = &detail
	}
	return nil
}

func (r *Request) transition(target Status) error {
	if err := r.canTransitionTo(target); err != nil {
		return err
	}
	r.Status = target
	return nil
}

// defines the statuses each state may transition to
func (r *Request) canTransitionTo(target Status) error {
	switch r.Status {
	case StatusPending:
		return r.allow(target, StatusInFlight, StatusFailed, StatusExpired)
	case StatusInFlight:
		return r.allow(target, StatusCompleted, StatusPending, StatusFailed)
	}
	return ErrInvalidTransition
}

// Helper to check allowed state transitions
func (r *Request) allow(target Status, allowed ...Status) error {
	if slices.Contains(allowed, target) {
		return nil
	}
	return ErrInvalidTransition
}

// IsTerminal reports whether no further transitions may occur.
func (r *Request) IsTerminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// DeadlinePassed reports whether the request's deadline, if any, is behind now.
func (r *Request) DeadlinePassed(now time.Time) bool {
	return r.Deadline != nil && r.Deadline.Before(now)
}

// Eligible reports whether the request may be submitted at now.
func (r *Request) Eligible(now time.Time) bool {
	if r.Status != StatusPending || r.Quarantined {
		return false
	}
	if r.DeadlinePassed(now) {
		return false
	}
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}

// Reconstitute - special constructor for loading from the store
func Reconstitute(
	id uuid.UUID, serviceType string,
	priority Priority, deadline *time.Time,
	status Status,
	retryCount int, checkpoint []byte,
	createdAt time.Time,
	nextAttemptAt, lastAttemptAt, finishedAt *time.Time,
	lastError *string,
	encrypted, quarantined bool,
) *Request {
	return &Request{
		ID:            id,
		ServiceType:   serviceType,
		Priority:      priority,
		Deadline:      deadline,
		Status:        status,
		RetryCount:    retryCount,
		Checkpoint:    checkpoint,
		CreatedAt:     createdAt,
		NextAttemptAt: nextAttemptAt,
		LastAttemptAt: lastAttemptAt,
		FinishedAt:    finishedAt,
		LastError:     lastError,
		Encrypted:     encrypted,
		Quarantined:   quarantined,
	}
}
