// Package queue is the producer-facing surface of the request queue. The
// intent layer hands it validated submissions; everything below (storage,
// encryption, scheduling, sync) stays behind this facade.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/civisync/civisync/internal/domain"
	"github.com/civisync/civisync/internal/notify"
	"github.com/civisync/civisync/internal/store"
)

// Service owns the queue's write path and diagnostic reads.
type Service struct {
	store      *store.Store
	dispatcher *notify.Dispatcher
	validate   *validator.Validate
	logger     *slog.Logger
}

func NewService(st *store.Store, dispatcher *notify.Dispatcher, logger *slog.Logger) *Service {
	return &Service{
		store:      st,
		dispatcher: dispatcher,
		validate:   validator.New(),
		logger:     logger,
	}
}

// EnqueueInput is one request as the intent layer submits it.
type EnqueueInput struct {
	ServiceType string `validate:"required"`
	Payload     []byte `validate:"required"`
	// Priority is NORMAL, HIGH, or CRITICAL; empty means NORMAL.
	Priority string
	Deadline *time.Time
	// AllowPlaintext is the caller's recorded consent to store this
	// payload unencrypted if encryption fails. Defaults to refusing.
	AllowPlaintext bool
}

// Enqueue validates and durably persists a request, returning its assigned
// id. The request is safe against process death once this returns.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (uuid.UUID, error) {
	if err := s.validate.Struct(input); err != nil {
		return uuid.Nil, domain.NewMissingRequiredFieldError(err.Error())
	}

	priority, err := domain.ParsePriority(input.Priority)
	if err != nil {
		return uuid.Nil, err
	}

	req, err := domain.NewRequest(input.ServiceType, input.Payload, priority, input.Deadline)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.store.Enqueue(ctx, req, input.AllowPlaintext); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue request: %w", err)
	}

	s.logger.Info("request enqueued",
		"request_id", req.ID,
		"service_type", req.ServiceType,
		"priority", req.Priority,
		"has_deadline", req.Deadline != nil,
	)
	return req.ID, nil
}

// Get returns request metadata; the payload stays sealed.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	return s.store.Get(ctx, id)
}

// ReadDecrypted returns the plaintext payload of a request. The proof must
// come from the current unlocked session.
func (s *Service) ReadDecrypted(ctx context.Context, id uuid.UUID, proof []byte) ([]byte, error) {
	return s.store.ReadDecrypted(ctx, id, proof)
}

// Cancel withdraws a pending request. A request already in flight, or one
// that reached a terminal state, cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if req.Status != domain.StatusPending {
		return domain.NewCancelConflictError(id.String(), req.Status)
	}

	now := time.Now().UTC()
	if err := req.Fail(now, "cancelled by caller"); err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, req, domain.StatusPending); err != nil {
		return err
	}

	s.logger.Info("request cancelled", "request_id", id)
	s.dispatcher.Notify(ctx, notify.Event{
		Type:        notify.EventStatusUpdate,
		RequestID:   id.String(),
		ServiceType: req.ServiceType,
		Detail:      "request cancelled before submission",
		At:          now,
	})
	return nil
}

// Stats exposes per-status counts and storage usage for diagnostics.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

// Quarantined lists records excluded from submission due to corruption.
func (s *Service) Quarantined(ctx context.Context) ([]*domain.Request, error) {
	return s.store.Quarantined(ctx)
}

// Close flushes and closes the underlying store. In-flight work should be
// stopped first.
func (s *Service) Close() error {
	return s.store.Close()
}
