// Package notify delivers queue lifecycle events to the external
// SMS/notification service. The dispatcher owns its own bounded retry
// policy; the sync engine fires each event exactly once and moves on.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// EventType identifies what happened to a request.
type EventType string

const (
	EventSubmissionSucceeded         EventType = "SUBMISSION_SUCCEEDED"
	EventSubmissionPermanentlyFailed EventType = "SUBMISSION_PERMANENTLY_FAILED"
	EventStatusUpdate                EventType = "STATUS_UPDATE"
)

// Event is one user-facing notification.
type Event struct {
	Type        EventType `json:"type"`
	RequestID   string    `json:"request_id"`
	ServiceType string    `json:"service_type"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Sink is the delivery channel to the external notification service.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Send(ctx context.Context, event Event) error { return f(ctx, event) }

// Dispatcher retries sink delivery up to maxAttempts with an increasing
// delay between attempts.
type Dispatcher struct {
	sink        Sink
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

func NewDispatcher(sink Sink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sink:        sink,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      logger,
	}
}

// Notify delivers the event, absorbing sink failures after the final
// attempt: a broken notification channel must never disturb the queue.
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if err := d.sink.Send(ctx, event); err == nil {
			return
		} else {
			lastErr = err
		}

		if attempt < d.maxAttempts {
			delay := d.baseDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				d.logger.Warn("notification delivery cancelled",
					"type", event.Type,
					"request_id", event.RequestID,
				)
				return
			case <-time.After(delay):
			}
		}
	}

	d.logger.Error("notification delivery failed",
		"type", event.Type,
		"request_id", event.RequestID,
		"attempts", d.maxAttempts,
		"error", lastErr,
	)
}
