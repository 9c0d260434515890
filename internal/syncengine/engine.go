// Package syncengine drives queued requests through submission: it claims
// due requests, invokes the portal adapter, and applies the retry,
// checkpoint, and expiration rules of the request lifecycle.
package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/civisync/civisync/internal/connectivity"
	"github.com/civisync/civisync/internal/domain"
	"github.com/civisync/civisync/internal/notify"
	"github.com/civisync/civisync/internal/scheduler"
	"github.com/civisync/civisync/internal/store"
)

// ConnectivitySource is the view of the gate the engine consumes.
type ConnectivitySource interface {
	Subscribe() <-chan connectivity.Event
	Quality() connectivity.Quality
	Online() bool
}

// Config bounds the engine's retry and concurrency behavior.
type Config struct {
	MaxRetryAttempts  int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	// MaxConcurrent caps parallel submissions; forced to 1 under poor
	// network quality or low-power mode.
	MaxConcurrent  int
	AttemptTimeout time.Duration
	WakeInterval   time.Duration
	LowPowerMode   bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 5
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 3
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = 2 * time.Minute
	}
	if c.WakeInterval == 0 {
		c.WakeInterval = time.Minute
	}
	return c
}

// Engine orchestrates submission attempts against one shared store.
type Engine struct {
	store      *store.Store
	adapter    Adapter
	gate       ConnectivitySource
	dispatcher *notify.Dispatcher
	cfg        Config
	logger     *slog.Logger

	now    func() time.Time
	jitter func() time.Duration
}

func NewEngine(
	st *store.Store,
	adapter Adapter,
	gate ConnectivitySource,
	dispatcher *notify.Dispatcher,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:      st,
		adapter:    adapter,
		gate:       gate,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		jitter:     defaultJitter,
	}
}

// Run reacts to connectivity transitions and periodic wakes until ctx is
// cancelled. Going offline cancels the active drain, which reverts any
// in-progress submission per the checkpoint rule.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("sync engine started",
		"wake_interval", e.cfg.WakeInterval,
		"max_concurrent", e.cfg.MaxConcurrent,
	)

	events := e.gate.Subscribe()
	ticker := time.NewTicker(e.cfg.WakeInterval)
	defer ticker.Stop()

	var (
		drainDone   chan struct{}
		drainCancel context.CancelFunc
	)
	stopDrain := func() {
		if drainCancel != nil {
			drainCancel()
		}
	}
	startDrain := func() {
		if drainDone != nil {
			select {
			case <-drainDone:
				drainDone, drainCancel = nil, nil
			default:
				return // still draining
			}
		}
		dctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		drainDone, drainCancel = done, cancel
		go func() {
			defer close(done)
			e.Drain(dctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping")
			stopDrain()
			if drainDone != nil {
				<-drainDone
			}
			return
		case ev := <-events:
			if ev.Quality == connectivity.QualityNone {
				stopDrain()
			} else {
				startDrain()
			}
		case <-ticker.C:
			e.maintain(ctx)
			if e.gate.Online() {
				startDrain()
			}
		}
	}
}

// maintain runs the watchdog and purge housekeeping.
func (e *Engine) maintain(ctx context.Context) {
	now := e.now()

	// An adapter that never returned leaves its request in flight; revert
	// anything older than twice the attempt timeout.
	cutoff := now.Add(-2 * e.cfg.AttemptTimeout)
	if _, err := e.store.RevertStuck(ctx, cutoff); err != nil {
		e.logger.Error("watchdog reversion failed", "error", err)
	}

	if _, err := e.store.PurgeExpired(ctx, now); err != nil {
		e.logger.Error("retention purge failed", "error", err)
	}
}

// Drain submits every due request with bounded concurrency, returning
// when the queue has no more eligible work or ctx is cancelled.
func (e *Engine) Drain(ctx context.Context) {
	e.expireDue(ctx)

	workers := e.concurrency()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Error("sync worker panic", "worker", workerID, "panic", rec)
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				processed, err := e.ProcessOnce(ctx)
				if err != nil {
					e.logger.Error("sync worker error", "worker", workerID, "error", err)
					return
				}
				if !processed {
					return
				}
			}
		}()
	}
	wg.Wait()
}

// concurrency respects the CPU/bandwidth ceiling: a single submission at
// a time under poor network quality or low-power mode.
func (e *Engine) concurrency() int {
	if e.cfg.LowPowerMode || e.gate.Quality() == connectivity.QualityPoor {
		return 1
	}
	return e.cfg.MaxConcurrent
}

func (e *Engine) expireDue(ctx context.Context) {
	expired, err := e.store.ExpireDue(ctx, e.now())
	if err != nil {
		e.logger.Error("expiration sweep failed", "error", err)
		return
	}
	for _, req := range expired {
		e.logger.Warn("request expired before submission",
			"request_id", req.ID,
			"service_type", req.ServiceType,
			"deadline", req.Deadline,
		)
		e.dispatcher.Notify(ctx, notify.Event{
			Type:        notify.EventStatusUpdate,
			RequestID:   req.ID.String(),
			ServiceType: req.ServiceType,
			Detail:      "request expired before it could be submitted",
			At:          e.now(),
		})
	}
}

// ProcessOnce claims and submits a single request. It reports false when
// no eligible request remains.
func (e *Engine) ProcessOnce(ctx context.Context) (bool, error) {
	now := e.now()

	pending, err := e.store.ListPending(ctx, now)
	if err != nil {
		return false, fmt.Errorf("list pending: %w", err)
	}

	next := scheduler.SelectNext(pending)
	if next == nil {
		return false, nil
	}

	if err := e.store.Claim(ctx, next.ID, now); err != nil {
		if domain.IsErrorCode(err, domain.ErrCodeStatusConflict) ||
			domain.IsErrorCode(err, domain.ErrCodeRequestNotFound) {
			// Another worker won the claim; look for other work.
			return true, nil
		}
		return false, fmt.Errorf("claim request: %w", err)
	}
	next.Status = domain.StatusInFlight
	next.LastAttemptAt = &now

	e.submit(ctx, next)
	return true, nil
}

// submit performs one adapter attempt and applies the outcome rules.
func (e *Engine) submit(ctx context.Context, req *domain.Request) {
	// Outcome persistence must survive the drain cancellation that aborts
	// an attempt when connectivity drops: the acknowledged checkpoint and
	// the retry bookkeeping are what the next online window resumes from.
	persistCtx := context.WithoutCancel(ctx)

	payload, err := e.store.ReadForSubmission(ctx, req.ID)
	if err != nil {
		// A corrupt payload was quarantined during the read; anything else
		// releases the claim so the request is retried later.
		e.logger.Error("could not load payload for submission",
			"request_id", req.ID,
			"error", err,
		)
		if !domain.IsErrorCode(err, domain.ErrCodeCorruptRecord) {
			e.release(persistCtx, req, "payload read failed")
		}
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	res, err := e.adapter.Submit(attemptCtx, Submission{
		ID:          req.ID,
		ServiceType: req.ServiceType,
		Payload:     payload,
		Checkpoint:  req.Checkpoint,
		Compact:     e.gate.Quality() == connectivity.QualityPoor,
	})

	now := e.now()

	if err == nil && !res.Delivered {
		// An adapter must not return success without confirming delivery.
		err = fmt.Errorf("adapter returned without confirming delivery")
	}

	if err == nil {
		if err := req.Complete(now); err != nil {
			e.logger.Error("complete transition failed", "request_id", req.ID, "error", err)
			return
		}
		if err := e.store.UpdateStatus(persistCtx, req, domain.StatusInFlight); err != nil {
			e.logger.Error("persist completion failed", "request_id", req.ID, "error", err)
			return
		}
		e.logger.Info("request submitted",
			"request_id", req.ID,
			"service_type", req.ServiceType,
			"attempts", req.RetryCount+1,
		)
		e.dispatcher.Notify(persistCtx, notify.Event{
			Type:        notify.EventSubmissionSucceeded,
			RequestID:   req.ID.String(),
			ServiceType: req.ServiceType,
			At:          now,
		})
		return
	}

	progressed := len(res.Checkpoint) > 0 && !bytes.Equal(res.Checkpoint, req.Checkpoint)
	if progressed {
		req.Checkpoint = res.Checkpoint
	}

	category := Categorize(err)
	e.logger.Warn("submission attempt failed",
		"request_id", req.ID,
		"category", category,
		"progressed", progressed,
		"error", err,
	)

	switch {
	case category == CategoryPermanent:
		e.fail(persistCtx, req, now, domain.NewPermanentSubmissionError(err.Error(), err))

	case wasCancelled(err) && !progressed:
		// Connectivity dropped (or shutdown) before the remote side
		// acknowledged a single byte: no attempt is consumed.
		e.release(persistCtx, req, "submission cancelled before any acknowledged progress")

	default:
		if req.RetryCount+1 > e.cfg.MaxRetryAttempts {
			e.fail(persistCtx, req, now, domain.NewRetryExhaustedError(req.RetryCount+1, err))
			return
		}

		attempt := req.RetryCount + 1
		delay := BackoffDelay(e.cfg.BackoffBase, e.cfg.BackoffMultiplier, attempt) + e.jitter()
		if err := req.ScheduleRetry(now, delay, err.Error()); err != nil {
			e.logger.Error("retry transition failed", "request_id", req.ID, "error", err)
			return
		}
		if err := e.store.UpdateStatus(persistCtx, req, domain.StatusInFlight); err != nil {
			e.logger.Error("persist retry failed", "request_id", req.ID, "error", err)
		}
	}
}

func (e *Engine) fail(ctx context.Context, req *domain.Request, now time.Time, cause *domain.DomainError) {
	if err := req.Fail(now, cause.Error()); err != nil {
		e.logger.Error("fail transition failed", "request_id", req.ID, "error", err)
		return
	}
	if err := e.store.UpdateStatus(ctx, req, domain.StatusInFlight); err != nil {
		e.logger.Error("persist failure failed", "request_id", req.ID, "error", err)
		return
	}

	// The CAS above succeeded exactly once, so this event fires exactly once.
	e.dispatcher.Notify(ctx, notify.Event{
		Type:        notify.EventSubmissionPermanentlyFailed,
		RequestID:   req.ID.String(),
		ServiceType: req.ServiceType,
		Detail:      cause.Error(),
		At:          now,
	})
}

func (e *Engine) release(ctx context.Context, req *domain.Request, detail string) {
	if err := req.Release(detail); err != nil {
		e.logger.Error("release transition failed", "request_id", req.ID, "error", err)
		return
	}
	if err := e.store.UpdateStatus(ctx, req, domain.StatusInFlight); err != nil {
		e.logger.Error("persist release failed", "request_id", req.ID, "error", err)
	}
}

func wasCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
