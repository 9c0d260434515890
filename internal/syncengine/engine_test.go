package syncengine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civisync/civisync/internal/connectivity"
	"github.com/civisync/civisync/internal/domain"
	"github.com/civisync/civisync/internal/keys"
	"github.com/civisync/civisync/internal/notify"
	"github.com/civisync/civisync/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGate is a static ConnectivitySource.
type fakeGate struct {
	quality connectivity.Quality
}

func (g *fakeGate) Subscribe() <-chan connectivity.Event {
	return make(chan connectivity.Event, 1)
}
func (g *fakeGate) Quality() connectivity.Quality { return g.quality }
func (g *fakeGate) Online() bool                  { return g.quality != connectivity.QualityNone }

// fakeAdapter records submissions and answers with SubmitFn.
type fakeAdapter struct {
	mu          sync.Mutex
	submissions []Submission
	SubmitFn    func(ctx context.Context, sub Submission) (Result, error)
}

func (a *fakeAdapter) Submit(ctx context.Context, sub Submission) (Result, error) {
	a.mu.Lock()
	a.submissions = append(a.submissions, sub)
	a.mu.Unlock()
	if a.SubmitFn != nil {
		return a.SubmitFn(ctx, sub)
	}
	return Result{Delivered: true}, nil
}

func (a *fakeAdapter) calls() []Submission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Submission(nil), a.submissions...)
}

// recordingSink captures dispatched notification events.
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *recordingSink) Send(_ context.Context, event notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) byType(t notify.EventType) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// fakeClock lets tests march submission attempts through backoff windows.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	key, err := keys.NewManager(nil,
		keys.NewFileProvider(filepath.Join(t.TempDir(), "k")),
		testLogger(),
	).GetOrCreateKey(context.Background())
	require.NoError(t, err)

	verifier, err := keys.NewSessionVerifier()
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), key, verifier,
		store.Options{RetentionWindow: time.Hour}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestEngine(t *testing.T, adapter Adapter, gate ConnectivitySource) (*Engine, *store.Store, *recordingSink, *fakeClock) {
	t.Helper()
	st := newTestStore(t)
	sink := &recordingSink{}
	dispatcher := notify.NewDispatcher(sink, testLogger())
	// The store keeps millisecond timestamps; an aligned clock keeps the
	// backoff assertions exact.
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Millisecond)}

	engine := NewEngine(st, adapter, gate, dispatcher, Config{
		MaxRetryAttempts:  5,
		BackoffBase:       time.Second,
		BackoffMultiplier: 2,
		MaxConcurrent:     3,
		AttemptTimeout:    5 * time.Second,
	}, testLogger())
	engine.now = clock.Now
	engine.jitter = func() time.Duration { return 0 }

	return engine, st, sink, clock
}

func enqueue(t *testing.T, st *store.Store, serviceType string, payload []byte, priority domain.Priority, deadline *time.Time) *domain.Request {
	t.Helper()
	req, err := domain.NewRequest(serviceType, payload, priority, deadline)
	require.NoError(t, err)
	require.NoError(t, st.Enqueue(context.Background(), req, false))
	return req
}

func TestEngine_SuccessfulSubmission(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{}
	engine, st, sink, _ := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})

	req := enqueue(t, st, "ration-card", []byte(`{"holder":"asha"}`), domain.PriorityNormal, nil)

	processed, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := st.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	calls := adapter.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []byte(`{"holder":"asha"}`), calls[0].Payload)
	assert.False(t, calls[0].Compact)

	succeeded := sink.byType(notify.EventSubmissionSucceeded)
	require.Len(t, succeeded, 1)
	assert.Equal(t, req.ID.String(), succeeded[0].RequestID)

	// Nothing left to do.
	processed, err = engine.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestEngine_BackoffSequenceThenRetryExhausted(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		SubmitFn: func(ctx context.Context, sub Submission) (Result, error) {
			return Result{}, &PortalError{Code: "server_busy", Message: "try later", StatusCode: 503}
		},
	}
	engine, st, sink, clock := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})
	req := enqueue(t, st, "pension", []byte("p"), domain.PriorityNormal, nil)

	wantDelays := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}

	for i, want := range wantDelays {
		processed, err := engine.ProcessOnce(ctx)
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", i+1)

		got, err := st.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, i+1, got.RetryCount)
		require.NotNil(t, got.NextAttemptAt)
		assert.Equal(t, want, got.NextAttemptAt.Sub(clock.Now()), "pre-jitter delay after failure %d", i+1)

		// Not eligible until the backoff elapses.
		processed, err = engine.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.False(t, processed, "request must wait out its backoff")

		clock.Advance(want)
	}

	// Sixth transient failure: retries are exhausted.
	processed, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := st.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)

	failed := sink.byType(notify.EventSubmissionPermanentlyFailed)
	require.Len(t, failed, 1, "permanent-failure notification must fire exactly once")
	assert.Len(t, adapter.calls(), 6)
}

func TestEngine_PermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		SubmitFn: func(ctx context.Context, sub Submission) (Result, error) {
			return Result{}, &PortalError{Code: "validation_failed", Message: "missing field", StatusCode: 422}
		},
	}
	engine, st, sink, _ := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})
	req := enqueue(t, st, "pension", []byte("p"), domain.PriorityNormal, nil)

	processed, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := st.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "permanent failure does not loop through retries")

	failed := sink.byType(notify.EventSubmissionPermanentlyFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Detail, "validation_failed")
	assert.Len(t, adapter.calls(), 1)
}

func TestEngine_PartialProgressResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{}
	adapter.SubmitFn = func(ctx context.Context, sub Submission) (Result, error) {
		if len(adapter.calls()) == 1 {
			// 60% acknowledged, then the connection dropped.
			return Result{Checkpoint: []byte("60")}, &PortalError{Code: "server_busy", StatusCode: 503}
		}
		return Result{Delivered: true}, nil
	}
	engine, st, _, clock := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})
	req := enqueue(t, st, "pension", make([]byte, 100), domain.PriorityNormal, nil)

	processed, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := st.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount, "partial progress consumes exactly one attempt")
	assert.Equal(t, []byte("60"), got.Checkpoint)

	clock.Advance(2 * time.Second)
	processed, err = engine.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	calls := adapter.calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].Checkpoint)
	assert.Equal(t, []byte("60"), calls[1].Checkpoint, "next attempt must carry the stored checkpoint")

	got, err = st.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestEngine_CancelledWithoutProgressKeepsAttempt(t *testing.T) {
	// The drain context is cancelled mid-attempt, exactly as a
	// connectivity drop does it; the release must still persist.
	ctx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	adapter := &fakeAdapter{
		SubmitFn: func(ctx context.Context, sub Submission) (Result, error) {
			cancelDrain()
			return Result{}, context.Canceled
		},
	}
	engine, st, sink, _ := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})
	req := enqueue(t, st, "pension", []byte("p"), domain.PriorityNormal, nil)

	processed, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "cancelled submission reverts to pending")
	assert.Equal(t, 0, got.RetryCount, "zero acknowledged bytes must not consume an attempt")
	assert.Nil(t, got.NextAttemptAt, "no backoff applies to an unconsumed attempt")
	assert.Empty(t, sink.byType(notify.EventSubmissionPermanentlyFailed))
}

func TestEngine_ConnectivityLossMidAttemptPersistsCheckpoint(t *testing.T) {
	ctx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	adapter := &fakeAdapter{
		SubmitFn: func(ctx context.Context, sub Submission) (Result, error) {
			// The gateway acknowledged 60 bytes before the network went
			// away and the drain context was cancelled.
			cancelDrain()
			return Result{Checkpoint: []byte("60")}, context.Canceled
		},
	}
	engine, st, sink, _ := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})
	req := enqueue(t, st, "pension", make([]byte, 100), domain.PriorityNormal, nil)

	processed, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := st.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "the interrupted attempt must not stay in flight")
	assert.Equal(t, 1, got.RetryCount, "partial progress consumes exactly one attempt")
	assert.Equal(t, []byte("60"), got.Checkpoint, "the acknowledged checkpoint must survive the cancellation")
	require.NotNil(t, got.NextAttemptAt)
	assert.Empty(t, sink.byType(notify.EventSubmissionPermanentlyFailed))
}

func TestEngine_UndeliveredResultWithoutErrorIsRetried(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		SubmitFn: func(ctx context.Context, sub Submission) (Result, error) {
			return Result{}, nil
		},
	}
	engine, st, sink, _ := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})
	req := enqueue(t, st, "pension", []byte("p"), domain.PriorityNormal, nil)

	processed, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	got, err := st.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "an unconfirmed delivery must not be marked completed")
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, sink.byType(notify.EventSubmissionSucceeded))
}

func TestEngine_SingleFlightAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{
		SubmitFn: func(ctx context.Context, sub Submission) (Result, error) {
			time.Sleep(50 * time.Millisecond)
			return Result{Delivered: true}, nil
		},
	}
	engine, st, _, _ := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})
	enqueue(t, st, "pension", []byte("p"), domain.PriorityNormal, nil)

	const workers = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.ProcessOnce(ctx)
		}()
	}
	wg.Wait()

	assert.Len(t, adapter.calls(), 1, "at most one worker may hold a request in flight")
}

func TestEngine_PoorQualityForcesCompactSingleSubmission(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{}
	engine, st, _, _ := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityPoor})
	enqueue(t, st, "pension", []byte("p"), domain.PriorityNormal, nil)

	assert.Equal(t, 1, engine.concurrency(), "poor quality caps concurrency at one")

	processed, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	calls := adapter.calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Compact, "poor quality requests the compact payload form")
}

func TestEngine_LowPowerModeForcesSingleSubmission(t *testing.T) {
	adapter := &fakeAdapter{}
	engine, _, _, _ := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})
	engine.cfg.LowPowerMode = true
	assert.Equal(t, 1, engine.concurrency())
}

func TestEngine_DrainFollowsSchedulerOrder(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var order []string
	adapter := &fakeAdapter{
		SubmitFn: func(ctx context.Context, sub Submission) (Result, error) {
			mu.Lock()
			order = append(order, sub.ServiceType)
			mu.Unlock()
			return Result{Delivered: true}, nil
		},
	}
	engine, st, _, clock := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityPoor})

	now := clock.Now()
	inOneHour := now.Add(time.Hour)
	inOneDay := now.Add(24 * time.Hour)
	inThirtyMinutes := now.Add(30 * time.Minute)

	// Queued while offline: A(Critical, T+1h), B(Normal, T+1d), C(Critical, T+30m).
	enqueue(t, st, "service-a", []byte("a"), domain.PriorityCritical, &inOneHour)
	enqueue(t, st, "service-b", []byte("b"), domain.PriorityNormal, &inOneDay)
	enqueue(t, st, "service-c", []byte("c"), domain.PriorityCritical, &inThirtyMinutes)

	engine.Drain(ctx)

	assert.Equal(t, []string{"service-c", "service-a", "service-b"}, order)
}

func TestEngine_ExpiredRequestIsNotSubmitted(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{}
	engine, st, sink, clock := newTestEngine(t, adapter, &fakeGate{quality: connectivity.QualityGood})

	past := clock.Now().Add(-time.Minute)
	req := enqueue(t, st, "pension", []byte("p"), domain.PriorityCritical, &past)

	engine.Drain(ctx)

	got, err := st.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Empty(t, adapter.calls(), "expired requests are excluded from submission")

	updates := sink.byType(notify.EventStatusUpdate)
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].Detail, "expired")
}
