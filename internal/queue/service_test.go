package queue

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civisync/civisync/internal/domain"
	"github.com/civisync/civisync/internal/keys"
	"github.com/civisync/civisync/internal/notify"
	"github.com/civisync/civisync/internal/store"
)

type capturingSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *capturingSink) Send(_ context.Context, event notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func newTestService(t *testing.T) (*Service, *keys.SessionVerifier, *capturingSink) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	key, err := keys.NewManager(nil,
		keys.NewFileProvider(filepath.Join(t.TempDir(), "k")), logger,
	).GetOrCreateKey(context.Background())
	require.NoError(t, err)

	verifier, err := keys.NewSessionVerifier()
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), key, verifier, store.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sink := &capturingSink{}
	return NewService(st, notify.NewDispatcher(sink, logger), logger), verifier, sink
}

func TestService_EnqueueAndReadBack(t *testing.T) {
	ctx := context.Background()
	svc, verifier, _ := newTestService(t)

	deadline := time.Now().UTC().Add(48 * time.Hour)
	id, err := svc.Enqueue(ctx, EnqueueInput{
		ServiceType: "birth-certificate",
		Payload:     []byte(`{"child":"meera"}`),
		Priority:    "HIGH",
		Deadline:    &deadline,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	req, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, req.Status)
	assert.Equal(t, domain.PriorityHigh, req.Priority)
	assert.Nil(t, req.Payload, "metadata reads must not carry the payload")

	payload, err := svc.ReadDecrypted(ctx, id, verifier.Issue())
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"child":"meera"}`), payload)
}

func TestService_EnqueueValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Enqueue(ctx, EnqueueInput{Payload: []byte("p")})
	assert.True(t, domain.IsErrorCode(err, domain.ErrCodeMissingRequiredField), "missing service type: %v", err)

	_, err = svc.Enqueue(ctx, EnqueueInput{ServiceType: "pension"})
	assert.True(t, domain.IsErrorCode(err, domain.ErrCodeMissingRequiredField), "missing payload: %v", err)

	_, err = svc.Enqueue(ctx, EnqueueInput{ServiceType: "pension", Payload: []byte("p"), Priority: "URGENT"})
	assert.True(t, domain.IsErrorCode(err, domain.ErrCodeInvalidPriority), "unknown priority: %v", err)
}

func TestService_CancelPending(t *testing.T) {
	ctx := context.Background()
	svc, _, sink := newTestService(t)

	id, err := svc.Enqueue(ctx, EnqueueInput{ServiceType: "pension", Payload: []byte("p")})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, id))

	req, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, req.Status)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, notify.EventStatusUpdate, sink.events[0].Type)

	// Cancelling twice conflicts, naming the state the request is in.
	err = svc.Cancel(ctx, id)
	assert.True(t, domain.IsErrorCode(err, domain.ErrCodeStatusConflict))
	assert.Contains(t, err.Error(), string(domain.StatusFailed))
}

func TestService_CancelUnknownRequest(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.Cancel(context.Background(), uuid.New())
	assert.True(t, domain.IsErrorCode(err, domain.ErrCodeRequestNotFound))
}

func TestService_Stats(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, EnqueueInput{ServiceType: "pension", Payload: []byte("p")})
		require.NoError(t, err)
	}

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ByStatus[domain.StatusPending])
	assert.Greater(t, stats.UsedBytes, int64(0))
}
