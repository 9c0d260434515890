package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civisync/civisync/internal/domain"
)

// requestRow mirrors the requests table for scanning.
type requestRow struct {
	ID            string
	ServiceType   string
	Priority      int
	Status        string
	RetryCount    int
	Checkpoint    []byte
	Deadline      sql.NullInt64
	CreatedAt     int64
	NextAttemptAt sql.NullInt64
	LastAttemptAt sql.NullInt64
	FinishedAt    sql.NullInt64
	LastError     sql.NullString
	Encrypted     int
	Quarantined   int
}

// badRecordError marks a row that scanned but no longer decodes into a
// valid request. The caller quarantines it by its raw id.
type badRecordError struct {
	rawID string
	err   error
}

func (e badRecordError) Error() string {
	return fmt.Sprintf("record %s does not decode: %v", e.rawID, e.err)
}

func (e badRecordError) Unwrap() error { return e.err }

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*domain.Request, error) {
	var m requestRow
	err := row.Scan(
		&m.ID, &m.ServiceType, &m.Priority, &m.Status, &m.RetryCount, &m.Checkpoint,
		&m.Deadline, &m.CreatedAt, &m.NextAttemptAt, &m.LastAttemptAt, &m.FinishedAt,
		&m.LastError, &m.Encrypted, &m.Quarantined,
	)
	if err != nil {
		return nil, err
	}
	return toDomain(m)
}

func toDomain(m requestRow) (*domain.Request, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, badRecordError{rawID: m.ID, err: fmt.Errorf("invalid id: %w", err)}
	}

	status := domain.Status(m.Status)
	switch status {
	case domain.StatusPending, domain.StatusInFlight, domain.StatusCompleted,
		domain.StatusFailed, domain.StatusExpired:
	default:
		return nil, badRecordError{rawID: m.ID, err: fmt.Errorf("unknown status %q", m.Status)}
	}

	if m.Priority < int(domain.PriorityNormal) || m.Priority > int(domain.PriorityCritical) {
		return nil, badRecordError{rawID: m.ID, err: fmt.Errorf("priority %d out of range", m.Priority)}
	}

	var lastError *string
	if m.LastError.Valid {
		lastError = &m.LastError.String
	}

	return domain.Reconstitute(
		id, m.ServiceType,
		domain.Priority(m.Priority), fromMillis(m.Deadline),
		status,
		m.RetryCount, m.Checkpoint,
		time.UnixMilli(m.CreatedAt).UTC(),
		fromMillis(m.NextAttemptAt), fromMillis(m.LastAttemptAt), fromMillis(m.FinishedAt),
		lastError,
		m.Encrypted != 0, m.Quarantined != 0,
	), nil
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
