package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civisync/civisync/internal/domain"
)

const requestColumns = `id, service_type, priority, status, retry_count, checkpoint,
	deadline, created_at, next_attempt_at, last_attempt_at, finished_at, last_error,
	encrypted, quarantined`

// Enqueue durably inserts a new request. The payload is sealed with the
// store key; when sealing fails and allowPlaintext is false the insert is
// aborted with an EncryptionFailure. With explicit consent the record is
// stored unencrypted and flagged for re-encryption.
//
// When the byte quota would be exceeded, purge-eligible terminal records
// are cleaned up once before the insert is retried; if the queue is still
// over quota the call fails with StorageFull.
func (s *Store) Enqueue(ctx context.Context, req *domain.Request, allowPlaintext bool) error {
	payload := req.Payload
	var nonce []byte
	encrypted := true

	sealed, n, err := s.key.Seal(req.Payload)
	if err != nil {
		if !allowPlaintext {
			return domain.NewEncryptionFailureError(err)
		}
		s.logger.Warn("storing payload unencrypted under degraded-mode consent",
			"request_id", req.ID,
			"error", err,
		)
		encrypted = false
	} else {
		payload, nonce = sealed, n
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if s.maxBytes > 0 {
			used, err := usedBytes(ctx, tx)
			if err != nil {
				return err
			}
			if used+int64(len(payload)) > s.maxBytes {
				freed, err := s.cleanupTerminal(ctx, tx, time.Now().UTC())
				if err != nil {
					return err
				}
				used -= freed
				if used+int64(len(payload)) > s.maxBytes {
					return domain.NewStorageFullError(used, s.maxBytes)
				}
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO requests (
				id, service_type, priority, status, payload, nonce, encrypted,
				retry_count, checkpoint, deadline, created_at, next_attempt_at,
				last_attempt_at, finished_at, last_error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			req.ID.String(),
			req.ServiceType,
			int(req.Priority),
			string(req.Status),
			payload,
			nonce,
			boolToInt(encrypted),
			req.RetryCount,
			req.Checkpoint,
			toMillis(req.Deadline),
			req.CreatedAt.UnixMilli(),
			toMillis(req.NextAttemptAt),
			toMillis(req.LastAttemptAt),
			toMillis(req.FinishedAt),
			req.LastError,
		)
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}

		req.Encrypted = encrypted
		return nil
	})
}

// ListPending returns the metadata of every submittable request: pending,
// not quarantined, and past its backoff eligibility time. Payloads stay
// encrypted at rest; use ReadForSubmission or ReadDecrypted to access them.
func (s *Store) ListPending(ctx context.Context, now time.Time) ([]*domain.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE status = ? AND quarantined = 0
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC, id ASC
	`, string(domain.StatusPending), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}

	results, corrupt, err := collectRequests(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	s.quarantineAll(ctx, corrupt)
	return results, nil
}

// Get returns the metadata of a single request.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests WHERE id = ?
	`, id.String())

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewRequestNotFoundError(id.String())
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Claim atomically transitions a request Pending -> InFlight. The CAS on
// the prior status is the single-flight lock: at most one caller wins.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, last_attempt_at = ?
		WHERE id = ? AND status = ? AND quarantined = 0
	`,
		string(domain.StatusInFlight),
		at.UnixMilli(),
		id.String(),
		string(domain.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("claim request: %w", err)
	}

	return s.casOutcome(ctx, res, id, domain.StatusPending, domain.StatusInFlight)
}

// UpdateStatus persists a request's mutated lifecycle fields with a CAS on
// the status the caller observed. Two concurrent updates on the same id
// never interleave: the loser gets a StatusConflict.
func (s *Store) UpdateStatus(ctx context.Context, req *domain.Request, from domain.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, retry_count = ?, checkpoint = ?,
		    next_attempt_at = ?, last_attempt_at = ?, finished_at = ?, last_error = ?
		WHERE id = ? AND status = ?
	`,
		string(req.Status),
		req.RetryCount,
		req.Checkpoint,
		toMillis(req.NextAttemptAt),
		toMillis(req.LastAttemptAt),
		toMillis(req.FinishedAt),
		req.LastError,
		req.ID.String(),
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}

	return s.casOutcome(ctx, res, req.ID, from, req.Status)
}

func (s *Store) casOutcome(ctx context.Context, res sql.Result, id uuid.UUID, from, to domain.Status) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM requests WHERE id = ?", id.String(),
	).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
		return domain.NewRequestNotFoundError(id.String())
	}
	return domain.NewStatusConflictError(id.String(), from, to)
}

// ReadDecrypted returns the plaintext payload of a request. The caller
// must present a valid authentication proof; without one no plaintext is
// produced.
func (s *Store) ReadDecrypted(ctx context.Context, id uuid.UUID, proof []byte) ([]byte, error) {
	if s.verifier == nil {
		return nil, domain.NewAuthenticationRequiredError()
	}
	if err := s.verifier.Verify(proof); err != nil {
		return nil, err
	}
	return s.readPayload(ctx, id)
}

// ReadForSubmission returns the plaintext payload for the sync engine.
// This path stays inside the encrypt/decrypt boundary and is not exposed
// to producers; external reads go through ReadDecrypted.
func (s *Store) ReadForSubmission(ctx context.Context, id uuid.UUID) ([]byte, error) {
	return s.readPayload(ctx, id)
}

func (s *Store) readPayload(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var (
		payload, nonce []byte
		encrypted      int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, nonce, encrypted FROM requests
		WHERE id = ? AND quarantined = 0
	`, id.String()).Scan(&payload, &nonce, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewRequestNotFoundError(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	if encrypted == 0 {
		return payload, nil
	}

	plaintext, err := s.key.Open(payload, nonce)
	if err != nil {
		// Undecryptable ciphertext means the record was altered at rest.
		// Quarantine it so the rest of the queue keeps flowing.
		if qErr := s.Quarantine(ctx, id); qErr != nil {
			s.logger.Error("failed to quarantine corrupt record",
				"request_id", id,
				"error", qErr,
			)
		}
		return nil, domain.NewCorruptRecordError(id.String(), err)
	}
	return plaintext, nil
}

// Quarantine excludes a corrupt record from submission and listing while
// keeping it on disk for diagnostics.
func (s *Store) Quarantine(ctx context.Context, id uuid.UUID) error {
	return s.quarantineRaw(ctx, id.String())
}

func (s *Store) quarantineRaw(ctx context.Context, rawID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE requests SET quarantined = 1 WHERE id = ?", rawID)
	if err != nil {
		return fmt.Errorf("quarantine request: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.NewRequestNotFoundError(rawID)
	}

	s.logger.Warn("quarantined corrupt record", "request_id", rawID)
	return nil
}

// Quarantined lists records excluded from the queue for diagnostics.
func (s *Store) Quarantined(ctx context.Context) ([]*domain.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests WHERE quarantined = 1
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query quarantined requests: %w", err)
	}
	defer rows.Close()

	// Already-quarantined rows that fail to decode stay where they are.
	results, _, err := collectRequests(rows)
	return results, err
}

// collectRequests scans every row, skipping individual records that no
// longer decode so one corrupt record never aborts the whole listing.
// The rows must be closed before the returned corrupt ids are quarantined:
// the store runs on a single connection.
func collectRequests(rows *sql.Rows) (results []*domain.Request, corrupt []string, err error) {
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			var bad badRecordError
			if errors.As(err, &bad) {
				corrupt = append(corrupt, bad.rawID)
				continue
			}
			return nil, nil, err
		}
		results = append(results, req)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate requests: %w", err)
	}
	return results, corrupt, nil
}

func (s *Store) quarantineAll(ctx context.Context, rawIDs []string) {
	for _, id := range rawIDs {
		if err := s.quarantineRaw(ctx, id); err != nil {
			s.logger.Error("failed to quarantine undecodable record",
				"request_id", id,
				"error", err,
			)
		}
	}
}
