package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/civisync/civisync/internal/domain"
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func usedBytes(ctx context.Context, q queryer) (int64, error) {
	var used int64
	err := q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(LENGTH(payload)), 0) FROM requests").Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("compute queue usage: %w", err)
	}
	return used, nil
}

// cleanupTerminal deletes purge-eligible terminal records under storage
// pressure, oldest completed first, and returns the bytes freed.
// Pending and in-flight records are never candidates.
func (s *Store) cleanupTerminal(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	cutoff := now.Add(-s.retention).UnixMilli()

	before, err := usedBytes(ctx, tx)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM requests
		WHERE id IN (
			SELECT id FROM requests
			WHERE status IN (?, ?, ?)
			  AND finished_at IS NOT NULL AND finished_at <= ?
			ORDER BY CASE status WHEN ? THEN 0 ELSE 1 END, finished_at ASC
		)
	`,
		string(domain.StatusCompleted), string(domain.StatusExpired), string(domain.StatusFailed),
		cutoff,
		string(domain.StatusCompleted),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup terminal records: %w", err)
	}

	after, err := usedBytes(ctx, tx)
	if err != nil {
		return 0, err
	}

	if freed := before - after; freed > 0 {
		s.logger.Info("freed queue storage under pressure", "bytes", freed)
		return freed, nil
	}
	return 0, nil
}

// PurgeExpired deletes terminal records whose retention window has
// elapsed. Pending and in-flight records are never purged, regardless of
// age. Returns the number of records removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.retention).UnixMilli()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM requests
		WHERE status IN (?, ?, ?)
		  AND finished_at IS NOT NULL AND finished_at <= ?
	`,
		string(domain.StatusCompleted), string(domain.StatusExpired), string(domain.StatusFailed),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired records: %w", err)
	}

	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if purged > 0 {
		s.logger.Info("purged terminal records past retention", "count", purged)
	}
	return purged, nil
}

// RecoverInFlight reverts records a crash left in-flight back to pending.
// Run once at startup, before the sync engine starts claiming.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET status = ?
		WHERE status = ?
	`, string(domain.StatusPending), string(domain.StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("recover in-flight records: %w", err)
	}

	recovered, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("recovered requests stranded in flight by a previous run",
			"count", recovered)
	}
	return recovered, nil
}

// RevertStuck returns in-flight records whose attempt started before the
// cutoff to pending. This is the watchdog path for adapters that never
// return; the reverted attempt does not consume a retry.
func (s *Store) RevertStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET status = ?
		WHERE status = ? AND last_attempt_at IS NOT NULL AND last_attempt_at < ?
	`,
		string(domain.StatusPending),
		string(domain.StatusInFlight),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("revert stuck records: %w", err)
	}

	reverted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if reverted > 0 {
		s.logger.Warn("watchdog reverted stuck in-flight requests", "count", reverted)
	}
	return reverted, nil
}

// ExpireDue moves pending requests whose deadline has passed to expired
// and returns them so the engine can emit status notifications. Each move
// is a CAS, so a request claimed concurrently is simply left alone.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]*domain.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE status = ? AND quarantined = 0
		  AND deadline IS NOT NULL AND deadline < ?
	`, string(domain.StatusPending), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query due requests: %w", err)
	}

	due, corrupt, err := collectRequests(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	s.quarantineAll(ctx, corrupt)

	var expired []*domain.Request
	for _, req := range due {
		if err := req.MarkExpired(now); err != nil {
			continue
		}
		if err := s.UpdateStatus(ctx, req, domain.StatusPending); err != nil {
			if domain.IsErrorCode(err, domain.ErrCodeStatusConflict) {
				continue
			}
			return expired, err
		}
		expired = append(expired, req)
	}
	return expired, nil
}

// Stats summarizes queue state for diagnostics without touching payloads.
type Stats struct {
	ByStatus    map[domain.Status]int64
	Quarantined int64
	UsedBytes   int64
	MaxBytes    int64
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus: make(map[domain.Status]int64),
		MaxBytes: s.maxBytes,
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM requests GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count requests by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[domain.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM requests WHERE quarantined = 1").Scan(&stats.Quarantined); err != nil {
		return nil, fmt.Errorf("count quarantined: %w", err)
	}

	used, err := usedBytes(ctx, s.db)
	if err != nil {
		return nil, err
	}
	stats.UsedBytes = used

	return stats, nil
}
