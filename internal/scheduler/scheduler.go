// Package scheduler orders pending requests for submission.
//
// The ordering key, most significant first: urgency class, nearest
// deadline (requests without a deadline sort after those with one),
// earliest creation time, then id as a deterministic tie-break. The
// functions are pure: they rank a snapshot, so a request enqueued after a
// round began is simply absent from that round.
package scheduler

import (
	"slices"
	"strings"

	"github.com/civisync/civisync/internal/domain"
)

// SelectNext returns the most urgent submittable request, or nil when the
// snapshot is empty.
func SelectNext(pending []*domain.Request) *domain.Request {
	var best *domain.Request
	for _, req := range pending {
		if best == nil || compare(req, best) < 0 {
			best = req
		}
	}
	return best
}

// Order sorts a snapshot into submission order without mutating the input.
func Order(pending []*domain.Request) []*domain.Request {
	ordered := slices.Clone(pending)
	slices.SortStableFunc(ordered, compare)
	return ordered
}

// compare reports whether a submits before b.
func compare(a, b *domain.Request) int {
	if a.Priority != b.Priority {
		return int(b.Priority) - int(a.Priority)
	}

	switch {
	case a.Deadline != nil && b.Deadline == nil:
		return -1
	case a.Deadline == nil && b.Deadline != nil:
		return 1
	case a.Deadline != nil && b.Deadline != nil && !a.Deadline.Equal(*b.Deadline):
		if a.Deadline.Before(*b.Deadline) {
			return -1
		}
		return 1
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}

	return strings.Compare(a.ID.String(), b.ID.String())
}
