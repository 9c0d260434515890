package syncengine

import (
	"context"
	"errors"
	"net"

	"github.com/civisync/civisync/internal/domain"
)

// ErrorCategory represents the nature of a submission error for retry logic
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "TRANSIENT"
	CategoryPermanent ErrorCategory = "PERMANENT"
)

// Categorize determines whether a failed submission may be retried.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	// Context errors: timeouts and connectivity-loss cancellation
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTransient
	}

	// Portal rejections
	if portalErr, ok := IsPortalError(err); ok {
		if portalErr.IsRetryable() {
			return CategoryTransient
		}

		switch portalErr.Code {
		// TRANSIENT: infrastructure trouble on the portal side
		case "server_busy", "internal_error", "maintenance_window":
			return CategoryTransient

		// PERMANENT: the submission itself is rejected
		case "validation_failed", "invalid_payload", "unauthorized",
			"forbidden", "duplicate_submission", "service_discontinued":
			return CategoryPermanent

		default:
			return CategoryPermanent
		}
	}

	// Pre-categorized domain errors
	if domain.IsErrorCode(err, domain.ErrCodePermanentSubmission) {
		return CategoryPermanent
	}
	if domain.IsErrorCode(err, domain.ErrCodeTransientNetwork) {
		return CategoryTransient
	}

	// Plain network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}

	// Default: transient (safe fallback, bounded by the retry cap)
	return CategoryTransient
}
