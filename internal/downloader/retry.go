package downloader

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// Transient statuses that warrant a retry by default: server-side
// failures, origin timeouts, and throttling responses.
var defaultRetryStatuses = []int{500, 502, 503, 504, 522, 524, 408, 429}

// RetryPolicy decides which failures are transient and how retried
// requests are re-submitted.
type RetryPolicy struct {
	// MaxRetries is the per-request retry budget.
	MaxRetries int

	// PriorityBoost is added to a request's priority on each retry so
	// retries are not starved behind fresh discoveries.
	PriorityBoost int

	// Backoff delays each re-submission; zero re-enqueues immediately.
	Backoff time.Duration

	statuses map[int]struct{}
}

// NewRetryPolicy builds a policy. statuses overrides the default
// retriable status set when non-empty.
func NewRetryPolicy(maxRetries, priorityBoost int, backoff time.Duration, statuses []int) RetryPolicy {
	if len(statuses) == 0 {
		statuses = defaultRetryStatuses
	}
	set := make(map[int]struct{}, len(statuses))
	for _, code := range statuses {
		set[code] = struct{}{}
	}
	return RetryPolicy{
		MaxRetries:    maxRetries,
		PriorityBoost: priorityBoost,
		Backoff:       backoff,
		statuses:      set,
	}
}

// RetriableStatus reports whether an HTTP status is in the transient set.
func (p RetryPolicy) RetriableStatus(code int) bool {
	_, ok := p.statuses[code]
	return ok
}

// RetriableError reports whether a transport error is transient:
// connection refused or reset, DNS resolution failure, or a timeout.
// Context cancellation is not retriable; the crawl is shutting down.
func (p RetryPolicy) RetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}
