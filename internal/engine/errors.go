package engine

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by stores and services.
var (
	// ErrNotFound indicates a missing user, job, or link record.
	ErrNotFound = errors.New("not found")
	// ErrGone indicates the target resource no longer exists (HTTP 410); the
	// item should be demoted, never retried.
	ErrGone = errors.New("resource gone")
	// ErrAutomationUnconfigured indicates the automation worker URL is unset;
	// the submission path refuses to run.
	ErrAutomationUnconfigured = errors.New("automation worker not configured")
)

// RateLimitedError signals an HTTP 429 with the server-provided retry-after.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited extracts a RateLimitedError if err carries one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
