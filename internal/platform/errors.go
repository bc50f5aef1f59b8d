package platform

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound: community/group/member vanished. Terminal; callers mark
	// the work done and move on, the situation cannot resolve itself.
	ErrNotFound = errors.New("platform: not found")

	// ErrMissingPermission: the bot lacks a required capability. Terminal
	// for the attempt; not retried automatically.
	ErrMissingPermission = errors.New("platform: missing permission")
)

// RateLimitedError is returned when the platform throttles a call. Transient;
// callers requeue with backoff instead of failing.
type RateLimitedError struct {
	After time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("platform: rate limited (retry after %s)", e.After)
}

// RetryAfter returns the platform-suggested wait.
func (e *RateLimitedError) RetryAfter() time.Duration { return e.After }

// IsRateLimited reports whether err carries a platform rate-limit signal and
// returns the suggested wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.After, true
	}
	return 0, false
}
