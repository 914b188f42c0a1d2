package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransientError marks an upstream failure as retryable (HTTP 429 rate limit
// or provider overload). Adapters wrap such failures in a TransientError so
// the shared retry policy can recognize them; every other failure is surfaced
// immediately.
type TransientError struct {
	// StatusCode is the upstream HTTP status (429, 529, ...).
	StatusCode int

	// RetryAfter is the server-supplied backoff hint, zero when absent.
	RetryAfter time.Duration

	// Err is the underlying error.
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient upstream failure (status %d): %v", e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RetryPolicy bounds automatic retries of transient upstream failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the first backoff delay; it doubles on each retry unless the
	// server supplied a retry-after hint.
	BaseDelay time.Duration

	// OnRetry, when non-nil, is invoked before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy matches the upstream providers' documented guidance:
// three attempts, one second base delay, exponential growth.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// Do runs fn, retrying on [TransientError] with exponential backoff. A server
// retry-after hint takes precedence over the computed delay. Non-transient
// errors and context cancellation end the loop immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var te *TransientError
		if !errors.As(lastErr, &te) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := base << attempt
		if te.RetryAfter > 0 {
			delay = te.RetryAfter
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}

// ParseRetryAfter interprets a Retry-After header value as whole seconds.
// Returns zero for empty or unparseable values.
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	var secs float64
	if _, err := fmt.Sscanf(header, "%f", &secs); err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
