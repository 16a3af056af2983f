// Package reliability classifies transient failures and retries them with
// capped exponential backoff.
package reliability

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// TransientError marks a failure that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so Retry attempts the call again.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsRetryableHTTPStatus reports whether a response status is worth another
// attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ExponentialBackoff doubles base per attempt up to limit.
func ExponentialBackoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// Policy bounds Retry.
type Policy struct {
	Attempts int
	Base     time.Duration
	Limit    time.Duration
}

// Retry calls fn until it succeeds, returns a non-transient error, the
// attempts run out or ctx is done. The returned error is unwrapped from
// TransientError.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(ExponentialBackoff(attempt-1, p.Base, p.Limit))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(ctx.Err(), unwrapTransient(err))
			case <-timer.C:
			}
		}
		err = fn(ctx)
		var transient *TransientError
		if err == nil || !errors.As(err, &transient) {
			return err
		}
	}
	return unwrapTransient(err)
}

func unwrapTransient(err error) error {
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.Err
	}
	return err
}
