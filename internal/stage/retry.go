package stage

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds adapter retries for transient backend errors.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// Retry runs op with exponential backoff. Only transient errors (engine
// unavailable, timeouts, connection resets) are retried; anything else fails
// immediately. Exhaustion or a permanent error is wrapped as a Failure for
// the named stage so the caller aborts the turn rather than hanging on a
// dead downstream engine.
func Retry[T any](ctx context.Context, stageName string, policy RetryPolicy, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		bo.InitialInterval = policy.InitialBackoff
	}

	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !Transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(policy.MaxRetries+1)))
	if err != nil {
		return result, Fail(stageName, err)
	}
	return result, nil
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
