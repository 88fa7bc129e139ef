package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/blood-match/pkg/core/apperr"
)

// RetryPolicy bounds how transient store contention is retried
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries three times starting at 20ms
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   20 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// delay returns the backoff before the given retry (1 is the first retry)
func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// withRetry calls fn until it succeeds, fails with a non-retryable error, or
// the attempts run out. Only apperr.ErrTransient is retried.
func withRetry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, op string, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !apperr.IsRetryable(err) || attempt == attempts {
			return err
		}

		wait := policy.delay(attempt)
		logger.Debug("Retrying after transient store error",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
