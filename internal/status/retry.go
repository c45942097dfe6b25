package status

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures exponential backoff for Flush.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the retry policy used after task completion.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  5 * time.Second,
	}
}

// FlushWithRetry flushes s, retrying transient failures such as a locked
// database. It gives up when ctx ends or the elapsed budget is spent and
// returns the last flush error.
func FlushWithRetry(ctx context.Context, s Store, cfg RetryConfig) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return s.Flush(ctx)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime

	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
