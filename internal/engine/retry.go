package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 10 * time.Second

	// jitterFraction bounds the positive jitter added to each backoff step.
	jitterFraction = 0.3
)

// RetryConfig controls WithRetry.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// OnRetry is called before each retry sleep with the 1-based retry
	// number, the error that triggered it and the chosen delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// BackoffDelay returns the delay before retry n (0-based):
// min(initial*2^n + jitter, max) with jitter in [0, 0.3*initial*2^n].
func BackoffDelay(n int, initial, maxDelay time.Duration) time.Duration {
	exp := initial << uint(n)
	if exp <= 0 || exp > maxDelay {
		return maxDelay
	}
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(exp))
	return min(exp+jitter, maxDelay)
}

// jitteredBackOff is a backoff.BackOff yielding BackoffDelay steps.
type jitteredBackOff struct {
	initial  time.Duration
	maxDelay time.Duration
	n        int
}

func (b *jitteredBackOff) Reset() { b.n = 0 }

func (b *jitteredBackOff) NextBackOff() time.Duration {
	d := BackoffDelay(b.n, b.initial, b.maxDelay)
	b.n++
	return d
}

// WithRetry runs op, retrying transient failures (rate-limit, server-error,
// timeout) with exponential backoff. Auth errors and every other class are
// returned immediately. The last error is returned once retries run out or
// ctx is cancelled during a backoff sleep.
func WithRetry[T any](ctx context.Context, op func(ctx context.Context) (T, error), cfg RetryConfig) (T, error) {
	cfg = cfg.withDefaults()

	var lastErr error
	retries := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !Classify(err).Type.Retryable() {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(&jitteredBackOff{initial: cfg.InitialDelay, maxDelay: cfg.MaxDelay}),
		backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			retries++
			if cfg.OnRetry != nil {
				cfg.OnRetry(retries, err, delay)
			}
		}),
	)
	if err == nil {
		return res, nil
	}
	var zero T
	if lastErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return zero, lastErr
	}
	return zero, err
}
