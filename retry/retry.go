// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	x402 "github.com/Blessedbiello/402pay-sub001"
)

// Config bounds a retry loop.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt.
	Multiplier float64

	// Jitter randomizes each delay by up to this fraction (0 disables).
	Jitter float64
}

// DefaultConfig is used for facilitator calls and chain polling.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
	Jitter:       0.2,
}

// WithRetry calls fn until it succeeds, returns an error isRetryable rejects,
// the attempts are exhausted or ctx is done. The last error is returned.
func WithRetry[T any](ctx context.Context, cfg Config, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	hinted := &hintedBackOff{BackOff: b, max: cfg.MaxDelay}

	op := func() (T, error) {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, backoff.Permanent(err)
		}
		v, err := fn()
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return v, backoff.Permanent(err)
		}
		var pe *x402.PaymentError
		if errors.As(err, &pe) && pe.RetryAfter > 0 {
			hinted.hint = pe.RetryAfter
		}
		return v, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(hinted),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
}

// hintedBackOff waits at least the server's Retry-After hint, capped at max.
type hintedBackOff struct {
	backoff.BackOff
	max  time.Duration
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	hint := h.hint
	h.hint = 0
	if h.max > 0 && hint > h.max {
		hint = h.max
	}
	if next != backoff.Stop && hint > next {
		return hint
	}
	return next
}

// Do is WithRetry for operations without a result.
func Do(ctx context.Context, cfg Config, isRetryable func(error) bool, fn func() error) error {
	_, err := WithRetry(ctx, cfg, isRetryable, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
