package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// RetryConfig holds configuration for retry behavior. MaxRetries is the
// attempt budget beyond the first try, so MaxRetries=3 means up to four
// invocations of the operation.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	EnableJitter bool
	IsRetryable  func(error) bool
	OnRetry      func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		EnableJitter: true,
	}
}

// RetryStats are process-local counters for a Retryer, resettable and
// never persisted.
type RetryStats struct {
	Executions int64
	Retries    int64
	Successes  int64
	Exhausted  int64
}

// Retryer re-invokes a fallible operation with exponential backoff and
// jitter until success, a non-retryable error, or budget exhaustion.
type Retryer struct {
	config RetryConfig

	executions atomic.Int64
	retries    atomic.Int64
	successes  atomic.Int64
	exhausted  atomic.Int64
}

// NewRetryer creates a new retryer with the given configuration
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.IsRetryable == nil {
		config.IsRetryable = models.IsRetryable
	}

	return &Retryer{config: config}
}

// Execute runs the operation with retry. Attempt numbering is
// 0..MaxRetries inclusive. A non-retryable error is returned unchanged
// after a single evaluation, even if budget remains. When the budget is
// spent on a retryable error, the result is a RETRY_EXHAUSTED error
// wrapping the last observed one. Context cancellation surfaces as a
// non-retryable CANCELED error wrapping ctx.Err().
func (r *Retryer) Execute(ctx context.Context, fn func(context.Context) error) error {
	r.executions.Add(1)

	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.WrapError(models.CodeCanceled, false, err)
		}

		err := r.invoke(ctx, fn)
		if err == nil {
			r.successes.Add(1)
			return nil
		}

		lastErr = err

		if !r.config.IsRetryable(err) {
			return err
		}

		if attempt == r.config.MaxRetries {
			break
		}

		delay := r.Delay(attempt)
		r.retries.Add(1)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt+1, delay, err)
		}

		select {
		case <-ctx.Done():
			return models.WrapError(models.CodeCanceled, false, ctx.Err())
		case <-time.After(delay):
		}
	}

	r.exhausted.Add(1)
	return models.WrapError(models.CodeRetryExhausted, false, lastErr).
		WithDetail("attempts", r.config.MaxRetries+1)
}

// invoke runs fn, coercing a raised panic into a retryable error so the
// same retry policy applies to faults outside the result channel.
func (r *Retryer) invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = models.Unexpected(fmt.Errorf("panic: %v", rec))
		}
	}()
	return fn(ctx)
}

// Delay computes the backoff before the retry that follows the given
// zero-based attempt: min(base * multiplier^attempt, max), plus a
// uniformly random jitter in [0, 0.3*delay) when enabled. The jitter
// spreads concurrent retriers to avoid synchronized retry storms.
func (r *Retryer) Delay(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.EnableJitter {
		delay += rand.Float64() * 0.3 * delay
	}

	return time.Duration(math.Floor(delay))
}

// Stats returns a snapshot of the retryer's counters
func (r *Retryer) Stats() RetryStats {
	return RetryStats{
		Executions: r.executions.Load(),
		Retries:    r.retries.Load(),
		Successes:  r.successes.Load(),
		Exhausted:  r.exhausted.Load(),
	}
}

// ResetStats zeroes the counters
func (r *Retryer) ResetStats() {
	r.executions.Store(0)
	r.retries.Store(0)
	r.successes.Store(0)
	r.exhausted.Store(0)
}

// Retry is a convenience function for simple retry operations
func Retry(ctx context.Context, maxRetries int, fn func(context.Context) error) error {
	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries
	return NewRetryer(config).Execute(ctx, fn)
}
