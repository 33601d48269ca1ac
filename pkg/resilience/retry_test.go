package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
)

func retryableErr(msg string) error {
	return models.NewError(models.CodeStoreUnavailable, msg, true)
}

func TestRetryerSucceedsFirstTry(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), r.Stats().Successes)
	assert.Equal(t, int64(0), r.Stats().Retries)
}

func TestRetryerRecoversAfterTransientFailures(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, EnableJitter: false})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return retryableErr("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(2), r.Stats().Retries)
}

func TestRetryerNonRetryableReturnsUnchanged(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond})

	permanent := models.NewError(models.CodeLockHeld, "path is locked", false)
	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})

	// No budget consumed beyond the single evaluation, error untouched
	assert.Equal(t, 1, calls)
	assert.Same(t, permanent, err.(*models.Error))
}

func TestRetryerForeignErrorsNotRetried(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond})

	plain := errors.New("plain failure")
	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return plain
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, plain, err)
}

func TestRetryerExhaustion(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, EnableJitter: false})

	last := retryableErr("still down")
	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // attempts 0, 1, 2
	assert.Equal(t, models.CodeRetryExhausted, models.CodeOf(err))
	assert.False(t, models.IsRetryable(err))
	assert.True(t, errors.Is(err, last))
	assert.Equal(t, int64(1), r.Stats().Exhausted)
}

func TestRetryerDelaySequence(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxRetries:   10,
		BaseDelay:    time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		EnableJitter: false,
	})

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, r.Delay(attempt), "attempt %d", attempt)
	}
}

func TestRetryerJitterBounds(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxRetries:   3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		EnableJitter: true,
	})

	base := 2 * time.Second // attempt 1
	for i := 0; i < 200; i++ {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, time.Duration(float64(base)*1.3))
	}
}

func TestRetryerOnRetryCallback(t *testing.T) {
	var attempts []int
	var delays []time.Duration

	r := NewRetryer(RetryConfig{
		MaxRetries:   2,
		BaseDelay:    time.Millisecond,
		EnableJitter: false,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			attempts = append(attempts, attempt)
			delays = append(delays, delay)
		},
	})

	r.Execute(context.Background(), func(ctx context.Context) error {
		return retryableErr("down")
	})

	assert.Equal(t, []int{1, 2}, attempts)
	require.Len(t, delays, 2)
	assert.Equal(t, time.Millisecond, delays[0])
	assert.Equal(t, 2*time.Millisecond, delays[1])
}

func TestRetryerContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxRetries: 10, BaseDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Execute(ctx, func(ctx context.Context) error {
		return retryableErr("down")
	})

	require.Error(t, err)
	assert.Equal(t, models.CodeCanceled, models.CodeOf(err))
	assert.False(t, models.IsRetryable(err))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryerPanicBecomesRetryableError(t *testing.T) {
	r := NewRetryer(RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, EnableJitter: false})

	calls := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		panic("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, models.CodeRetryExhausted, models.CodeOf(err))
}

func TestRetryConvenience(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 0, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
