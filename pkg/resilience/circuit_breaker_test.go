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

func failingCall(ctx context.Context) error {
	return models.NewError(models.CodeStoreUnavailable, "store down", true)
}

func succeedingCall(ctx context.Context) error {
	return nil
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})

	ctx := context.Background()

	// Exactly threshold-1 failures keep it closed
	for i := 0; i < 2; i++ {
		cb.Execute(ctx, failingCall)
		assert.Equal(t, models.CircuitClosed, cb.State())
	}

	cb.Execute(ctx, failingCall)
	assert.Equal(t, models.CircuitOpen, cb.State())
}

func TestCircuitBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})

	ctx := context.Background()

	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, succeedingCall)
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	// Never three in a row
	assert.Equal(t, models.CircuitClosed, cb.State())
}

func TestCircuitBreakerFailsFastWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "orders",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})

	ctx := context.Background()
	cb.Execute(ctx, failingCall)
	require.Equal(t, models.CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called, "protected call must not run while open")
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, models.CodeCircuitOpen, models.CodeOf(err))
	assert.True(t, models.IsRetryable(err))

	var structured *models.Error
	require.True(t, errors.As(err, &structured))
	assert.Equal(t, "orders", structured.Details["breaker"])
	assert.Equal(t, 1, structured.Details["failure_count"])
	assert.NotNil(t, structured.Details["last_failure"])
}

func TestCircuitBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Millisecond,
	})

	ctx := context.Background()
	cb.Execute(ctx, failingCall)
	require.Equal(t, models.CircuitOpen, cb.State())

	assert.Eventually(t, func() bool {
		return cb.State() == models.CircuitHalfOpen
	}, time.Second, 5*time.Millisecond)

	// One success is not enough to close
	cb.Execute(ctx, succeedingCall)
	assert.Equal(t, models.CircuitHalfOpen, cb.State())

	cb.Execute(ctx, succeedingCall)
	assert.Equal(t, models.CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
	})

	ctx := context.Background()
	cb.Execute(ctx, failingCall)

	require.Eventually(t, func() bool {
		return cb.State() == models.CircuitHalfOpen
	}, time.Second, 5*time.Millisecond)

	cb.Execute(ctx, failingCall)
	assert.Equal(t, models.CircuitOpen, cb.State())

	// The reset timer re-arms, so it probes again
	assert.Eventually(t, func() bool {
		return cb.State() == models.CircuitHalfOpen
	}, time.Second, 5*time.Millisecond)
}

func TestCircuitBreakerNonFailureErrorPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})

	notFound := models.NewError(models.CodeTaskNotFound, "task not found", false)
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return notFound
	})

	assert.Same(t, notFound, err.(*models.Error))
	assert.Equal(t, models.CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreakerFallback(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})

	ctx := context.Background()
	cb.Execute(ctx, failingCall)
	require.Equal(t, models.CircuitOpen, cb.State())

	fallbackRan := false
	err := cb.ExecuteWithFallback(ctx, failingCall, func(ctx context.Context) error {
		fallbackRan = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, fallbackRan)
}

func TestCircuitBreakerResetAndForceOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})

	ctx := context.Background()
	cb.Execute(ctx, failingCall)
	require.Equal(t, models.CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, models.CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)

	cb.ForceOpen()
	assert.Equal(t, models.CircuitOpen, cb.State())

	err := cb.Execute(ctx, succeedingCall)
	assert.Equal(t, models.CodeCircuitOpen, models.CodeOf(err))
}

func TestCircuitBreakerResetOnClosedIsQuiet(t *testing.T) {
	var changes int
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to models.CircuitState) {
			changes++
		},
	})

	cb.Execute(context.Background(), failingCall)
	require.Equal(t, models.CircuitClosed, cb.State())

	cb.Reset()
	assert.Equal(t, 0, changes, "no closed-to-closed transition reported")
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	type change struct{ from, to models.CircuitState }
	var changes []change

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to models.CircuitState) {
			changes = append(changes, change{from, to})
		},
	})

	ctx := context.Background()
	cb.Execute(ctx, failingCall)
	cb.Execute(ctx, failingCall)

	require.Len(t, changes, 1)
	assert.Equal(t, models.CircuitClosed, changes[0].from)
	assert.Equal(t, models.CircuitOpen, changes[0].to)
}

func TestCircuitBreakerPanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})

	require.Error(t, err)
	assert.Equal(t, models.CircuitOpen, cb.State())
}

func TestCircuitBreakerStats(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("stats"))

	ctx := context.Background()
	cb.Execute(ctx, succeedingCall)
	cb.Execute(ctx, failingCall)

	stats := cb.Stats()
	assert.Equal(t, "stats", stats.Name)
	assert.Equal(t, int64(2), stats.TotalCalls)
	assert.Equal(t, 1, stats.FailureCount)
	assert.False(t, stats.LastFailure.IsZero())
}
