package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker fails fast once a protected dependency shows a run of
// consecutive failures, probing recovery after a cool-down. One
// instance guards one dependency; state is never shared across
// dependencies.
type CircuitBreaker struct {
	name  string
	state models.CircuitState

	failureCount    int
	successCount    int
	totalCalls      int64
	lastFailure     time.Time
	lastStateChange time.Time

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	isFailure        func(error) bool
	onStateChange    func(from, to models.CircuitState)

	resetTimer *time.Timer

	mu sync.Mutex
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Consecutive successes in half-open to close
	ResetTimeout     time.Duration // Cool-down before probing recovery
	IsFailure        func(error) bool
	OnStateChange    func(from, to models.CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = models.IsRetryable
	}

	return &CircuitBreaker{
		name:             config.Name,
		state:            models.CircuitClosed,
		failureThreshold: config.FailureThreshold,
		successThreshold: config.SuccessThreshold,
		resetTimeout:     config.ResetTimeout,
		isFailure:        config.IsFailure,
		onStateChange:    config.OnStateChange,
		lastStateChange:  time.Now(),
	}
}

// Execute runs the function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	return cb.ExecuteWithFallback(ctx, fn, nil)
}

// ExecuteWithFallback runs the function with circuit breaker protection.
// When the circuit is open the fallback, if any, is invoked instead of
// touching the protected dependency; without one the call fails fast.
func (cb *CircuitBreaker) ExecuteWithFallback(ctx context.Context, fn, fallback func(context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return err
	}

	err := cb.invoke(ctx, fn)
	cb.recordResult(err)

	return err
}

// invoke runs fn, treating a raised panic as a failure
func (cb *CircuitBreaker) invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = models.Unexpected(fmt.Errorf("panic: %v", rec))
		}
	}()
	return fn(ctx)
}

// allowRequest counts the call and checks whether it may proceed
func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	if cb.state != models.CircuitOpen {
		return nil
	}

	return models.WrapError(models.CodeCircuitOpen, true, ErrCircuitOpen).
		WithDetail("breaker", cb.name).
		WithDetail("failure_count", cb.failureCount).
		WithDetail("last_failure", cb.lastFailure)
}

// recordResult classifies the outcome and drives the transition table
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.recordFailure()
	} else if err == nil {
		cb.recordSuccess()
	}
	// A non-failure error passes through without moving the state machine
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailure = time.Now()

	switch cb.state {
	case models.CircuitClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionTo(models.CircuitOpen)
		}

	case models.CircuitHalfOpen:
		// Any failure while probing reopens and re-arms the timer
		cb.transitionTo(models.CircuitOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case models.CircuitClosed:
		// The threshold counts consecutive failures, not lifetime failures
		cb.failureCount = 0

	case models.CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transitionTo(models.CircuitClosed)
		}
	}
}

// transitionTo moves to a new state; caller must hold cb.mu
func (cb *CircuitBreaker) transitionTo(newState models.CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if cb.resetTimer != nil {
		cb.resetTimer.Stop()
		cb.resetTimer = nil
	}

	switch newState {
	case models.CircuitClosed:
		cb.failureCount = 0
		cb.successCount = 0
	case models.CircuitOpen:
		cb.successCount = 0
		// One-shot timer: after the cool-down the breaker probes recovery
		cb.resetTimer = time.AfterFunc(cb.resetTimeout, cb.onResetTimeout)
	case models.CircuitHalfOpen:
		cb.failureCount = 0
		cb.successCount = 0
	}

	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// onResetTimeout fires when the open cool-down elapses
func (cb *CircuitBreaker) onResetTimeout() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == models.CircuitOpen {
		cb.transitionTo(models.CircuitHalfOpen)
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() models.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forces the breaker closed and clears timers and counters.
// Administrative override. Resetting an already-closed breaker only
// clears the counters; no transition is reported.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == models.CircuitClosed {
		cb.failureCount = 0
		cb.successCount = 0
		return
	}
	cb.transitionTo(models.CircuitClosed)
}

// ForceOpen opens the breaker without waiting for failures. Maintenance
// mode: calls fail fast until Reset or the cool-down elapses.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(models.CircuitOpen)
}

// CircuitBreakerStats is a snapshot of breaker counters
type CircuitBreakerStats struct {
	Name            string
	State           models.CircuitState
	FailureCount    int
	SuccessCount    int
	TotalCalls      int64
	LastFailure     time.Time
	LastStateChange time.Time
}

// Stats returns current circuit breaker statistics
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		TotalCalls:      cb.totalCalls,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}
