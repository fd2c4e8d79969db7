package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed means the circuit is closed and requests pass through normally.
	StateClosed CircuitState = iota
	// StateOpen means the circuit is open and requests fail fast.
	StateOpen
	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is the duration before attempting recovery from open state.
	// Default: 60s
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of successful calls in half-open state to close the circuit.
	// Default: 2
	SuccessThreshold int

	// IsFailure decides whether an error counts towards opening the
	// circuit. If nil, every error except cancellation counts.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns a circuit breaker config with sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreakerMetrics tracks circuit breaker metrics.
type CircuitBreakerMetrics struct {
	mu                 sync.RWMutex
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	RejectedRequests   int64 // Rejected due to open circuit
	StateChanges       map[string]int64
	LastStateChange    *time.Time
	CurrentState       CircuitState
}

// Rejected returns the number of calls rejected by an open circuit.
func (m *CircuitBreakerMetrics) Rejected() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RejectedRequests
}

// Transitions returns how many times the given transition ("closed->open")
// happened.
func (m *CircuitBreakerMetrics) Transitions(transition string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.StateChanges[transition]
}

// NewCircuitBreakerMetrics creates a new metrics instance.
func NewCircuitBreakerMetrics() *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{
		StateChanges: make(map[string]int64),
		CurrentState: StateClosed,
	}
}

// CircuitBreakerError is returned when the circuit breaker is open.
type CircuitBreakerError struct {
	FailureCount int
}

// Error implements the error interface.
func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker is OPEN (failed %d times)", e.FailureCount)
}

// CircuitBreakerDecorator wraps a generator with circuit breaker protection.
//
// When the generation service is down, a search would otherwise spend its
// whole retry budget on every rollout and simulation. The breaker fails
// those calls fast instead. It has three states:
//
// - CLOSED: Normal operation, calls pass through
// - OPEN: Failure threshold exceeded, fail fast without calling the generator
// - HALF_OPEN: Testing if the service has recovered
//
// State transitions:
// - CLOSED -> OPEN: After FailureThreshold consecutive failures
// - OPEN -> HALF_OPEN: After RecoveryTimeout seconds
// - HALF_OPEN -> CLOSED: After SuccessThreshold consecutive successes
// - HALF_OPEN -> OPEN: On any failure
type CircuitBreakerDecorator struct {
	next            Generator
	config          CircuitBreakerConfig
	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime *time.Time
	metrics         *CircuitBreakerMetrics
}

// Verify that CircuitBreakerDecorator implements Generator interface.
var _ Generator = (*CircuitBreakerDecorator)(nil)

// NewCircuitBreakerDecorator creates a new circuit breaker decorator.
func NewCircuitBreakerDecorator(next Generator, config CircuitBreakerConfig) *CircuitBreakerDecorator {
	// Apply defaults
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}

	return &CircuitBreakerDecorator{
		next:    next,
		config:  config,
		state:   StateClosed,
		metrics: NewCircuitBreakerMetrics(),
	}
}

// CircuitBreaker returns a Middleware applying NewCircuitBreakerDecorator.
func CircuitBreaker(config CircuitBreakerConfig) Middleware {
	return func(next Generator) Generator {
		return NewCircuitBreakerDecorator(next, config)
	}
}

// State returns the current circuit breaker state.
func (c *CircuitBreakerDecorator) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the circuit breaker metrics.
func (c *CircuitBreakerDecorator) Metrics() *CircuitBreakerMetrics {
	return c.metrics
}

// changeState transitions the circuit breaker to a new state.
func (c *CircuitBreakerDecorator) changeState(newState CircuitState) {
	if c.state != newState {
		oldState := c.state
		c.state = newState

		// Update metrics
		c.metrics.mu.Lock()
		c.metrics.CurrentState = newState
		now := time.Now()
		c.metrics.LastStateChange = &now
		transition := fmt.Sprintf("%s->%s", oldState, newState)
		c.metrics.StateChanges[transition]++
		c.metrics.mu.Unlock()
	}
}

// shouldAttemptReset checks if the circuit should attempt to reset from OPEN to HALF_OPEN.
func (c *CircuitBreakerDecorator) shouldAttemptReset() bool {
	if c.lastFailureTime == nil {
		return false
	}
	elapsed := time.Since(*c.lastFailureTime)
	return elapsed >= c.config.RecoveryTimeout
}

// onSuccess handles a successful request.
func (c *CircuitBreakerDecorator) onSuccess() {
	c.metrics.mu.Lock()
	c.metrics.SuccessfulRequests++
	c.metrics.mu.Unlock()

	if c.state == StateHalfOpen {
		c.successCount++
		if c.successCount >= c.config.SuccessThreshold {
			// Recovered! Close the circuit
			c.changeState(StateClosed)
			c.failureCount = 0
			c.successCount = 0
		}
	} else if c.state == StateClosed {
		// Reset failure count on success
		c.failureCount = 0
	}
}

// onFailure handles a failed request.
func (c *CircuitBreakerDecorator) onFailure() {
	c.metrics.mu.Lock()
	c.metrics.FailedRequests++
	c.metrics.mu.Unlock()

	c.failureCount++
	now := time.Now()
	c.lastFailureTime = &now

	if c.state == StateHalfOpen {
		// Failed during recovery test, reopen circuit
		c.changeState(StateOpen)
		c.successCount = 0
	} else if c.state == StateClosed {
		if c.failureCount >= c.config.FailureThreshold {
			// Too many failures, open circuit
			c.changeState(StateOpen)
		}
	}
}

// admit reports whether a call may proceed, moving an expired open
// circuit to half-open.
func (c *CircuitBreakerDecorator) admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.mu.Lock()
	c.metrics.TotalRequests++
	c.metrics.mu.Unlock()

	if c.state == StateOpen {
		if !c.shouldAttemptReset() {
			c.metrics.mu.Lock()
			c.metrics.RejectedRequests++
			c.metrics.mu.Unlock()
			return &CircuitBreakerError{FailureCount: c.failureCount}
		}
		c.changeState(StateHalfOpen)
		c.successCount = 0
	}
	return nil
}

// settle records the outcome of an admitted call.
func (c *CircuitBreakerDecorator) settle(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case err == nil:
		c.onSuccess()
	case c.config.IsFailure(err):
		c.onFailure()
	}
}

// Generate implements thought.StepGenerator with circuit breaker protection.
func (c *CircuitBreakerDecorator) Generate(ctx context.Context, prompt string) (string, error) {
	return withBreaker(ctx, c, stepCall(c.next, prompt))
}

// GenerateStructured implements thought.StructuredGenerator with circuit breaker protection.
func (c *CircuitBreakerDecorator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	return withBreaker(ctx, c, structuredCall(c.next, prompt, schema))
}

func withBreaker[T any](ctx context.Context, c *CircuitBreakerDecorator, call callFunc[T]) (T, error) {
	if err := c.admit(); err != nil {
		var zero T
		return zero, err
	}
	result, err := call(ctx)
	c.settle(err)
	return result, err
}
