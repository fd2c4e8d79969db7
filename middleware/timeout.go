package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// TimeoutConfig configures timeout behavior.
type TimeoutConfig struct {
	// Timeout is the per-call timeout duration.
	// Default: 30 seconds
	Timeout time.Duration
}

// DefaultTimeoutConfig returns a timeout config with sensible defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout: 30 * time.Second,
	}
}

// TimeoutMetrics tracks timeout middleware metrics.
type TimeoutMetrics struct {
	mu                 sync.RWMutex
	TotalRequests      int64
	SuccessfulRequests int64
	TimedOutRequests   int64
	FailedRequests     int64 // Failed for reasons other than timeout
	TotalDuration      time.Duration
	MaxDuration        time.Duration
}

func (m *TimeoutMetrics) record(duration time.Duration, outcome func(*TimeoutMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	outcome(m)
	m.TotalDuration += duration
	if duration > m.MaxDuration {
		m.MaxDuration = duration
	}
}

// Snapshot returns a copy of the counters.
func (m *TimeoutMetrics) Snapshot() TimeoutMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return TimeoutMetrics{
		TotalRequests:      m.TotalRequests,
		SuccessfulRequests: m.SuccessfulRequests,
		TimedOutRequests:   m.TimedOutRequests,
		FailedRequests:     m.FailedRequests,
		TotalDuration:      m.TotalDuration,
		MaxDuration:        m.MaxDuration,
	}
}

// TimeoutError is returned when a generation call exceeds the configured
// timeout. It is retryable.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Timeout)
}

// Unwrap lets errors.Is match context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// TimeoutDecorator wraps a generator with a per-call timeout.
//
// The call runs in its own goroutine so that a generator which ignores
// context cancellation still cannot block the caller past the timeout.
//
// Example:
//
//	gen := middleware.NewTimeoutDecorator(base, middleware.TimeoutConfig{Timeout: 10 * time.Second})
//	text, err := gen.Generate(ctx, prompt)
//	var timeoutErr *middleware.TimeoutError
//	if errors.As(err, &timeoutErr) {
//		fmt.Println("generation timed out")
//	}
type TimeoutDecorator struct {
	next    Generator
	config  TimeoutConfig
	metrics *TimeoutMetrics
}

// Verify that TimeoutDecorator implements Generator interface.
var _ Generator = (*TimeoutDecorator)(nil)

// NewTimeoutDecorator creates a new timeout decorator.
func NewTimeoutDecorator(next Generator, config TimeoutConfig) *TimeoutDecorator {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &TimeoutDecorator{
		next:    next,
		config:  config,
		metrics: &TimeoutMetrics{},
	}
}

// Timeout returns a Middleware applying NewTimeoutDecorator.
func Timeout(config TimeoutConfig) Middleware {
	return func(next Generator) Generator {
		return NewTimeoutDecorator(next, config)
	}
}

// Metrics returns the timeout metrics.
func (t *TimeoutDecorator) Metrics() *TimeoutMetrics {
	return t.metrics
}

// Generate implements thought.StepGenerator with timeout protection.
func (t *TimeoutDecorator) Generate(ctx context.Context, prompt string) (string, error) {
	return withTimeout(ctx, t, OpGenerate, stepCall(t.next, prompt))
}

// GenerateStructured implements thought.StructuredGenerator with timeout protection.
func (t *TimeoutDecorator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	return withTimeout(ctx, t, OpGenerateStructured, structuredCall(t.next, prompt, schema))
}

func withTimeout[T any](ctx context.Context, t *TimeoutDecorator, op string, call callFunc[T]) (T, error) {
	var zero T
	startTime := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	// Buffered so the goroutine can always finish.
	done := make(chan result, 1)
	go func() {
		value, err := call(timeoutCtx)
		done <- result{value, err}
	}()

	timedOut := func() (T, error) {
		// A cancelled parent is not a timeout.
		if err := ctx.Err(); err != nil {
			t.metrics.record(time.Since(startTime), func(m *TimeoutMetrics) { m.FailedRequests++ })
			return zero, err
		}
		t.metrics.record(time.Since(startTime), func(m *TimeoutMetrics) { m.TimedOutRequests++ })
		return zero, &TimeoutError{Operation: op, Timeout: t.config.Timeout}
	}

	select {
	case res := <-done:
		if res.err != nil {
			if timeoutCtx.Err() != nil {
				return timedOut()
			}
			t.metrics.record(time.Since(startTime), func(m *TimeoutMetrics) { m.FailedRequests++ })
			return zero, res.err
		}
		t.metrics.record(time.Since(startTime), func(m *TimeoutMetrics) { m.SuccessfulRequests++ })
		return res.value, nil

	case <-timeoutCtx.Done():
		return timedOut()
	}
}
