package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scttfrdmn/thoughtsearch/adapter/llm"
	"github.com/scttfrdmn/thoughtsearch/thought"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 10s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffMultiplier float64

	// ShouldRetry determines if an error should trigger a retry.
	// If nil, DefaultShouldRetry is used.
	ShouldRetry func(error) bool

	// Logger receives a warning per failed attempt. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultRetryConfig returns a retry config with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		ShouldRetry:       DefaultShouldRetry,
	}
}

// DefaultShouldRetry retries everything except cancellation, an open
// circuit and provider errors that will not go away on their own (bad
// request, authentication). Timeouts and schema mismatches are retried.
func DefaultShouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var cbErr *CircuitBreakerError
	if errors.As(err, &cbErr) {
		return false
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// RetryDecorator wraps a generator with retry logic.
type RetryDecorator struct {
	next   Generator
	config RetryConfig
}

// Verify that RetryDecorator implements Generator interface.
var _ Generator = (*RetryDecorator)(nil)

// NewRetryDecorator creates a new retry decorator.
func NewRetryDecorator(next Generator, config RetryConfig) *RetryDecorator {
	// Apply defaults
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = DefaultShouldRetry
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RetryDecorator{
		next:   next,
		config: config,
	}
}

// Retry returns a Middleware applying NewRetryDecorator.
func Retry(config RetryConfig) Middleware {
	return func(next Generator) Generator {
		return NewRetryDecorator(next, config)
	}
}

// Generate implements thought.StepGenerator with retry logic.
func (r *RetryDecorator) Generate(ctx context.Context, prompt string) (string, error) {
	return withRetry(ctx, r.config, OpGenerate, stepCall(r.next, prompt))
}

// GenerateStructured implements thought.StructuredGenerator with retry logic.
func (r *RetryDecorator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	return withRetry(ctx, r.config, OpGenerateStructured, structuredCall(r.next, prompt, schema))
}

func withRetry[T any](ctx context.Context, config RetryConfig, op string, call callFunc[T]) (T, error) {
	var zero T
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result, err := call(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !config.ShouldRetry(err) {
			return zero, fmt.Errorf("non-retryable error on attempt %d/%d: %w", attempt, config.MaxAttempts, err)
		}

		// Don't sleep after the last attempt
		if attempt == config.MaxAttempts {
			break
		}

		config.Logger.WarnContext(ctx, "generation attempt failed",
			"operation", op,
			"attempt", attempt,
			"max_attempts", config.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
			backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	return zero, fmt.Errorf("max retry attempts (%d) exceeded: %w", config.MaxAttempts, lastErr)
}
