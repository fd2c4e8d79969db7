package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// RateLimiterConfig configures rate limiter behavior.
type RateLimiterConfig struct {
	// Rate is the number of calls allowed per second.
	// Default: 10
	Rate float64

	// Capacity is the maximum burst size.
	// Default: 10
	Capacity int

	// TokensPerRequest is the number of tokens consumed per call.
	// Default: 1
	TokensPerRequest int

	// Wait makes callers block until tokens are available. When false, a
	// call without tokens fails immediately with RateLimitError.
	// Default: true
	Wait bool
}

// DefaultRateLimiterConfig returns a rate limiter config with sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:             10.0,
		Capacity:         10,
		TokensPerRequest: 1,
		Wait:             true,
	}
}

// RateLimiterMetrics tracks rate limiter metrics.
type RateLimiterMetrics struct {
	mu               sync.RWMutex
	TotalRequests    int64
	AllowedRequests  int64
	RejectedRequests int64
	TotalWaitTime    time.Duration // Total time spent waiting for tokens
}

// Snapshot returns a copy of the counters.
func (m *RateLimiterMetrics) Snapshot() RateLimiterMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return RateLimiterMetrics{
		TotalRequests:    m.TotalRequests,
		AllowedRequests:  m.AllowedRequests,
		RejectedRequests: m.RejectedRequests,
		TotalWaitTime:    m.TotalWaitTime,
	}
}

// RateLimitError is returned when the rate limit is exceeded and the
// limiter is not allowed to wait.
type RateLimitError struct {
	TokensNeeded    int
	TokensAvailable float64
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: need %d tokens, only %.2f available",
		e.TokensNeeded, e.TokensAvailable)
}

// RateLimiter is a token bucket that can be shared by several generator
// stacks. A search fans out many generation calls at once; one limiter
// installed in both the step and the structured stack keeps their
// aggregate rate under a provider's quota.
type RateLimiter struct {
	config  RateLimiterConfig
	limiter *rate.Limiter
	metrics *RateLimiterMetrics
}

// NewRateLimiter creates a token bucket from config.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	// Apply defaults
	if config.Rate <= 0 {
		config.Rate = 10.0
	}
	if config.Capacity < 1 {
		config.Capacity = 10
	}
	if config.TokensPerRequest < 1 {
		config.TokensPerRequest = 1
	}
	if config.TokensPerRequest > config.Capacity {
		config.TokensPerRequest = config.Capacity
	}

	return &RateLimiter{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.Rate), config.Capacity),
		metrics: &RateLimiterMetrics{},
	}
}

// Middleware returns a Middleware that draws from r. Every generator it
// wraps shares r's bucket.
func (r *RateLimiter) Middleware() Middleware {
	return func(next Generator) Generator {
		return &RateLimiterDecorator{next: next, bucket: r}
	}
}

// Metrics returns the limiter metrics.
func (r *RateLimiter) Metrics() *RateLimiterMetrics {
	return r.metrics
}

// acquire takes TokensPerRequest tokens from the bucket.
func (r *RateLimiter) acquire(ctx context.Context) error {
	r.metrics.mu.Lock()
	r.metrics.TotalRequests++
	r.metrics.mu.Unlock()

	n := r.config.TokensPerRequest
	var err error
	start := time.Now()
	if r.config.Wait {
		err = r.limiter.WaitN(ctx, n)
	} else if !r.limiter.AllowN(time.Now(), n) {
		err = &RateLimitError{TokensNeeded: n, TokensAvailable: r.limiter.Tokens()}
	}

	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	if err != nil {
		r.metrics.RejectedRequests++
		return err
	}
	r.metrics.AllowedRequests++
	r.metrics.TotalWaitTime += time.Since(start)
	return nil
}

// RateLimiterDecorator wraps a generator with token-bucket rate limiting.
// Installed inside Retry, every attempt takes its own tokens.
type RateLimiterDecorator struct {
	next   Generator
	bucket *RateLimiter
}

// Verify that RateLimiterDecorator implements Generator interface.
var _ Generator = (*RateLimiterDecorator)(nil)

// NewRateLimiterDecorator creates a rate limiter decorator with a bucket of
// its own.
func NewRateLimiterDecorator(next Generator, config RateLimiterConfig) *RateLimiterDecorator {
	return &RateLimiterDecorator{next: next, bucket: NewRateLimiter(config)}
}

// RateLimit returns a Middleware with a bucket of its own. Use
// NewRateLimiter(config).Middleware() to share a bucket between stacks.
func RateLimit(config RateLimiterConfig) Middleware {
	return NewRateLimiter(config).Middleware()
}

// Metrics returns the rate limiter metrics.
func (r *RateLimiterDecorator) Metrics() *RateLimiterMetrics {
	return r.bucket.metrics
}

// Generate implements thought.StepGenerator with rate limiting.
func (r *RateLimiterDecorator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := r.bucket.acquire(ctx); err != nil {
		return "", err
	}
	return r.next.Generate(ctx, prompt)
}

// GenerateStructured implements thought.StructuredGenerator with rate limiting.
func (r *RateLimiterDecorator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	if err := r.bucket.acquire(ctx); err != nil {
		return nil, err
	}
	return r.next.GenerateStructured(ctx, prompt, schema)
}
