package config

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/thoughtsearch/adapter/llm"
	"github.com/scttfrdmn/thoughtsearch/budget"
	"github.com/scttfrdmn/thoughtsearch/checkpointing"
	"github.com/scttfrdmn/thoughtsearch/generation"
	"github.com/scttfrdmn/thoughtsearch/middleware"
	"github.com/scttfrdmn/thoughtsearch/observability"
	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
)

// NewLLM creates the adapter selected by p.
func NewLLM(ctx context.Context, p ProviderConfig) (llm.LLM, error) {
	switch p.Provider {
	case ProviderOllama:
		return llm.NewOllamaLLM(p.Model, p.BaseURL), nil
	case ProviderOpenAI:
		var opts []llm.OpenAIOption
		if p.BaseURL != "" {
			opts = append(opts, llm.WithOpenAIBaseURL(p.BaseURL))
		}
		return llm.NewOpenAILLM(p.APIKey(), p.Model, opts...), nil
	case ProviderGemini:
		model, err := llm.NewGeminiLLM(p.APIKey(), p.Model)
		if err != nil {
			return nil, err
		}
		return model, nil
	case ProviderBedrock:
		model, err := llm.NewBedrockLLM(ctx, llm.BedrockConfig{
			ModelID:     p.Model,
			Region:      p.Region,
			EndpointURL: p.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return model, nil
	}
	return nil, fmt.Errorf("unknown provider %q", p.Provider)
}

// NewGenerator creates a generation.Generator for p. extra options are
// applied after the ones derived from p.
func NewGenerator(ctx context.Context, p ProviderConfig, logger *slog.Logger, tracer trace.Tracer, extra ...generation.Option) (*generation.Generator, error) {
	model, err := NewLLM(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", p.Provider, err)
	}

	var callOpts []llm.CallOption
	if p.Temperature > 0 {
		callOpts = append(callOpts, llm.WithTemperature(p.Temperature))
	}
	if p.MaxTokens > 0 {
		callOpts = append(callOpts, llm.WithMaxTokens(p.MaxTokens))
	}

	opts := []generation.Option{generation.WithCallOptions(callOpts...)}
	if logger != nil {
		opts = append(opts, generation.WithLogger(logger))
	}
	if tracer != nil {
		opts = append(opts, generation.WithTracer(tracer))
	}
	return generation.New(model, append(opts, extra...)...), nil
}

// SharedLimits are the limiters every generator stack draws from. Nil
// fields are disabled.
type SharedLimits struct {
	RateLimiter *middleware.RateLimiter
	Budget      *budget.BudgetLimiter
}

// RateLimiter returns the token bucket described by r, or nil when rate
// limiting is off. Install the one limiter in every stack so the rate
// bounds step and structured calls together.
func (r ResilienceConfig) RateLimiter() *middleware.RateLimiter {
	if r.RateLimit <= 0 {
		return nil
	}
	return middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:     r.RateLimit,
		Capacity: r.Burst,
		Wait:     true,
	})
}

// Middlewares returns the resilience stack described by r, innermost first:
// timeout, rate limit, retry, circuit breaker, budget, then metrics. The
// rate limit sits inside retry so every attempt takes a token.
func (r ResilienceConfig) Middlewares(logger *slog.Logger, observer middleware.CallObserver, limits SharedLimits) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.Timeout(middleware.TimeoutConfig{Timeout: r.Timeout}),
	}
	if limits.RateLimiter != nil {
		mws = append(mws, limits.RateLimiter.Middleware())
	}
	mws = append(mws, middleware.Retry(middleware.RetryConfig{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Logger:         logger,
	}))
	if r.BreakerThreshold > 0 {
		breaker := middleware.DefaultCircuitBreakerConfig()
		breaker.FailureThreshold = r.BreakerThreshold
		if r.BreakerRecovery > 0 {
			breaker.RecoveryTimeout = r.BreakerRecovery
		}
		mws = append(mws, middleware.CircuitBreaker(breaker))
	}
	if limits.Budget != nil {
		mws = append(mws, limits.Budget.Middleware())
	}
	return append(mws, middleware.WithMetrics(observer))
}

// Tracker creates a cost tracker priced with b's overrides.
func (b BudgetConfig) Tracker() *budget.CostTracker {
	pricing := budget.NewModelPricing()
	for model, rate := range b.Pricing {
		if model == "default" {
			pricing.SetDefault(rate)
			continue
		}
		pricing.SetRate(model, rate)
	}
	return budget.NewCostTracker(nil, pricing)
}

// Limiter creates the budget limiter over tracker, or nil when no limit is
// set.
func (b BudgetConfig) Limiter(tracker *budget.CostTracker, logger *slog.Logger) (*budget.BudgetLimiter, error) {
	cfg := budget.BudgetLimiterConfig{
		SessionTokens: b.SessionTokens,
		SessionCost:   b.SessionCost,
		GlobalTokens:  b.GlobalTokens,
		GlobalCost:    b.GlobalCost,
		Action:        b.Action,
		Logger:        logger,
	}
	if !cfg.Enabled() {
		return nil, nil
	}
	return budget.NewBudgetLimiter(tracker, cfg)
}

// NewStorage creates the checkpoint storage selected by c. It returns nil
// for the "none" backend.
func NewStorage(c CheckpointConfig) (checkpointing.CheckpointStorage, error) {
	switch c.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return checkpointing.NewInMemoryStorage(), nil
	case "file":
		storage, err := checkpointing.NewFileStorage(c.Dir)
		if err != nil {
			return nil, err
		}
		return storage, nil
	case "redis":
		storage, err := checkpointing.NewRedisStorage(c.RedisURL, c.KeyPrefix, c.TTL)
		if err != nil {
			return nil, err
		}
		return storage, nil
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", c.Backend)
}

// LogConfig converts l to an observability.LogConfig.
func (l LoggingConfig) LogConfig() (observability.LogConfig, error) {
	level, err := observability.ParseLevel(l.Level)
	if err != nil {
		return observability.LogConfig{}, err
	}
	cfg := observability.LogConfig{
		Level:               level,
		Structured:          l.Structured,
		IncludeTraceContext: true,
	}
	if l.File != "" {
		cfg.File = &observability.LogFileConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
		}
	}
	return cfg, nil
}

// TracingConfig converts o to an observability.TracingConfig.
func (o ObservabilityConfig) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		ServiceName:  o.ServiceName,
		OTLPEndpoint: o.OTLPEndpoint,
		Insecure:     o.Insecure,
		Console:      o.ConsoleExport,
		SampleRatio:  o.SampleRatio,
	}
}

// Options returns the engine options for s.
func (s SearchConfig) Options() []reasoning.MCTSOption {
	return []reasoning.MCTSOption{
		reasoning.WithExpansionRollouts(s.ExpansionRollouts),
		reasoning.WithSimulationRounds(s.SimulationRounds),
		reasoning.WithSearchRounds(s.Rounds),
		reasoning.WithExplorationConstant(s.ExplorationConstant),
		reasoning.WithConcurrency(s.Concurrency),
	}
}
