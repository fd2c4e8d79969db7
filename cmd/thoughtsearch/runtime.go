package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/thoughtsearch/budget"
	"github.com/scttfrdmn/thoughtsearch/checkpointing"
	"github.com/scttfrdmn/thoughtsearch/config"
	"github.com/scttfrdmn/thoughtsearch/generation"
	"github.com/scttfrdmn/thoughtsearch/middleware"
	"github.com/scttfrdmn/thoughtsearch/observability"
	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
)

// generatorFactory creates the base generator for one provider section.
// The generator reports the token usage of its calls to usage.
type generatorFactory func(ctx context.Context, p config.ProviderConfig, logger *slog.Logger, tracer trace.Tracer, usage generation.UsageRecorder) (middleware.Generator, error)

func defaultGeneratorFactory(ctx context.Context, p config.ProviderConfig, logger *slog.Logger, tracer trace.Tracer, usage generation.UsageRecorder) (middleware.Generator, error) {
	gen, err := config.NewGenerator(ctx, p, logger, tracer, generation.WithUsageRecorder(usage))
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// runtime holds everything a command needs, built once from config.
type runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        *observability.SearchMetrics
	metricsHandler http.Handler
	checkpoints    *checkpointing.CheckpointManager
	costs          *budget.CostTracker
	step           middleware.Generator
	structured     middleware.Generator
	closers        []func(context.Context) error
}

func newRuntime(ctx context.Context, cfg config.Config, logOut io.Writer, newGenerator generatorFactory) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	logCfg, err := cfg.Logging.LogConfig()
	if err != nil {
		return rt, err
	}
	logCfg.Output = logOut
	logger, logCloser := observability.ConfigureLogging(logCfg)
	rt.logger = logger
	rt.closers = append(rt.closers, func(context.Context) error { return logCloser.Close() })

	if cfg.Observability.TracingEnabled {
		tp, err := observability.InitTracing(ctx, cfg.Observability.TracingConfig())
		if err != nil {
			return rt, err
		}
		rt.closers = append(rt.closers, tp.Shutdown)
	}
	rt.tracer = observability.GetTracer("thoughtsearch")

	var observer middleware.CallObserver
	if cfg.Observability.MetricsEnabled {
		mp, handler, err := observability.InitMetrics(ctx, cfg.Observability.ServiceName)
		if err != nil {
			return rt, err
		}
		rt.closers = append(rt.closers, mp.Shutdown)
		rt.metricsHandler = handler

		rt.metrics, err = observability.NewSearchMetrics(mp.Meter("thoughtsearch"))
		if err != nil {
			return rt, err
		}
		observer = rt.metrics
	}

	storage, err := config.NewStorage(cfg.Checkpoint)
	if err != nil {
		return rt, fmt.Errorf("create checkpoint storage: %w", err)
	}
	if storage != nil {
		rt.checkpoints = checkpointing.NewCheckpointManager(storage, cfg.Checkpoint.KeepLast).WithLogger(logger)
		if closer, ok := storage.(io.Closer); ok {
			rt.closers = append(rt.closers, func(context.Context) error { return closer.Close() })
		}
	}

	rt.costs = cfg.Budget.Tracker()
	if rt.metrics != nil {
		rt.costs.WithObserver(rt.metrics)
	}
	budgetLimiter, err := cfg.Budget.Limiter(rt.costs, logger)
	if err != nil {
		return rt, fmt.Errorf("budget: %w", err)
	}
	// Both stacks share the rate limiter and budget. Breakers are per stack.
	limits := config.SharedLimits{
		RateLimiter: cfg.Resilience.RateLimiter(),
		Budget:      budgetLimiter,
	}

	step, err := newGenerator(ctx, cfg.Step, logger, rt.tracer, rt.costs)
	if err != nil {
		return rt, fmt.Errorf("step generator: %w", err)
	}
	rt.step = middleware.Chain(step, cfg.Resilience.Middlewares(logger, observer, limits)...)

	structured, err := newGenerator(ctx, cfg.Structured, logger, rt.tracer, rt.costs)
	if err != nil {
		return rt, fmt.Errorf("structured generator: %w", err)
	}
	rt.structured = middleware.Chain(structured, cfg.Resilience.Middlewares(logger, observer, limits)...)

	return rt, nil
}

// engine builds a search engine with the configured options followed by
// opts.
func (rt *runtime) engine(opts ...reasoning.MCTSOption) *reasoning.MCTS {
	all := append(rt.cfg.Search.Options(),
		reasoning.WithLogger(rt.logger),
		reasoning.WithTracer(rt.tracer),
		reasoning.WithUsage(rt.costs),
	)
	if rt.metrics != nil {
		all = append(all, reasoning.WithMetrics(rt.metrics))
	}
	if rt.checkpoints != nil {
		all = append(all, reasoning.WithCheckpointer(rt.checkpoints))
	}
	return reasoning.NewMCTS(rt.step, rt.structured, append(all, opts...)...)
}

// Close releases resources in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
