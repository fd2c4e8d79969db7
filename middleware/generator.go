// Package middleware provides reusable decorators for generation services.
//
// Every decorator wraps a Generator and is itself a Generator, so they
// compose:
//
//	gen := middleware.Chain(base,
//	    middleware.Timeout(middleware.TimeoutConfig{Timeout: 30 * time.Second}),
//	    middleware.Retry(middleware.DefaultRetryConfig()),
//	    middleware.RateLimit(middleware.DefaultRateLimiterConfig()),
//	)
//
// The first middleware listed is applied innermost.
package middleware

import (
	"context"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// Operation names used in errors and metrics.
const (
	OpGenerate           = "generate"
	OpGenerateStructured = "generate_structured"
)

// Generator provides both generation capabilities.
type Generator interface {
	thought.StepGenerator
	thought.StructuredGenerator
}

// Middleware wraps a Generator.
type Middleware func(Generator) Generator

// Chain applies middlewares to g, first one innermost.
func Chain(g Generator, middlewares ...Middleware) Generator {
	for _, mw := range middlewares {
		g = mw(g)
	}
	return g
}

// callFunc is one generation call bound to its arguments.
type callFunc[T any] func(ctx context.Context) (T, error)

// stepCall binds a Generate call.
func stepCall(g Generator, prompt string) callFunc[string] {
	return func(ctx context.Context) (string, error) {
		return g.Generate(ctx, prompt)
	}
}

// structuredCall binds a GenerateStructured call.
func structuredCall(g Generator, prompt string, schema thought.Schema) callFunc[thought.StructuredResult] {
	return func(ctx context.Context) (thought.StructuredResult, error) {
		return g.GenerateStructured(ctx, prompt, schema)
	}
}
