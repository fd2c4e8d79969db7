package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// Metrics holds call metrics for one generation operation.
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	TotalRequests   int64
	SuccessRequests int64
	ErrorRequests   int64

	// Latency metrics
	TotalLatency time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration

	// Current state
	InFlightRequests int64
}

// AverageLatency returns the average request latency.
func (m *Metrics) AverageLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.TotalRequests == 0 {
		return 0
	}
	return m.TotalLatency / time.Duration(m.TotalRequests)
}

// ErrorRate returns the error rate as a fraction (0.0 to 1.0).
func (m *Metrics) ErrorRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.TotalRequests == 0 {
		return 0.0
	}
	return float64(m.ErrorRequests) / float64(m.TotalRequests)
}

// Snapshot returns a copy of the current metrics.
func (m *Metrics) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Metrics{
		TotalRequests:    m.TotalRequests,
		SuccessRequests:  m.SuccessRequests,
		ErrorRequests:    m.ErrorRequests,
		TotalLatency:     m.TotalLatency,
		MinLatency:       m.MinLatency,
		MaxLatency:       m.MaxLatency,
		InFlightRequests: m.InFlightRequests,
	}
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests = 0
	m.SuccessRequests = 0
	m.ErrorRequests = 0
	m.TotalLatency = 0
	m.MinLatency = 0
	m.MaxLatency = 0
	m.InFlightRequests = 0
}

func (m *Metrics) begin() {
	m.mu.Lock()
	m.InFlightRequests++
	m.mu.Unlock()
}

func (m *Metrics) end(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.InFlightRequests--
	m.TotalRequests++
	m.TotalLatency += latency
	if m.MinLatency == 0 || latency < m.MinLatency {
		m.MinLatency = latency
	}
	if latency > m.MaxLatency {
		m.MaxLatency = latency
	}
	if err != nil {
		m.ErrorRequests++
	} else {
		m.SuccessRequests++
	}
}

// CallObserver receives one event per finished generation call, for export
// to an external metrics backend.
type CallObserver interface {
	ObserveCall(ctx context.Context, operation string, latency time.Duration, err error)
}

// MetricsDecorator wraps a generator with metrics collection, kept
// separately for step and structured calls.
type MetricsDecorator struct {
	next       Generator
	step       *Metrics
	structured *Metrics
	observer   CallObserver
}

// Verify that MetricsDecorator implements Generator interface.
var _ Generator = (*MetricsDecorator)(nil)

// NewMetricsDecorator creates a new metrics decorator. observer may be nil.
func NewMetricsDecorator(next Generator, observer CallObserver) *MetricsDecorator {
	return &MetricsDecorator{
		next:       next,
		step:       &Metrics{},
		structured: &Metrics{},
		observer:   observer,
	}
}

// WithMetrics returns a Middleware applying NewMetricsDecorator.
func WithMetrics(observer CallObserver) Middleware {
	return func(next Generator) Generator {
		return NewMetricsDecorator(next, observer)
	}
}

// GetMetrics returns the metrics for operation (OpGenerate or
// OpGenerateStructured), or nil for an unknown operation.
func (m *MetricsDecorator) GetMetrics(operation string) *Metrics {
	switch operation {
	case OpGenerate:
		return m.step
	case OpGenerateStructured:
		return m.structured
	}
	return nil
}

// Generate implements thought.StepGenerator with metrics collection.
func (m *MetricsDecorator) Generate(ctx context.Context, prompt string) (string, error) {
	return withMetrics(ctx, m, OpGenerate, m.step, stepCall(m.next, prompt))
}

// GenerateStructured implements thought.StructuredGenerator with metrics collection.
func (m *MetricsDecorator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	return withMetrics(ctx, m, OpGenerateStructured, m.structured, structuredCall(m.next, prompt, schema))
}

func withMetrics[T any](ctx context.Context, m *MetricsDecorator, op string, metrics *Metrics, call callFunc[T]) (T, error) {
	metrics.begin()
	start := time.Now()

	result, err := call(ctx)

	latency := time.Since(start)
	metrics.end(latency, err)
	if m.observer != nil {
		m.observer.ObserveCall(ctx, op, latency, err)
	}
	return result, err
}
