package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// InitMetrics creates a meter provider exporting to a dedicated Prometheus
// registry and installs it as the global provider. The returned handler
// serves the registry in the Prometheus text format.
func InitMetrics(ctx context.Context, serviceName string) (*sdkmetric.MeterProvider, http.Handler, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return provider, handler, nil
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	return otel.Meter(name)
}

// SearchMetrics records search and generation metrics. It satisfies the
// search engine's metrics recorder, the generator call observer and the
// cost tracker's usage observer.
type SearchMetrics struct {
	rounds           metric.Int64Counter
	roundLatency     metric.Float64Histogram
	consistency      metric.Int64Counter
	treeSize         metric.Int64Gauge
	generationCalls  metric.Int64Counter
	generationErrors metric.Int64Counter
	generationTime   metric.Float64Histogram
	tokens           metric.Int64Counter
	cost             metric.Float64Counter
}

// NewSearchMetrics creates the instruments on meter. A nil meter uses the
// global provider.
func NewSearchMetrics(meter metric.Meter) (*SearchMetrics, error) {
	if meter == nil {
		meter = GetMeter("thoughtsearch")
	}

	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	m := &SearchMetrics{}
	var err error

	m.rounds, err = meter.Int64Counter(
		"thoughtsearch.search.rounds",
		metric.WithDescription("Completed and failed search rounds"),
		metric.WithUnit("1"),
	)
	record(err)

	m.roundLatency, err = meter.Float64Histogram(
		"thoughtsearch.search.round_latency",
		metric.WithDescription("Search round latency"),
		metric.WithUnit("ms"),
	)
	record(err)

	m.consistency, err = meter.Int64Counter(
		"thoughtsearch.search.consistency_checks",
		metric.WithDescription("Consistency checks by verdict"),
		metric.WithUnit("1"),
	)
	record(err)

	m.treeSize, err = meter.Int64Gauge(
		"thoughtsearch.search.tree_size",
		metric.WithDescription("Nodes in the search tree after the last round"),
		metric.WithUnit("1"),
	)
	record(err)

	m.generationCalls, err = meter.Int64Counter(
		"thoughtsearch.generation.calls",
		metric.WithDescription("Generation calls by operation"),
		metric.WithUnit("1"),
	)
	record(err)

	m.generationErrors, err = meter.Int64Counter(
		"thoughtsearch.generation.errors",
		metric.WithDescription("Failed generation calls by operation"),
		metric.WithUnit("1"),
	)
	record(err)

	m.generationTime, err = meter.Float64Histogram(
		"thoughtsearch.generation.latency",
		metric.WithDescription("Generation call latency"),
		metric.WithUnit("ms"),
	)
	record(err)

	m.tokens, err = meter.Int64Counter(
		"thoughtsearch.llm.tokens",
		metric.WithDescription("Tokens spent on model calls by model and direction"),
		metric.WithUnit("{token}"),
	)
	record(err)

	m.cost, err = meter.Float64Counter(
		"thoughtsearch.llm.cost",
		metric.WithDescription("Estimated cost of model calls by model"),
		metric.WithUnit("USD"),
	)
	record(err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to create instruments: %w", errors.Join(errs...))
	}
	return m, nil
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func statusAttr(err error) attribute.KeyValue {
	if err != nil {
		return attribute.String("status", "error")
	}
	return attribute.String("status", "success")
}

// RecordRound records one search round.
func (m *SearchMetrics) RecordRound(ctx context.Context, duration time.Duration, err error) {
	attrs := metric.WithAttributes(statusAttr(err))
	m.rounds.Add(ctx, 1, attrs)
	m.roundLatency.Record(ctx, milliseconds(duration), attrs)
}

// RecordConsistency records one consistency verdict.
func (m *SearchMetrics) RecordConsistency(ctx context.Context, consistent bool) {
	m.consistency.Add(ctx, 1, metric.WithAttributes(attribute.Bool("consistent", consistent)))
}

// RecordTreeSize records the current number of tree nodes.
func (m *SearchMetrics) RecordTreeSize(ctx context.Context, nodes int) {
	m.treeSize.Record(ctx, int64(nodes))
}

// ObserveCall records one generation call.
func (m *SearchMetrics) ObserveCall(ctx context.Context, operation string, latency time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		statusAttr(err),
	}
	m.generationCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.generationTime.Record(ctx, milliseconds(latency), metric.WithAttributes(attrs...))
	if err != nil {
		m.generationErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("error.type", fmt.Sprintf("%T", err)),
		))
	}
}

// ObserveUsage records the tokens and cost of one model call.
func (m *SearchMetrics) ObserveUsage(ctx context.Context, model string, usage thought.Usage) {
	modelAttr := attribute.String("model", model)
	m.tokens.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(modelAttr, attribute.String("direction", "prompt")))
	m.tokens.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(modelAttr, attribute.String("direction", "completion")))
	m.cost.Add(ctx, usage.Cost, metric.WithAttributes(modelAttr))
}
