package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/scttfrdmn/thoughtsearch/budget"
	"github.com/scttfrdmn/thoughtsearch/middleware"
	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
	"github.com/scttfrdmn/thoughtsearch/thought"
)

var (
	_ reasoning.MetricsRecorder = (*SearchMetrics)(nil)
	_ middleware.CallObserver   = (*SearchMetrics)(nil)
	_ budget.UsageObserver      = (*SearchMetrics)(nil)
)

// setupTestMetrics sets up a meter provider with a manual reader.
func setupTestMetrics(t *testing.T) (*metric.MeterProvider, *metric.ManualReader, *SearchMetrics) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(
		metric.WithReader(reader),
	)
	m, err := NewSearchMetrics(provider.Meter("test"))
	if err != nil {
		t.Fatalf("NewSearchMetrics failed: %v", err)
	}
	return provider, reader, m
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	found := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m
		}
	}
	return found
}

func sumFor(t *testing.T, m metricdata.Metrics, key attribute.Key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("Expected Sum[int64] for %s, got %T", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(key); ok && v.Emit() == value {
			total += dp.Value
		}
	}
	return total
}

func TestSearchMetricsRecordsRounds(t *testing.T) {
	provider, reader, m := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	ctx := context.Background()
	m.RecordRound(ctx, 120*time.Millisecond, nil)
	m.RecordRound(ctx, 80*time.Millisecond, nil)
	m.RecordRound(ctx, 10*time.Millisecond, errors.New("expansion failed"))

	found := collect(t, reader)
	rounds, ok := found["thoughtsearch.search.rounds"]
	if !ok {
		t.Fatal("Rounds counter not found")
	}
	if got := sumFor(t, rounds, "status", "success"); got != 2 {
		t.Errorf("Expected 2 successful rounds, got %d", got)
	}
	if got := sumFor(t, rounds, "status", "error"); got != 1 {
		t.Errorf("Expected 1 failed round, got %d", got)
	}

	latency, ok := found["thoughtsearch.search.round_latency"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("Round latency histogram not found")
	}
	var count uint64
	for _, dp := range latency.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("Expected 3 latency samples, got %d", count)
	}
}

func TestSearchMetricsRecordsConsistencyAndTreeSize(t *testing.T) {
	provider, reader, m := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	ctx := context.Background()
	m.RecordConsistency(ctx, true)
	m.RecordConsistency(ctx, true)
	m.RecordConsistency(ctx, false)
	m.RecordTreeSize(ctx, 4)
	m.RecordTreeSize(ctx, 13)

	found := collect(t, reader)
	checks := found["thoughtsearch.search.consistency_checks"]
	if got := sumFor(t, checks, "consistent", "true"); got != 2 {
		t.Errorf("Expected 2 consistent verdicts, got %d", got)
	}
	if got := sumFor(t, checks, "consistent", "false"); got != 1 {
		t.Errorf("Expected 1 inconsistent verdict, got %d", got)
	}

	gauge, ok := found["thoughtsearch.search.tree_size"].Data.(metricdata.Gauge[int64])
	if !ok || len(gauge.DataPoints) != 1 {
		t.Fatalf("Expected one tree size data point, got %+v", found["thoughtsearch.search.tree_size"].Data)
	}
	if gauge.DataPoints[0].Value != 13 {
		t.Errorf("Expected last tree size 13, got %d", gauge.DataPoints[0].Value)
	}
}

func TestSearchMetricsObservesGenerationCalls(t *testing.T) {
	provider, reader, m := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	ctx := context.Background()
	m.ObserveCall(ctx, middleware.OpGenerate, 50*time.Millisecond, nil)
	m.ObserveCall(ctx, middleware.OpGenerateStructured, 70*time.Millisecond, nil)
	m.ObserveCall(ctx, middleware.OpGenerateStructured, 5*time.Millisecond, &middleware.TimeoutError{})

	found := collect(t, reader)
	calls := found["thoughtsearch.generation.calls"]
	if got := sumFor(t, calls, "operation", middleware.OpGenerateStructured); got != 2 {
		t.Errorf("Expected 2 structured calls, got %d", got)
	}
	errs := found["thoughtsearch.generation.errors"]
	if got := sumFor(t, errs, "error.type", "*middleware.TimeoutError"); got != 1 {
		t.Errorf("Expected 1 timeout error, got %d", got)
	}
}

func TestSearchMetricsObservesUsage(t *testing.T) {
	provider, reader, m := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	tracker := budget.NewCostTracker(nil, nil).WithObserver(m)
	ctx := thought.ContextWithSession(context.Background(), "s1")
	for _, usage := range []thought.Usage{
		{Requests: 1, PromptTokens: 1000, CompletionTokens: 100, TotalTokens: 1100},
		{Requests: 1, PromptTokens: 500, CompletionTokens: 50, TotalTokens: 550},
	} {
		if err := tracker.RecordUsage(ctx, "gpt-4o", usage); err != nil {
			t.Fatalf("RecordUsage failed: %v", err)
		}
	}

	found := collect(t, reader)
	tokens := found["thoughtsearch.llm.tokens"]
	if got := sumFor(t, tokens, "direction", "prompt"); got != 1500 {
		t.Errorf("Expected 1500 prompt tokens, got %d", got)
	}
	if got := sumFor(t, tokens, "direction", "completion"); got != 150 {
		t.Errorf("Expected 150 completion tokens, got %d", got)
	}

	cost, ok := found["thoughtsearch.llm.cost"].Data.(metricdata.Sum[float64])
	if !ok || len(cost.DataPoints) != 1 {
		t.Fatalf("Expected one cost data point, got %+v", found["thoughtsearch.llm.cost"].Data)
	}
	// 1500 prompt tokens at $2.50/M plus 150 completion tokens at $10/M.
	if got := cost.DataPoints[0].Value; got < 0.005249 || got > 0.005251 {
		t.Errorf("Expected cost ~0.00525, got %v", got)
	}
}

func TestInitMetricsServesPrometheus(t *testing.T) {
	previous := otel.GetMeterProvider()
	defer otel.SetMeterProvider(previous)

	provider, handler, err := InitMetrics(context.Background(), "thoughtsearch-test")
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer provider.Shutdown(context.Background())

	m, err := NewSearchMetrics(nil)
	if err != nil {
		t.Fatalf("NewSearchMetrics failed: %v", err)
	}
	m.RecordRound(context.Background(), time.Millisecond, nil)

	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "thoughtsearch_search_rounds") {
		t.Errorf("Expected rounds metric in exposition, got:\n%s", body)
	}
}
