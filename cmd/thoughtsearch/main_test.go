package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/thoughtsearch/config"
	"github.com/scttfrdmn/thoughtsearch/generation"
	"github.com/scttfrdmn/thoughtsearch/middleware"
	"github.com/scttfrdmn/thoughtsearch/techniques/reasoning"
	"github.com/scttfrdmn/thoughtsearch/thought"
)

// fakeGenerator answers every prompt with a one-step rollout and judges
// every comparison consistent.
type fakeGenerator struct{}

func (fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return "Step 1: 17 * 3 = 51", nil
}

func (fakeGenerator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	if strings.Contains(schema.Name, "consistency") {
		return thought.StructuredResult{"text_response": "same", "result": true}, nil
	}
	return thought.StructuredResult{"response": "51"}, nil
}

// callTokens is the usage every fake call reports.
var callTokens = thought.Usage{Requests: 1, PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

// meteredGenerator reports callTokens for every call, the way a real
// generator reports provider usage.
type meteredGenerator struct {
	fakeGenerator
	model string
	usage generation.UsageRecorder
}

func (g meteredGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if err := g.usage.RecordUsage(ctx, g.model, callTokens); err != nil {
		return "", err
	}
	return g.fakeGenerator.Generate(ctx, prompt)
}

func (g meteredGenerator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	if err := g.usage.RecordUsage(ctx, g.model, callTokens); err != nil {
		return nil, err
	}
	return g.fakeGenerator.GenerateStructured(ctx, prompt, schema)
}

func fakeFactory(calls *[]string) generatorFactory {
	return func(ctx context.Context, p config.ProviderConfig, logger *slog.Logger, tracer trace.Tracer, usage generation.UsageRecorder) (middleware.Generator, error) {
		*calls = append(*calls, p.Provider+"/"+p.Model)
		return meteredGenerator{model: p.Model, usage: usage}, nil
	}
}

// setupEnv points checkpoints at a temp dir and keeps searches small.
func setupEnv(t *testing.T, backend string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("THOUGHTSEARCH_CHECKPOINT_BACKEND", backend)
	t.Setenv("THOUGHTSEARCH_CHECKPOINT_DIR", dir)
	t.Setenv("THOUGHTSEARCH_SEARCH_EXPANSION_ROLLOUTS", "1")
	t.Setenv("THOUGHTSEARCH_SEARCH_SIMULATION_ROUNDS", "1")
	t.Setenv("THOUGHTSEARCH_RESILIENCE_RATE_LIMIT", "0")
	return dir
}

func run(t *testing.T, args ...string) (string, []string, error) {
	t.Helper()
	var calls []string
	a := &app{logOut: io.Discard, newGenerator: fakeFactory(&calls)}
	cmd := newRootCmd(a)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), calls, err
}

func TestSearchCommand(t *testing.T) {
	setupEnv(t, "none")

	out, calls, err := run(t, "search", "--rounds", "2", "What", "is", "17 * 3?")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(calls) != 2 {
		t.Errorf("Expected step and structured generators, got %v", calls)
	}
	for _, want := range []string{"17 * 3 = 51", "What is 17 * 3?", "rounds:      2", "Step 1: 17 * 3 = 51", "usage:       90 tokens"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestSearchCommandVerboseJSON(t *testing.T) {
	setupEnv(t, "none")

	out, _, err := run(t, "search", "--rounds", "2", "--verbose", "--json", "What is 17 * 3?")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}

	if got := strings.Count(out, "round "); got < 2 {
		t.Errorf("Expected a line per round, got %d in:\n%s", got, out)
	}

	jsonStart := strings.Index(out, "{")
	if jsonStart < 0 {
		t.Fatalf("No JSON in output:\n%s", out)
	}
	var result reasoning.SearchResult
	if err := json.Unmarshal([]byte(out[jsonStart:]), &result); err != nil {
		t.Fatalf("Failed to parse JSON result: %v", err)
	}
	if result.BestAnswer != "17 * 3 = 51" || result.Rounds != 2 {
		t.Errorf("Unexpected result: %+v", result)
	}
	if result.Usage == nil || result.Usage.Requests == 0 || result.Usage.TotalTokens != 15*result.Usage.Requests {
		t.Errorf("Expected usage of every call, got %+v", result.Usage)
	}
}

func TestSearchCommandSessionBudget(t *testing.T) {
	setupEnv(t, "none")
	t.Setenv("THOUGHTSEARCH_BUDGET_SESSION_TOKENS", "30")

	_, _, err := run(t, "search", "--rounds", "2", "What is 17 * 3?")
	if err == nil || !strings.Contains(err.Error(), "session budget of 30 tokens exceeded") {
		t.Errorf("Expected session budget error, got %v", err)
	}
}

func TestSearchCommandRequiresQuery(t *testing.T) {
	setupEnv(t, "none")

	if _, _, err := run(t, "search"); err == nil {
		t.Error("Expected error without a query")
	}
	if _, _, err := run(t, "search", "--rounds", "-1", "q"); err == nil {
		t.Error("Expected error for negative rounds")
	}
}

func TestResumeCommand(t *testing.T) {
	dir := setupEnv(t, "file")

	out, _, err := run(t, "search", "--rounds", "1", "--json", "What is 17 * 3?")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	var first reasoning.SearchResult
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("Failed to parse JSON result: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, first.SessionID))
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one checkpoint file, got %d (%v)", len(entries), err)
	}

	out, _, err = run(t, "resume", "--session", first.SessionID, "--rounds", "2", "--json")
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	var resumed reasoning.SearchResult
	if err := json.Unmarshal([]byte(out), &resumed); err != nil {
		t.Fatalf("Failed to parse JSON result: %v", err)
	}
	if resumed.SessionID != first.SessionID || resumed.Rounds != 3 {
		t.Errorf("Expected session %s at round 3, got %s at %d", first.SessionID, resumed.SessionID, resumed.Rounds)
	}
}

func TestResumeCommandErrors(t *testing.T) {
	setupEnv(t, "none")
	if _, _, err := run(t, "resume", "--session", "abc"); err == nil || !strings.Contains(err.Error(), "checkpointing is disabled") {
		t.Errorf("Expected disabled checkpointing error, got %v", err)
	}

	setupEnv(t, "memory")
	if _, _, err := run(t, "resume"); err == nil {
		t.Error("Expected error without --session")
	}
	if _, _, err := run(t, "resume", "--session", "unknown"); err == nil {
		t.Error("Expected error for a session without checkpoints")
	}
}

func TestConfigCommand(t *testing.T) {
	setupEnv(t, "none")
	t.Setenv("THOUGHTSEARCH_STEP_MODEL", "qwen2.5")

	out, _, err := run(t, "--log-level", "debug", "config")
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	for _, want := range []string{"model: qwen2.5", "expansion_rollouts: 1", "level: debug", "backend: none"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	setupEnv(t, "none")
	t.Setenv("THOUGHTSEARCH_STEP_PROVIDER", "carrier-pigeon")

	if _, _, err := run(t, "search", "q"); err == nil || !strings.Contains(err.Error(), "step.provider") {
		t.Errorf("Expected invalid provider error, got %v", err)
	}
}
