package generation

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/scttfrdmn/thoughtsearch/adapter/llm"
	"github.com/scttfrdmn/thoughtsearch/thought"
)

// FakeLLM returns canned responses and records the calls it receives.
type FakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	usage     map[string]interface{}
	calls     [][]*thought.Message
	options   []llm.CallOptions
}

func (f *FakeLLM) Complete(ctx context.Context, messages []*thought.Message, opts ...llm.CallOption) (*thought.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, messages)
	f.options = append(f.options, *llm.BuildCallOptions(opts...))
	if f.err != nil {
		return nil, f.err
	}
	content := ""
	if len(f.responses) > 0 {
		content = f.responses[0]
		f.responses = f.responses[1:]
	}
	response := thought.NewMessage("assistant", content)
	if f.usage != nil {
		response.Metadata["usage"] = f.usage
	}
	return response, nil
}

// usageLog records RecordUsage calls.
type usageLog struct {
	mu       sync.Mutex
	sessions []string
	models   []string
	usage    thought.Usage
}

func (u *usageLog) RecordUsage(ctx context.Context, model string, usage thought.Usage) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	sessionID, _ := thought.SessionFromContext(ctx)
	u.sessions = append(u.sessions, sessionID)
	u.models = append(u.models, model)
	u.usage.Add(usage)
	return nil
}

func (f *FakeLLM) Model() string { return "fake-model" }

func (f *FakeLLM) Unwrap() interface{} { return nil }

var consistency = thought.Schema{
	Name: "consistency_check",
	Fields: []thought.Field{
		{Name: "text_response", Type: thought.FieldString},
		{Name: "result", Type: thought.FieldBoolean},
	},
}

func TestGenerate(t *testing.T) {
	model := &FakeLLM{responses: []string{"Step 1: add\nStep 2: done"}}
	gen := New(model, WithSystemPrompt("You reason step by step."), WithCallOptions(llm.WithTemperature(0.8)))

	text, err := gen.Generate(context.Background(), "What is 2+2?")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "Step 1: add\nStep 2: done" {
		t.Errorf("Unexpected text %q", text)
	}

	if len(model.calls) != 1 || len(model.calls[0]) != 2 {
		t.Fatalf("Expected one call with system and user messages, got %v", model.calls)
	}
	if model.calls[0][0].Role != "system" || model.calls[0][1].Content != "What is 2+2?" {
		t.Errorf("Unexpected messages %+v %+v", model.calls[0][0], model.calls[0][1])
	}
	opts := model.options[0]
	if opts.Schema != nil {
		t.Error("Free-form call must not request a schema")
	}
	if opts.Temperature == nil || *opts.Temperature != 0.8 {
		t.Errorf("Expected temperature 0.8, got %v", opts.Temperature)
	}
}

func TestGenerateEmptyResponse(t *testing.T) {
	gen := New(&FakeLLM{responses: []string{"   "}})

	_, err := gen.Generate(context.Background(), "p")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Expected GenerationError, got %v", err)
	}
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
	if genErr.Op != OpGenerate || genErr.Model != "fake-model" {
		t.Errorf("Unexpected error fields %+v", genErr)
	}
}

func TestGenerateWrapsProviderError(t *testing.T) {
	apiErr := &llm.APIError{Provider: "openai", StatusCode: http.StatusServiceUnavailable}
	gen := New(&FakeLLM{err: apiErr})

	_, err := gen.GenerateStructured(context.Background(), "p", consistency)
	var target *llm.APIError
	if !errors.As(err, &target) {
		t.Fatalf("Expected APIError in chain, got %v", err)
	}
	if !target.Temporary() {
		t.Error("503 should be temporary")
	}
	if IsSchemaMismatch(err) {
		t.Error("Provider failure is not a schema mismatch")
	}
}

func TestGenerateStructured(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want thought.StructuredResult
	}{
		{
			name: "plain json",
			raw:  `{"text_response": "same answer", "result": true}`,
			want: thought.StructuredResult{"text_response": "same answer", "result": true},
		},
		{
			name: "fenced",
			raw:  "Here you go:\n```json\n{\"text_response\": \"differs\", \"result\": false}\n```",
			want: thought.StructuredResult{"text_response": "differs", "result": false},
		},
		{
			name: "trailing comma",
			raw:  `{"text_response": "ok", "result": true,}`,
			want: thought.StructuredResult{"text_response": "ok", "result": true},
		},
		{
			name: "surrounding prose",
			raw:  `The check: {"text_response": "ok", "result": false} Hope this helps.`,
			want: thought.StructuredResult{"text_response": "ok", "result": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &FakeLLM{responses: []string{tt.raw}}
			gen := New(model)

			got, err := gen.GenerateStructured(context.Background(), "compare", consistency)
			if err != nil {
				t.Fatalf("GenerateStructured failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Result mismatch (-want +got):\n%s", diff)
			}
			if schema := model.options[0].Schema; schema == nil || schema.Name != "consistency_check" {
				t.Errorf("Expected schema to be passed to the model, got %v", schema)
			}
		})
	}
}

func TestGenerateStructuredMismatch(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"wrong type", `{"text_response": "ok", "result": "yes"}`},
		{"missing field", `{"text_response": "ok"}`},
		{"extra field", `{"text_response": "ok", "result": true, "confidence": 0.9}`},
		{"array", `[true]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := New(&FakeLLM{responses: []string{tt.raw}})

			_, err := gen.GenerateStructured(context.Background(), "compare", consistency)
			var mismatch *SchemaMismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("Expected SchemaMismatchError, got %v", err)
			}
			if mismatch.Schema != "consistency_check" || mismatch.Raw != tt.raw {
				t.Errorf("Unexpected error fields %+v", mismatch)
			}
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```json\n{\"a\": {\"b\": 2}}\n```\ntrailing", `{"a": {"b": 2}}`},
		{"no json here", "no json here"},
	}

	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidatorCacheReusesCompiledSchema(t *testing.T) {
	cache := newValidatorCache()

	first, err := cache.get(consistency)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	second, err := cache.get(consistency)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if first != second {
		t.Error("Expected the compiled schema to be cached")
	}
	if len(cache.schemas) != 1 {
		t.Errorf("Expected 1 cached schema, got %d", len(cache.schemas))
	}
}

func TestSchemaMismatchErrorMessage(t *testing.T) {
	err := &SchemaMismatchError{Schema: "s", Err: errors.New("bad")}
	if !strings.Contains(err.Error(), `"s"`) || !errors.Is(err, err.Err) {
		t.Errorf("Unexpected error %v", err)
	}
}

func TestGenerateRecordsUsage(t *testing.T) {
	recorder := &usageLog{}
	model := &FakeLLM{
		responses: []string{"Step 1: four", `{"text_response": "ok"}`},
		usage:     map[string]interface{}{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
	}
	gen := New(model, WithUsageRecorder(recorder))

	ctx := thought.ContextWithSession(context.Background(), "session-1")
	if _, err := gen.Generate(ctx, "What is 2+2?"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	// Tokens spent on a rejected structured response still count.
	if _, err := gen.GenerateStructured(ctx, "compare", consistency); !IsSchemaMismatch(err) {
		t.Fatalf("Expected schema mismatch, got %v", err)
	}

	want := thought.Usage{Requests: 2, PromptTokens: 24, CompletionTokens: 8, TotalTokens: 32}
	if diff := cmp.Diff(want, recorder.usage); diff != "" {
		t.Errorf("Usage mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"session-1", "session-1"}, recorder.sessions); diff != "" {
		t.Errorf("Sessions mismatch (-want +got):\n%s", diff)
	}
	if recorder.models[0] != "fake-model" {
		t.Errorf("Expected model fake-model, got %q", recorder.models[0])
	}
}

func TestGenerateWithoutUsageMetadata(t *testing.T) {
	recorder := &usageLog{}
	gen := New(&FakeLLM{responses: []string{"Step 1: four"}}, WithUsageRecorder(recorder))

	if _, err := gen.Generate(context.Background(), "p"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if recorder.usage.Requests != 0 {
		t.Errorf("Expected no usage recorded, got %+v", recorder.usage)
	}
}
