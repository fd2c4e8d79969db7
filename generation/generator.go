// Package generation implements the step and structured generation
// services on top of an llm.LLM.
//
// A Generator turns a prompt into either free-form text (expansion) or a
// schema-checked set of fields (sub-answers and consistency checks).
// Structured responses are extracted from markdown fences, repaired when
// the model emits slightly broken JSON, and validated against the
// requested schema before they reach the search.
package generation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/thoughtsearch/adapter/llm"
	"github.com/scttfrdmn/thoughtsearch/thought"
)

// Operation names carried by GenerationError.
const (
	OpGenerate           = "generate"
	OpGenerateStructured = "generate_structured"
)

// Generator implements thought.StepGenerator and thought.StructuredGenerator
// over a single model.
type Generator struct {
	model        llm.LLM
	systemPrompt string
	callOpts     []llm.CallOption
	logger       *slog.Logger
	tracer       trace.Tracer
	usage        UsageRecorder
	validators   *validatorCache
}

// UsageRecorder receives the token usage of every completed model call.
// The session the call belongs to travels in ctx.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, model string, usage thought.Usage) error
}

var (
	_ thought.StepGenerator       = (*Generator)(nil)
	_ thought.StructuredGenerator = (*Generator)(nil)
)

// Option configures a Generator.
type Option func(*Generator)

// WithSystemPrompt prepends a system message to every call.
func WithSystemPrompt(prompt string) Option {
	return func(g *Generator) {
		g.systemPrompt = prompt
	}
}

// WithCallOptions sets default call options (temperature, max tokens) for
// every call.
func WithCallOptions(opts ...llm.CallOption) Option {
	return func(g *Generator) {
		g.callOpts = append(g.callOpts, opts...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// WithTracer sets the tracer used for per-call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Generator) {
		g.tracer = tracer
	}
}

// WithUsageRecorder reports the token usage of every call to recorder.
func WithUsageRecorder(recorder UsageRecorder) Option {
	return func(g *Generator) {
		g.usage = recorder
	}
}

// New creates a Generator backed by model.
func New(model llm.LLM, opts ...Option) *Generator {
	g := &Generator{
		model:      model,
		logger:     slog.Default(),
		tracer:     otel.Tracer("thoughtsearch.generation"),
		validators: newValidatorCache(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Model returns the model identifier.
func (g *Generator) Model() string {
	return g.model.Model()
}

func (g *Generator) messages(prompt string) []*thought.Message {
	messages := make([]*thought.Message, 0, 2)
	if g.systemPrompt != "" {
		messages = append(messages, thought.NewMessage("system", g.systemPrompt))
	}
	return append(messages, thought.NewMessage("user", prompt))
}

// complete runs one model call inside a span and returns the response text.
func (g *Generator) complete(ctx context.Context, op, prompt string, extra ...llm.CallOption) (string, error) {
	ctx, span := g.tracer.Start(ctx, "generation."+op,
		trace.WithAttributes(
			attribute.String("llm.model", g.model.Model()),
			attribute.Int("prompt.length", len(prompt)),
		),
	)
	defer span.End()

	start := time.Now()
	opts := append(append([]llm.CallOption{}, g.callOpts...), extra...)
	response, err := g.model.Complete(ctx, g.messages(prompt), opts...)
	if err == nil {
		g.recordUsage(ctx, response)
	}
	if err == nil && strings.TrimSpace(response.Content) == "" {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", &GenerationError{Op: op, Model: g.model.Model(), Err: err}
	}

	g.logger.DebugContext(ctx, "generation complete",
		"operation", op,
		"model", g.model.Model(),
		"duration", time.Since(start),
		"response_length", len(response.Content),
	)
	span.SetAttributes(attribute.Int("response.length", len(response.Content)))
	return response.Content, nil
}

func (g *Generator) recordUsage(ctx context.Context, response *thought.Message) {
	if g.usage == nil {
		return
	}
	usage, ok := llm.UsageFromMetadata(response.Metadata)
	if !ok {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("llm.prompt_tokens", usage.PromptTokens),
		attribute.Int("llm.completion_tokens", usage.CompletionTokens),
	)
	if err := g.usage.RecordUsage(ctx, g.model.Model(), usage); err != nil {
		g.logger.WarnContext(ctx, "failed to record usage", "model", g.model.Model(), "error", err)
	}
}

// Generate returns a free-form completion for prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.complete(ctx, OpGenerate, prompt)
}

// GenerateStructured asks the model for JSON constrained to schema and
// returns the validated fields. A response that cannot be decoded yields a
// SchemaMismatchError.
func (g *Generator) GenerateStructured(ctx context.Context, prompt string, schema thought.Schema) (thought.StructuredResult, error) {
	raw, err := g.complete(ctx, OpGenerateStructured, prompt, llm.WithJSONSchema(schema))
	if err != nil {
		return nil, err
	}

	result, err := g.validators.decode(raw, schema)
	if err != nil {
		g.logger.WarnContext(ctx, "structured response rejected",
			"schema", schema.Name,
			"model", g.model.Model(),
			"error", err,
		)
		return nil, err
	}
	return result, nil
}
