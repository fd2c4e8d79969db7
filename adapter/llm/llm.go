// Package llm provides the LLM adapters the generation services run on.
//
// Every adapter implements the same small contract so that the step and
// structured generators can be pointed at any provider, hosted or local,
// without code changes.
package llm

import (
	"context"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// LLM is the minimal interface for talking to a language model.
//
// Design principles:
//   - Minimal: one completion method
//   - Flexible: CallOptions carry sampling parameters and an optional schema
//   - Swappable: change providers without changing generator code
//   - Escape hatch: Unwrap() for provider-specific features
//
// Example:
//
//	model := NewOpenAILLM(apiKey, "gpt-4o-mini")
//	messages := []*thought.Message{
//	    thought.NewMessage("user", "Step 1: ..."),
//	}
//	response, err := model.Complete(ctx, messages, WithTemperature(0.7))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(response.Content)
type LLM interface {
	// Complete generates a single completion from the model.
	//
	// The conversation is passed as thought Messages, which the adapter
	// converts to the provider's format. The response has Role "assistant"
	// and carries provider data (model, usage) in Metadata.
	//
	// When WithJSONSchema is passed, the adapter asks the provider for JSON
	// output constrained to that schema where the provider supports it, and
	// for plain JSON output otherwise. Callers must still validate.
	Complete(ctx context.Context, messages []*thought.Message, opts ...CallOption) (*thought.Message, error)

	// Model returns the model identifier for this instance.
	Model() string

	// Unwrap returns the underlying provider client.
	//
	// Using Unwrap() breaks provider portability.
	Unwrap() interface{}
}

// CallOptions holds options for a single LLM call.
type CallOptions struct {
	// Common options
	Temperature *float64
	MaxTokens   *int
	TopP        *float64

	// Schema requests structured JSON output.
	Schema *thought.Schema

	// Provider-specific options
	Extra map[string]interface{}
}

// CallOption is a functional option for configuring LLM calls.
type CallOption func(*CallOptions)

// WithTemperature sets the sampling temperature (typically 0.0-2.0).
func WithTemperature(temperature float64) CallOption {
	return func(opts *CallOptions) {
		opts.Temperature = &temperature
	}
}

// WithMaxTokens sets the maximum number of tokens to generate.
func WithMaxTokens(maxTokens int) CallOption {
	return func(opts *CallOptions) {
		opts.MaxTokens = &maxTokens
	}
}

// WithTopP sets the nucleus sampling parameter.
func WithTopP(topP float64) CallOption {
	return func(opts *CallOptions) {
		opts.TopP = &topP
	}
}

// WithJSONSchema requests output conforming to schema.
func WithJSONSchema(schema thought.Schema) CallOption {
	return func(opts *CallOptions) {
		opts.Schema = &schema
	}
}

// WithExtra adds a provider-specific option.
func WithExtra(key string, value interface{}) CallOption {
	return func(opts *CallOptions) {
		if opts.Extra == nil {
			opts.Extra = make(map[string]interface{})
		}
		opts.Extra[key] = value
	}
}

// BuildCallOptions creates CallOptions from functional options.
func BuildCallOptions(opts ...CallOption) *CallOptions {
	options := &CallOptions{
		Extra: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// UsageFromMetadata reads the "usage" map every adapter attaches to its
// responses. ok is false when the provider reported no usage.
func UsageFromMetadata(metadata map[string]interface{}) (usage thought.Usage, ok bool) {
	raw, ok := metadata["usage"].(map[string]interface{})
	if !ok {
		return thought.Usage{}, false
	}

	usage = thought.Usage{
		Requests:         1,
		PromptTokens:     tokenCount(raw["prompt_tokens"]),
		CompletionTokens: tokenCount(raw["completion_tokens"]),
		TotalTokens:      tokenCount(raw["total_tokens"]),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage, true
}

func tokenCount(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
