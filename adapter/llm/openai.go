package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// OpenAILLM is an adapter for OpenAI's chat models and any server that
// speaks the OpenAI chat-completions protocol (vLLM, LiteLLM proxies, local
// gateways) via WithOpenAIBaseURL.
//
// Structured calls use the json_schema response format in strict mode.
//
// Example:
//
//	model := NewOpenAILLM("sk-...", "gpt-4o-mini")
//	response, err := model.Complete(
//	    ctx,
//	    messages,
//	    WithTemperature(0.7),
//	    WithExtra("frequency_penalty", 0.5),
//	)
type OpenAILLM struct {
	client *openai.Client
	model  string
}

// OpenAIOption configures an OpenAILLM.
type OpenAIOption func(*openai.ClientConfig)

// WithOpenAIBaseURL points the client at an OpenAI-compatible endpoint.
func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(cfg *openai.ClientConfig) {
		if baseURL != "" {
			cfg.BaseURL = baseURL
		}
	}
}

// WithOpenAIOrganization sets the organization header.
func WithOpenAIOrganization(org string) OpenAIOption {
	return func(cfg *openai.ClientConfig) {
		cfg.OrgID = org
	}
}

// NewOpenAILLM creates a new OpenAI LLM adapter.
//
// An empty model defaults to "gpt-4o-mini".
func NewOpenAILLM(apiKey, model string, opts ...OpenAIOption) *OpenAILLM {
	cfg := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAILLM{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Model returns the model identifier.
func (o *OpenAILLM) Model() string {
	return o.model
}

// Complete generates a chat completion.
//
// Response metadata includes model, usage, finish_reason and id.
func (o *OpenAILLM) Complete(ctx context.Context, messages []*thought.Message, opts ...CallOption) (*thought.Message, error) {
	options := BuildCallOptions(opts...)

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: o.convertMessages(messages),
	}

	if options.Temperature != nil {
		req.Temperature = float32(*options.Temperature)
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	if options.TopP != nil {
		req.TopP = float32(*options.TopP)
	}
	if fp, ok := options.Extra["frequency_penalty"].(float64); ok {
		req.FrequencyPenalty = float32(fp)
	}
	if pp, ok := options.Extra["presence_penalty"].(float64); ok {
		req.PresencePenalty = float32(pp)
	}
	if stop, ok := options.Extra["stop"].([]string); ok {
		req.Stop = stop
	}

	if options.Schema != nil {
		format, err := responseFormat(*options.Schema)
		if err != nil {
			return nil, err
		}
		req.ResponseFormat = format
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &APIError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return nil, &APIError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Err: err}
		}
		return nil, fmt.Errorf("openai api error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices: %w", ErrEmptyResponse)
	}

	response := thought.NewMessage("assistant", resp.Choices[0].Message.Content)
	response.Metadata["model"] = resp.Model
	response.Metadata["usage"] = map[string]interface{}{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	}
	response.Metadata["finish_reason"] = string(resp.Choices[0].FinishReason)
	response.Metadata["id"] = resp.ID

	return response, nil
}

// responseFormat renders schema as a strict json_schema response format.
func responseFormat(schema thought.Schema) (*openai.ChatCompletionResponseFormat, error) {
	raw, err := json.Marshal(schema.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema %q: %w", schema.Name, err)
	}
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   schema.Name,
			Schema: json.RawMessage(raw),
			Strict: true,
		},
	}, nil
}

// convertMessages converts thought Messages to OpenAI format.
//
// OpenAI expects role "system", "user", "assistant" or "tool"; other roles
// map to "assistant".
func (o *OpenAILLM) convertMessages(messages []*thought.Message) []openai.ChatCompletionMessage {
	openaiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))

	for _, msg := range messages {
		var role string
		switch msg.Role {
		case "system", "user", "tool":
			role = msg.Role
		default:
			role = "assistant"
		}

		openaiMessages = append(openaiMessages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	return openaiMessages
}

// Unwrap returns the underlying *openai.Client.
func (o *OpenAILLM) Unwrap() interface{} {
	return o.client
}
