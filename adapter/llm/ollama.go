package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// OllamaLLM is an adapter for Ollama's local LLM API.
//
// Structured calls pass the JSON schema in the request's "format" field,
// which Ollama uses to constrain decoding.
//
// Example:
//
//	model := NewOllamaLLM("llama3.1", "http://localhost:11434")
//	response, err := model.Complete(ctx, messages, WithTemperature(0.7))
type OllamaLLM struct {
	model   string
	baseURL string
	client  *http.Client
}

// ollamaMessage represents a message in Ollama format
type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatRequest represents the Ollama chat API request
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   interface{}     `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

// ollamaOptions represents Ollama-specific options
type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"` // max tokens
}

// ollamaChatResponse represents the Ollama chat API response
type ollamaChatResponse struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	// Metrics
	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// NewOllamaLLM creates a new Ollama LLM adapter.
//
// Empty arguments default to model "llama3.1" at http://localhost:11434.
func NewOllamaLLM(model, baseURL string) *OllamaLLM {
	if model == "" {
		model = "llama3.1"
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaLLM{
		model:   model,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Model returns the model identifier.
func (o *OllamaLLM) Model() string {
	return o.model
}

// Unwrap returns the underlying HTTP client.
func (o *OllamaLLM) Unwrap() interface{} {
	return o.client
}

// Complete generates a completion from Ollama.
//
// Response metadata includes model, usage and total_duration_ns.
func (o *OllamaLLM) Complete(ctx context.Context, messages []*thought.Message, opts ...CallOption) (*thought.Message, error) {
	options := BuildCallOptions(opts...)

	ollamaMessages := make([]ollamaMessage, len(messages))
	for i, msg := range messages {
		ollamaMessages[i] = ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	reqBody := ollamaChatRequest{
		Model:    o.model,
		Messages: ollamaMessages,
		Stream:   false,
	}
	if options.Schema != nil {
		reqBody.Format = options.Schema.JSONSchema()
	}

	if options.Temperature != nil || options.TopP != nil || options.MaxTokens != nil {
		reqBody.Options = &ollamaOptions{
			Temperature: options.Temperature,
			TopP:        options.TopP,
		}
		if options.MaxTokens != nil {
			reqBody.Options.NumPredict = *options.MaxTokens
		}
	}

	reqJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewBuffer(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Provider: "ollama", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	response := thought.NewMessage("assistant", ollamaResp.Message.Content)
	response.Metadata["model"] = ollamaResp.Model
	if ollamaResp.TotalDuration > 0 {
		response.Metadata["total_duration_ns"] = ollamaResp.TotalDuration
	}
	if ollamaResp.PromptEvalCount > 0 || ollamaResp.EvalCount > 0 {
		response.Metadata["usage"] = map[string]interface{}{
			"prompt_tokens":     ollamaResp.PromptEvalCount,
			"completion_tokens": ollamaResp.EvalCount,
			"total_tokens":      ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
		}
	}

	return response, nil
}
