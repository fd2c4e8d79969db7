package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/scttfrdmn/thoughtsearch/thought"
)

// GeminiLLM is an adapter for Google's Gemini models.
//
// Structured calls set the response MIME type to application/json and pass
// the schema as the model's response schema.
//
// Example:
//
//	model, err := NewGeminiLLM("your-api-key", "gemini-1.5-flash")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer model.Close()
//	response, err := model.Complete(ctx, messages, WithExtra("top_k", 40))
type GeminiLLM struct {
	client *genai.Client
	model  string
}

// NewGeminiLLM creates a new Gemini LLM adapter.
//
// An empty apiKey falls back to GEMINI_API_KEY, then GOOGLE_API_KEY. Extra
// client options (endpoint, HTTP client) are passed through to the SDK.
func NewGeminiLLM(apiKey, model string, clientOpts ...option.ClientOption) (*GeminiLLM, error) {
	// Use environment variable if API key not provided
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini api key required: provide apiKey parameter or set GEMINI_API_KEY or GOOGLE_API_KEY environment variable")
		}
	}

	// Default model
	if model == "" {
		model = "gemini-1.5-flash"
	}

	// Create client
	ctx := context.Background()
	clientOpts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, clientOpts...)
	client, err := genai.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiLLM{
		client: client,
		model:  model,
	}, nil
}

// Model returns the model identifier.
func (g *GeminiLLM) Model() string {
	return g.model
}

// Complete generates a completion from Gemini.
//
// Response metadata includes model, usage and finish_reason.
func (g *GeminiLLM) Complete(ctx context.Context, messages []*thought.Message, opts ...CallOption) (*thought.Message, error) {
	if len(messages) == 0 {
		return nil, errors.New("gemini: at least one message is required")
	}

	// Build options
	options := BuildCallOptions(opts...)

	// Get model
	model := g.client.GenerativeModel(g.model)

	// Configure model
	g.configureModel(model, options)

	// Convert messages to Gemini format
	history, lastMessage := g.convertMessages(messages)

	// Start chat session
	session := model.StartChat()
	session.History = history

	// Send message
	resp, err := session.SendMessage(ctx, lastMessage...)
	if err != nil {
		return nil, fmt.Errorf("gemini api error: %w", err)
	}

	content := g.extractContent(resp)
	if content == "" {
		return nil, fmt.Errorf("gemini: %w", ErrEmptyResponse)
	}

	response := thought.NewMessage("assistant", content)
	response.Metadata["model"] = g.model

	// Add usage metadata if available
	if resp.UsageMetadata != nil {
		response.Metadata["usage"] = map[string]interface{}{
			"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
			"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      resp.UsageMetadata.TotalTokenCount,
		}
	}

	// Add finish reason if available
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != 0 {
		response.Metadata["finish_reason"] = resp.Candidates[0].FinishReason.String()
	}

	return response, nil
}

// convertMessages converts thought Messages to Gemini format.
//
// Gemini expects:
//   - role: "user" or "model"
//   - parts: list of content parts
//
// System messages are prepended as user messages.
// Returns the conversation history and the last message to send.
func (g *GeminiLLM) convertMessages(messages []*thought.Message) ([]*genai.Content, []genai.Part) {
	if len(messages) == 0 {
		return nil, nil
	}

	var history []*genai.Content

	// Process all messages except the last one
	for i := 0; i < len(messages)-1; i++ {
		msg := messages[i]

		// Map role
		role := g.mapRole(msg.Role)

		// Create content
		content := &genai.Content{
			Role: role,
			Parts: []genai.Part{
				genai.Text(msg.Content),
			},
		}

		history = append(history, content)
	}

	// The last message is what we're sending
	lastMsg := messages[len(messages)-1]
	lastParts := []genai.Part{
		genai.Text(lastMsg.Content),
	}

	return history, lastParts
}

// mapRole maps a thought role to a Gemini role.
func (g *GeminiLLM) mapRole(role string) string {
	switch role {
	case "user", "system":
		return "user"
	default:
		// Map "agent", "assistant", and others to "model"
		return "model"
	}
}

// configureModel applies configuration options to the model.
func (g *GeminiLLM) configureModel(model *genai.GenerativeModel, options *CallOptions) {
	// Set temperature
	if options.Temperature != nil {
		temp := float32(*options.Temperature)
		model.Temperature = &temp
	}

	// Set max tokens
	if options.MaxTokens != nil {
		maxTokens := int32(*options.MaxTokens)
		model.MaxOutputTokens = &maxTokens
	}

	// Set top P
	if options.TopP != nil {
		topP := float32(*options.TopP)
		model.TopP = &topP
	}

	// Set top K from extra options
	if topK, ok := options.Extra["top_k"].(int); ok {
		topKInt := int32(topK)
		model.TopK = &topKInt
	}

	// Set candidate count from extra options
	if candidateCount, ok := options.Extra["candidate_count"].(int); ok {
		count := int32(candidateCount)
		model.CandidateCount = &count
	}

	// Set stop sequences from extra options
	if stopSequences, ok := options.Extra["stop_sequences"].([]string); ok {
		model.StopSequences = stopSequences
	}

	if options.Schema != nil {
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = geminiSchema(*options.Schema)
	}
}

// geminiSchema converts a thought Schema to a Gemini response schema.
func geminiSchema(schema thought.Schema) *genai.Schema {
	properties := make(map[string]*genai.Schema, len(schema.Fields))
	required := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		t := genai.TypeString
		if f.Type == thought.FieldBoolean {
			t = genai.TypeBoolean
		}
		properties[f.Name] = &genai.Schema{Type: t, Description: f.Description}
		required = append(required, f.Name)
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: properties,
		Required:   required,
	}
}

// extractContent extracts text content from a Gemini response.
func (g *GeminiLLM) extractContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return ""
	}

	// Concatenate all text parts
	var content string
	for _, part := range candidate.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			content += string(txt)
		}
	}

	return content
}

// Close closes the Gemini client.
func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Unwrap returns the underlying *genai.Client.
func (g *GeminiLLM) Unwrap() interface{} {
	return g.client
}
