// Package thought provides the core types shared by the thoughtsearch packages:
// the message exchanged with callers and the two generation capabilities the
// search engine consumes.
package thought

import (
	"context"
	"fmt"
	"time"
)

// Message represents a message exchanged with a reasoning technique or an LLM.
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewMessage creates a new message with the given role and content.
func NewMessage(role, content string) *Message {
	return &Message{
		Role:      role,
		Content:   content,
		Metadata:  make(map[string]interface{}),
		Timestamp: time.Now().UTC(),
	}
}

// WithMetadata adds metadata to the message and returns the message for chaining.
func (m *Message) WithMetadata(key string, value interface{}) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata[key] = value
	return m
}

// Validate checks the role and content size of the message.
func (m *Message) Validate() error {
	if m.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}

	allowedRoles := map[string]bool{
		"user":      true,
		"assistant": true,
		"system":    true,
		"agent":     true,
	}
	if !allowedRoles[m.Role] {
		return fmt.Errorf("invalid message role: %s. Must be one of: user, assistant, system, agent", m.Role)
	}

	// Content validation - max 1MB
	maxContentSize := 1024 * 1024
	if len(m.Content) > maxContentSize {
		return fmt.Errorf("message content exceeds maximum size of %d bytes (got %d bytes)", maxContentSize, len(m.Content))
	}

	return nil
}

// FieldType is the JSON type of a structured output field.
type FieldType string

const (
	// FieldString is a free-text field.
	FieldString FieldType = "string"
	// FieldBoolean is a true/false field.
	FieldBoolean FieldType = "boolean"
)

// Field describes one field of a structured generation request.
type Field struct {
	Name        string
	Type        FieldType
	Description string
}

// Schema is the set of fields a structured generation must return.
// Every field is required.
type Schema struct {
	Name   string
	Fields []Field
}

// JSONSchema renders the schema as a JSON Schema object.
func (s Schema) JSONSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(s.Fields))
	required := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		prop := map[string]interface{}{"type": string(f.Type)}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[f.Name] = prop
		required = append(required, f.Name)
	}
	return map[string]interface{}{
		"type":                 "object",
		"title":                s.Name,
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// StructuredResult holds the decoded fields of a structured generation.
type StructuredResult map[string]interface{}

// String returns the named field as a string. Missing or non-string fields
// yield ok=false.
func (r StructuredResult) String(name string) (string, bool) {
	v, ok := r[name].(string)
	return v, ok
}

// Bool returns the named field as a bool. Missing or non-bool fields yield
// ok=false.
func (r StructuredResult) Bool(name string) (bool, bool) {
	v, ok := r[name].(bool)
	return v, ok
}

// StepGenerator produces free-form text completions.
//
// It is used during expansion to propose a chain of reasoning steps.
type StepGenerator interface {
	// Generate returns the completion for prompt.
	Generate(ctx context.Context, prompt string) (string, error)
}

// StructuredGenerator produces schema-constrained completions.
//
// Implementations must return an error when the response does not carry
// every field of the schema with the declared type.
type StructuredGenerator interface {
	// GenerateStructured returns the decoded fields for prompt.
	GenerateStructured(ctx context.Context, prompt string, schema Schema) (StructuredResult, error)
}

// StepGeneratorFunc adapts a plain function to the StepGenerator interface.
type StepGeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f(ctx, prompt).
func (f StepGeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// StructuredGeneratorFunc adapts a plain function to the StructuredGenerator interface.
type StructuredGeneratorFunc func(ctx context.Context, prompt string, schema Schema) (StructuredResult, error)

// GenerateStructured calls f(ctx, prompt, schema).
func (f StructuredGeneratorFunc) GenerateStructured(ctx context.Context, prompt string, schema Schema) (StructuredResult, error) {
	return f(ctx, prompt, schema)
}

// Usage counts the tokens spent by one or more model calls.
type Usage struct {
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.Requests += other.Requests
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

type sessionKey struct{}

// ContextWithSession returns a copy of ctx carrying sessionID. Generation
// usage recorded under ctx is attributed to that session.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session carried by ctx, if any.
func SessionFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(sessionKey{}).(string)
	return sessionID, ok && sessionID != ""
}
