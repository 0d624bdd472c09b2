// Package llm talks to language-model and speech-to-text services on behalf
// of the viva core. Providers sit behind a small interface so that
// OpenAI-compatible endpoints, Gemini and Anthropic can be swapped by
// configuration, and decorators add retry and logging around any of them.
package llm

import (
	"context"
	"encoding/json"
)

// Provider is the core abstraction for LLM interaction.
type Provider interface {
	// Generate sends a prompt and returns the response. When req.Schema is
	// set, Content is JSON validated against it.
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the model identifier this provider is configured to use.
	ModelID() string
}

// Request describes what to send to the LLM.
type Request struct {
	System   string
	Messages []Message

	// Schema, when set, asks the provider for structured JSON output.
	// When nil, Content is the raw text.
	Schema *Schema

	MaxTokens   int
	Temperature float64
}

// Message represents a single message in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role is the message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Schema defines the JSON structure expected from the LLM.
type Schema struct {
	// Name identifies the schema, e.g. "viva-evaluation". Compiled schemas
	// are cached by name.
	Name        string
	Description string
	Definition  map[string]any
}

// Response holds the LLM's output.
type Response struct {
	Content json.RawMessage
	Usage   Usage
	Model   string

	// StopReason is normalized to "end" or "max_tokens".
	StopReason string
}

// Text returns Content as a plain string.
func (r *Response) Text() string {
	return string(r.Content)
}

// Usage tracks token consumption for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
