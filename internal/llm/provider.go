// Package llm provides the Ollama client used by the routing engine.
package llm

import (
	"context"
	"io"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxStreamedResponseSize limits total streamed response size (50MB)
	MaxStreamedResponseSize = 50 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
// Used for error responses to prevent unbounded memory allocation.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider defines the interface for model backends.
type Provider interface {
	// Chat sends a conversation and returns the complete response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured and reachable.
	Available() bool
}

// StreamingProvider extends Provider with token streaming support.
type StreamingProvider interface {
	Provider
	// ChatStream is like Chat but calls onToken for each token as it is
	// generated. Returns the complete response when done.
	ChatStream(ctx context.Context, req *ChatRequest, onToken func(token string)) (*ChatResponse, error)
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use.
	Model string `json:"model"`

	// SystemPrompt sets the model's behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages in the conversation.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`
}

// Message represents a conversation message. Images are base64-encoded
// payloads attached to the message, as the Ollama chat API expects.
type Message struct {
	Role    string   `json:"role"` // "user", "assistant", "system"
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ChatResponse contains the model's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	TokensUsed       int           `json:"tokens_used,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}
