// Package llm provides interfaces and types for language model client
// implementations.
package llm

import (
	"context"
	"fmt"
	"io"

	"parley/pkg/proto"
	"parley/pkg/tools"
)

const (
	// DefaultMaxTokens is the reply token budget used when a request does
	// not set one.
	DefaultMaxTokens = 4096

	// TemperatureDefault is the default sampling temperature. Allows some
	// exploration while staying focused on the working tree.
	TemperatureDefault = 0.3
)

// Stop reasons reported by providers, normalized across implementations.
const (
	// StopEndTurn means the model finished a plain text reply.
	StopEndTurn = "end_turn"
	// StopToolUse means the model stopped to request tool calls.
	StopToolUse = "tool_use"
	// StopMaxTokens means the reply was cut off by the token budget.
	StopMaxTokens = "max_tokens"
)

// CompletionRequest represents a request to generate a completion. History
// travels as the typed message union, not flattened strings; each provider
// implementation maps it onto its own wire format.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionRequest struct {
	SystemPrompt string
	WorkingDir   string // Advertised to the model alongside the system prompt
	Messages     []proto.Message
	Tools        []tools.ToolDefinition
	MaxTokens    int
	Temperature  float32
}

// CompletionResponse represents a response from a completion request.
// Exactly one of Content and ToolCalls is populated; a response carrying
// both or neither never leaves the validation middleware.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionResponse struct {
	ToolCalls  []proto.ToolCall
	Content    string // Main response text
	StopReason string // Why the response stopped: "end_turn", "tool_use", "max_tokens"
}

// HasToolCalls reports whether the response requests tool dispatch.
func (r *CompletionResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// StreamChunk represents a chunk of streamed completion response.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // LLMClient reads better than llm.Client at call sites
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []proto.Message) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// LLMConfig represents configuration for an LLM client.
type LLMConfig struct { //nolint:revive // Name matches the interface it configures
	APIKey           string
	ModelName        string
	MaxTokens        int
	Temperature      float32
	MaxContextTokens int
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// StreamToReader converts a stream channel to an io.Reader.
func StreamToReader(stream <-chan StreamChunk) io.Reader {
	pr, pw := io.Pipe()

	go func() {
		defer func() {
			_ = pw.Close()
		}()
		for chunk := range stream {
			if chunk.Error != nil {
				pw.CloseWithError(chunk.Error)
				return
			}
			if _, err := pw.Write([]byte(chunk.Content)); err != nil {
				pw.CloseWithError(err)
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return pr
}
