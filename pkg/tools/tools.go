// Package tools provides the schema-declared tool registry and the built-in
// tool implementations exposed to the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the registry and argument validation.
// Callers convert these into error-bearing tool results rather than failing
// the conversation.
var (
	// ErrToolNotFound indicates the requested tool is not registered or not
	// allowed in the current context.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidArguments indicates the arguments do not satisfy the tool's
	// declared input schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Tool is the interface implemented by every registered tool.
type Tool interface {
	// Name returns the tool name.
	Name() string

	// PromptDocumentation returns formatted tool documentation for prompts.
	PromptDocumentation() string

	// Definition returns the tool definition for LLM.
	Definition() ToolDefinition

	// Exec executes the tool with the given arguments.
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
}

// ToolDefinition describes a tool to the model in provider-neutral form.
// Provider clients convert this into their native tool declarations.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// InputSchema is a minimal JSON Schema describing a tool's arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes a single argument field.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// ExecResult carries a tool's output back to the conversation. Content is a
// JSON envelope with a "success" field plus tool-specific payload.
type ExecResult struct {
	Content string
}

// jsonResult marshals a response map into an ExecResult envelope.
func jsonResult(response map[string]any) (*ExecResult, error) {
	content, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &ExecResult{Content: string(content)}, nil
}

// errorResult creates a JSON error response.
func errorResult(msg string) (*ExecResult, error) {
	return jsonResult(map[string]any{
		"success": false,
		"error":   msg,
	})
}

// truncateOutput caps command output at maxChars, appending a marker so the
// model knows content was dropped.
func truncateOutput(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "\n[output truncated]"
}

// intArgOrDefault extracts an integer argument from the args map, returning defaultVal if missing or invalid.
// Handles float64 (from JSON unmarshal), int, and int64 value types.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	v, exists := args[key]
	if !exists {
		return defaultVal
	}
	var n int
	switch val := v.(type) {
	case float64:
		n = int(val)
	case int:
		n = val
	case int64:
		n = int(val)
	default:
		return defaultVal
	}
	if n < 1 {
		return defaultVal
	}
	return n
}
