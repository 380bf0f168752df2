// Package anthropic provides the Anthropic Claude client implementation for the LLM interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"parley/pkg/agent/llm"
	"parley/pkg/agent/llmerrors"
	"parley/pkg/config"
	"parley/pkg/logx"
	"parley/pkg/proto"
)

// ClaudeClient wraps the Anthropic API client to implement llm.LLMClient interface.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
	logger *logx.Logger
}

// NewClaudeClient creates a new Claude client wrapper (raw client, middleware applied at higher level).
func NewClaudeClient(apiKey string) llm.LLMClient {
	return NewClaudeClientWithModel(apiKey, config.DefaultModel)
}

// NewClaudeClientWithModel creates a new Claude client with specific model (raw client, middleware applied at higher level).
func NewClaudeClientWithModel(apiKey, model string) llm.LLMClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ClaudeClient{
		client: client,
		model:  anthropic.Model(model),
		logger: logx.NewLogger("anthropic"),
	}
}

// buildSystemBlocks assembles the system parameter: the configured prompt
// plus the per-call working directory line, with ephemeral cache control on
// the stable prefix so repeated turns reuse the cache.
func buildSystemBlocks(in *llm.CompletionRequest) []anthropic.TextBlockParam {
	if in.SystemPrompt == "" && in.WorkingDir == "" {
		return nil
	}

	var blocks []anthropic.TextBlockParam
	if in.SystemPrompt != "" {
		block := anthropic.TextBlockParam{
			Text: in.SystemPrompt,
			Type: "text",
		}
		// The system prompt is identical across turns, so it is the cacheable prefix.
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		blocks = append(blocks, block)
	}
	if in.WorkingDir != "" {
		blocks = append(blocks, anthropic.TextBlockParam{
			Text: "Working directory: " + in.WorkingDir,
			Type: "text",
		})
	}
	return blocks
}

// buildMessages converts the typed history into Anthropic message params.
// Tool requests become assistant tool_use blocks; the tool results that
// follow them are grouped into a single user message of tool_result blocks.
func buildMessages(history []proto.Message) ([]anthropic.MessageParam, error) {
	messages := make([]anthropic.MessageParam, 0, len(history))

	for i := 0; i < len(history); i++ {
		msg := &history[i]

		switch msg.Kind {
		case proto.KindUserText:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))

		case proto.KindAssistantText:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Text)))

		case proto.KindToolRequest:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				toolUse := anthropic.ToolUseBlockParam{
					ID:    call.ID,
					Name:  call.Name,
					Input: call.Args,
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolUse: &toolUse})
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))

		case proto.KindToolResult:
			// Collect the consecutive run of results into one user message.
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(history) && history[i].Kind == proto.KindToolResult {
				result := &history[i]
				toolResult := anthropic.ToolResultBlockParam{
					ToolUseID: result.CallID,
					IsError:   anthropic.Bool(result.IsError),
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: result.Content}},
					},
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: &toolResult})
				i++
			}
			i--
			messages = append(messages, anthropic.NewUserMessage(blocks...))

		default:
			return nil, fmt.Errorf("unsupported message kind %q at index %d", msg.Kind, i)
		}
	}

	return messages, nil
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest is large but passing by value matches interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := proto.ValidateHistory(in.Messages); err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("history validation failed: %v", err))
	}

	messages, err := buildMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion failed: %v", err))
	}
	if len(messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	// Prepare request parameters.
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}

	if system := buildSystemBlocks(&in); len(system) > 0 {
		params.System = system
	}

	// Add tools if provided.
	if len(in.Tools) > 0 {
		var tools []anthropic.ToolUnionParam
		for i := range in.Tools {
			tool := &in.Tools[i]
			var properties any

			// Convert InputSchema properties to the format expected by Anthropic API.
			if len(tool.InputSchema.Properties) > 0 {
				props := make(map[string]any)
				for name := range tool.InputSchema.Properties { //nolint:gocritic // Need to copy properties
					prop := tool.InputSchema.Properties[name]
					propMap := make(map[string]any)
					propMap["type"] = prop.Type
					if prop.Description != "" {
						propMap["description"] = prop.Description
					}
					if len(prop.Enum) > 0 {
						propMap["enum"] = prop.Enum
					}
					if prop.Items != nil {
						propMap["items"] = map[string]any{"type": prop.Items.Type}
					}
					props[name] = propMap
				}
				properties = props
			}

			toolParam := anthropic.ToolParam{
				Name: tool.Name,
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       "object",
					Properties: properties,
					Required:   tool.InputSchema.Required,
				},
			}
			tools = append(tools, anthropic.ToolUnionParamOfTool(toolParam.InputSchema, toolParam.Name))
		}
		params.Tools = tools

		// Let Claude decide when to use tools.
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	// Make API request.
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		c.logger.Debug("Raw Anthropic API error: %v", err)
		return llm.CompletionResponse{}, c.classifyError(err, nil)
	}

	if resp == nil || len(resp.Content) == 0 {
		// Empty response is a specific type of retryable error
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	// Extract text content and tool calls from the response.
	var responseText string
	var toolCalls []proto.ToolCall

	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			responseText += textBlock.Text
		case "tool_use":
			toolUseBlock := block.AsToolUse()
			// Parse the input parameters from RawMessage.
			var args map[string]any
			if err := json.Unmarshal(toolUseBlock.Input, &args); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewMalformedOutputError(err, fmt.Sprintf("tool input for %q is not a JSON object", toolUseBlock.Name))
			}

			toolCalls = append(toolCalls, proto.ToolCall{
				ID:   toolUseBlock.ID,
				Name: toolUseBlock.Name,
				Args: args,
			})
		}
	}

	// A turn is either text or tool calls. When the model sends prose
	// alongside tool_use blocks, the prose is dropped from the result.
	if len(toolCalls) > 0 && strings.TrimSpace(responseText) != "" {
		c.logger.Debug("Dropping %d chars of prose accompanying %d tool calls", len(responseText), len(toolCalls))
		responseText = ""
	}

	return llm.CompletionResponse{
		Content:    responseText,
		ToolCalls:  toolCalls,
		StopReason: string(resp.StopReason),
	}, nil
}

// Stream implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest is large but passing by value matches interface
func (c *ClaudeClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	// Complete-then-chunk; token streaming is not wired up yet.
	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		resp, err := c.Complete(ctx, in)
		if err != nil {
			ch <- llm.StreamChunk{Error: err}
			return
		}
		ch <- llm.StreamChunk{Content: resp.Content}
		ch <- llm.StreamChunk{Done: true}
	}()
	return ch, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// classifyError maps Anthropic SDK errors to our structured error types.
func (c *ClaudeClient) classifyError(err error, _ *http.Response) *llmerrors.Error {
	if err == nil {
		return nil
	}

	errStr := err.Error()

	// Check for context-related errors first
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled")
	}

	// Parse HTTP status codes if available in error message
	// Anthropic SDK typically includes status codes in error messages
	statusCode := extractStatusCode(errStr)

	switch statusCode {
	case 401:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, statusCode, "authentication failed - check API key")
	case 403:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, statusCode, "permission denied - check API access")
	case 429:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, statusCode, "rate limit exceeded")
	case 400:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, statusCode, "bad request - check prompt format and parameters")
	case 500, 502, 503, 504:
		return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, statusCode, "server error")
	}

	// Check for common network and connection errors
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "reset") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network or connection error")
	}

	// Check for rate limiting text patterns
	if strings.Contains(strings.ToLower(errStr), "rate") ||
		strings.Contains(strings.ToLower(errStr), "quota") ||
		strings.Contains(strings.ToLower(errStr), "limit") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	}

	// Check for authentication-related text patterns
	if strings.Contains(strings.ToLower(errStr), "auth") ||
		strings.Contains(strings.ToLower(errStr), "key") ||
		strings.Contains(strings.ToLower(errStr), "unauthorized") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication error")
	}

	// Check for prompt/request issues
	if strings.Contains(strings.ToLower(errStr), "invalid") ||
		strings.Contains(strings.ToLower(errStr), "malformed") ||
		strings.Contains(strings.ToLower(errStr), "too large") ||
		strings.Contains(strings.ToLower(errStr), "token") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "prompt or request error")
	}

	// Default to unknown error type
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified error")
}

// extractStatusCode attempts to extract HTTP status code from error string.
// Anthropic SDK often includes status codes in error messages.
func extractStatusCode(errStr string) int {
	// Common patterns in error messages
	patterns := []string{
		"status code: ",
		"status: ",
		"HTTP ",
		"code ",
	}

	for _, pattern := range patterns {
		if idx := strings.Index(strings.ToLower(errStr), pattern); idx != -1 {
			start := idx + len(pattern)
			if start < len(errStr) {
				// Extract next 3 characters and try to parse as int
				end := start + 3
				if end > len(errStr) {
					end = len(errStr)
				}
				statusStr := errStr[start:end]

				// Try to parse common status codes
				switch {
				case strings.HasPrefix(statusStr, "400"):
					return 400
				case strings.HasPrefix(statusStr, "401"):
					return 401
				case strings.HasPrefix(statusStr, "403"):
					return 403
				case strings.HasPrefix(statusStr, "429"):
					return 429
				case strings.HasPrefix(statusStr, "500"):
					return 500
				case strings.HasPrefix(statusStr, "502"):
					return 502
				case strings.HasPrefix(statusStr, "503"):
					return 503
				case strings.HasPrefix(statusStr, "504"):
					return 504
				}
			}
		}
	}

	return 0 // No status code found
}
