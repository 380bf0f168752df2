// Package ollama provides Ollama client implementation for LLM interface.
// Ollama is a local LLM runtime that allows running open-source models.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"parley/pkg/agent/llm"
	"parley/pkg/agent/llmerrors"
	"parley/pkg/logx"
	"parley/pkg/proto"
	"parley/pkg/tools"
)

// Client wraps the Ollama API client to implement llm.LLMClient interface.
type Client struct {
	client  *api.Client
	logger  *logx.Logger
	model   string
	hostURL string
}

// NewOllamaClientWithModel creates a new Ollama client with specific model.
// hostURL should be the Ollama server URL (e.g., "http://localhost:11434").
func NewOllamaClientWithModel(hostURL, model string) llm.LLMClient {
	// Parse the host URL
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		// Fall back to default if URL is invalid
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	// Create the Ollama client
	client := api.NewClient(parsedURL, http.DefaultClient)

	return &Client{
		client:  client,
		logger:  logx.NewLogger("ollama"),
		model:   model,
		hostURL: hostURL,
	}
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest is large but passing by value matches interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	req, err := o.buildRequest(&in, false)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	// With streaming disabled the callback fires exactly once.
	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		o.logger.Debug("Raw Ollama API error: %v", err)
		return llm.CompletionResponse{}, classifyError(err)
	}

	content := response.Message.Content

	toolCalls, err := convertToolCallsFromOllama(response.Message.ToolCalls)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	if content == "" && len(toolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response from Ollama chat")
	}

	// A turn is either text or tool calls. When the model sends prose
	// alongside tool calls, the prose is dropped from the result.
	if len(toolCalls) > 0 && strings.TrimSpace(content) != "" {
		o.logger.Debug("Dropping %d chars of prose accompanying %d tool calls", len(content), len(toolCalls))
		content = ""
	}

	return llm.CompletionResponse{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: getStopReason(&response),
	}, nil
}

// Stream implements the llm.LLMClient interface. Ollama streams natively
// through the chat callback, so each partial message becomes a chunk.
//
//nolint:gocritic // CompletionRequest is large but passing by value matches interface
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	req, err := o.buildRequest(&in, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)

	go func() {
		defer close(ch)

		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			select {
			case ch <- llm.StreamChunk{Content: resp.Message.Content}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			ch <- llm.StreamChunk{Error: classifyError(err)}
			return
		}
		ch <- llm.StreamChunk{Done: true}
	}()

	return ch, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// buildRequest validates the history and assembles the chat request shared
// by Complete and Stream.
func (o *Client) buildRequest(in *llm.CompletionRequest, stream bool) (*api.ChatRequest, error) {
	if err := proto.ValidateHistory(in.Messages); err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("history validation failed: %v", err))
	}

	messages, err := buildMessages(in)
	if err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion failed: %v", err))
	}
	if len(messages) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	if len(in.Tools) > 0 {
		req.Tools = convertToolsToOllama(in.Tools)
	}

	return req, nil
}

// buildMessages converts the typed history into Ollama's message format. The
// system prompt and working directory ride as a leading system message; tool
// results become messages with role "tool".
func buildMessages(in *llm.CompletionRequest) ([]api.Message, error) {
	messages := make([]api.Message, 0, len(in.Messages)+1)

	systemText := in.SystemPrompt
	if in.WorkingDir != "" {
		if systemText != "" {
			systemText += "\n\n"
		}
		systemText += "Working directory: " + in.WorkingDir
	}
	if systemText != "" {
		messages = append(messages, api.Message{Role: "system", Content: systemText})
	}

	for i := range in.Messages {
		msg := &in.Messages[i]

		switch msg.Kind {
		case proto.KindUserText:
			messages = append(messages, api.Message{Role: "user", Content: msg.Text})

		case proto.KindAssistantText:
			messages = append(messages, api.Message{Role: "assistant", Content: msg.Text})

		case proto.KindToolRequest:
			toolCalls := make([]api.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				args := api.NewToolCallFunctionArguments()
				for k, v := range call.Args {
					args.Set(k, v)
				}
				toolCalls[j] = api.ToolCall{
					ID: call.ID,
					Function: api.ToolCallFunction{
						Name:      call.Name,
						Arguments: args,
					},
				}
			}
			messages = append(messages, api.Message{Role: "assistant", ToolCalls: toolCalls})

		case proto.KindToolResult:
			messages = append(messages, api.Message{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.CallID,
			})

		default:
			return nil, fmt.Errorf("unsupported message kind %q at index %d", msg.Kind, i)
		}
	}

	return messages, nil
}

// convertToolsToOllama converts our tool definitions to Ollama's Tool format.
func convertToolsToOllama(toolDefs []tools.ToolDefinition) api.Tools {
	ollamaTools := make(api.Tools, len(toolDefs))

	for i := range toolDefs {
		td := &toolDefs[i]
		// Convert properties
		properties := make(map[string]api.ToolProperty)
		for name := range td.InputSchema.Properties {
			prop := td.InputSchema.Properties[name]
			properties[name] = convertPropertyToOllama(&prop)
		}

		ollamaTools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       td.InputSchema.Type,
					Properties: properties,
					Required:   td.InputSchema.Required,
				},
			},
		}
	}

	return ollamaTools
}

// convertPropertyToOllama converts a tool property to Ollama format.
func convertPropertyToOllama(prop *tools.Property) api.ToolProperty {
	ollamaProp := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}

	// Convert enum if present
	if len(prop.Enum) > 0 {
		enumVals := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enumVals[i] = v
		}
		ollamaProp.Enum = enumVals
	}

	// Handle array items
	if prop.Items != nil {
		ollamaProp.Items = convertPropertyToOllama(prop.Items)
	}

	return ollamaProp
}

// convertToolCallsFromOllama extracts tool calls from an Ollama response. The
// arguments round-trip through JSON so both map-backed and ordered argument
// encodings land in a plain map.
func convertToolCallsFromOllama(calls []api.ToolCall) ([]proto.ToolCall, error) {
	result := make([]proto.ToolCall, len(calls))

	for i := range calls {
		call := &calls[i]
		// Generate an ID if not provided
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}

		raw, err := json.Marshal(call.Function.Arguments)
		if err != nil {
			return nil, llmerrors.NewMalformedOutputError(err, fmt.Sprintf("tool arguments for %q do not encode as JSON", call.Function.Name))
		}
		var args map[string]any
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, llmerrors.NewMalformedOutputError(err, fmt.Sprintf("tool arguments for %q are not a JSON object", call.Function.Name))
		}

		result[i] = proto.ToolCall{
			ID:   id,
			Name: call.Function.Name,
			Args: args,
		}
	}

	return result, nil
}

// getStopReason converts Ollama's done_reason to our stop reason format.
func getStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}

	switch resp.DoneReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "":
		// If done but no reason, assume normal completion
		return "end_turn"
	default:
		return resp.DoneReason
	}
}

// classifyError converts Ollama errors to our error types.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled")
	}

	// The API client surfaces non-2xx responses as StatusError
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 401 || statusErr.StatusCode == 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, statusErr.StatusCode, "authentication failed")
		case statusErr.StatusCode == 404:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, statusErr.StatusCode, fmt.Sprintf("Ollama model not found: %v", err))
		case statusErr.StatusCode == 429:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, statusErr.StatusCode, "rate limit exceeded")
		case statusErr.StatusCode >= 500:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, statusErr.StatusCode, "Ollama server error")
		}
	}

	errStr := err.Error()

	// Check for common error patterns
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("Ollama server not reachable: %v", err))
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("Ollama model not found: %v", err))
	case strings.Contains(errStr, "context canceled"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("request canceled: %v", err))
	case strings.Contains(errStr, "timeout"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("request timeout: %v", err))
	default:
		return llmerrors.NewError(llmerrors.ErrorTypeUnknown, fmt.Sprintf("Ollama API error: %v", err))
	}
}
