// Package openaiofficial provides the OpenAI client implementation using the official OpenAI Go package.
package openaiofficial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"parley/pkg/agent/llm"
	"parley/pkg/agent/llmerrors"
	"parley/pkg/config"
	"parley/pkg/logx"
	"parley/pkg/proto"
	"parley/pkg/tools"
)

// OfficialClient wraps the official OpenAI Go client to implement llm.LLMClient interface.
//
//nolint:govet // Simple client struct, logical grouping preferred
type OfficialClient struct {
	client openai.Client
	model  string
	logger *logx.Logger
}

// NewOfficialClient creates a new OpenAI client using the official Go package (raw client, middleware applied at higher level).
func NewOfficialClient(apiKey string) llm.LLMClient {
	return NewOfficialClientWithModel(apiKey, config.ModelGPT4o)
}

// NewOfficialClientWithModel creates a new OpenAI client with specific model using the official package (raw client, middleware applied at higher level).
func NewOfficialClientWithModel(apiKey, model string) llm.LLMClient {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OfficialClient{
		client: client,
		model:  model,
		logger: logx.NewLogger("openai"),
	}
}

// convertPropertyToSchema recursively converts a Property to OpenAI schema format.
func convertPropertyToSchema(prop *tools.Property) map[string]interface{} {
	schema := map[string]interface{}{
		"type":        prop.Type,
		"description": prop.Description,
	}

	// Add enum if present
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}

	// Handle array items recursively
	if prop.Type == "array" && prop.Items != nil {
		schema["items"] = convertPropertyToSchema(prop.Items)
	}

	return schema
}

// buildMessages converts the typed history into chat completion params. The
// system prompt and working directory ride as a leading system message; tool
// requests become assistant tool_calls and tool results become tool messages.
func buildMessages(in *llm.CompletionRequest) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(in.Messages)+1)

	systemText := in.SystemPrompt
	if in.WorkingDir != "" {
		if systemText != "" {
			systemText += "\n\n"
		}
		systemText += "Working directory: " + in.WorkingDir
	}
	if systemText != "" {
		messages = append(messages, openai.SystemMessage(systemText))
	}

	for i := range in.Messages {
		msg := &in.Messages[i]

		switch msg.Kind {
		case proto.KindUserText:
			messages = append(messages, openai.UserMessage(msg.Text))

		case proto.KindAssistantText:
			messages = append(messages, openai.AssistantMessage(msg.Text))

		case proto.KindToolRequest:
			toolCalls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				args, err := json.Marshal(call.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to encode arguments for tool %q: %w", call.Name, err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Name,
							Arguments: string(args),
						},
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case proto.KindToolResult:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.CallID))

		default:
			return nil, fmt.Errorf("unsupported message kind %q at index %d", msg.Kind, i)
		}
	}

	return messages, nil
}

// buildParams assembles the shared request params for Complete and Stream.
func (o *OfficialClient) buildParams(in *llm.CompletionRequest) (openai.ChatCompletionNewParams, error) {
	if err := proto.ValidateHistory(in.Messages); err != nil {
		return openai.ChatCompletionNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("history validation failed: %v", err))
	}

	messages, err := buildMessages(in)
	if err != nil {
		return openai.ChatCompletionNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion failed: %v", err))
	}
	if len(messages) == 0 {
		return openai.ChatCompletionNewParams{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	// Cap MaxTokens to model's actual limit to prevent API errors
	maxTokens := in.MaxTokens
	if modelInfo, exists := config.KnownModels[o.model]; exists && modelInfo.MaxOutputTokens > 0 {
		if maxTokens > modelInfo.MaxOutputTokens {
			maxTokens = modelInfo.MaxOutputTokens
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}

	// o-series reasoning models pin temperature to 1 and reject the parameter.
	if !isReasoningModel(o.model) {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	if len(in.Tools) > 0 {
		toolParams := make([]openai.ChatCompletionToolUnionParam, len(in.Tools))
		for i := range in.Tools {
			tool := &in.Tools[i]
			properties := make(map[string]interface{})
			for name, prop := range tool.InputSchema.Properties {
				properties[name] = convertPropertyToSchema(&prop)
			}

			toolParams[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters: openai.FunctionParameters(map[string]interface{}{
					"type":       "object",
					"properties": properties,
					"required":   tool.InputSchema.Required,
				}),
			})
		}
		params.Tools = toolParams
	}

	return params, nil
}

// isReasoningModel reports whether the model is an o-series reasoning model.
func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4")
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest is large but passing by value matches interface
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params, err := o.buildParams(&in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		o.logger.Debug("Raw OpenAI API error: %v", err)
		return llm.CompletionResponse{}, o.classifyError(err)
	}

	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response from OpenAI chat completion")
	}

	choice := &resp.Choices[0]
	content := choice.Message.Content

	var toolCalls []proto.ToolCall
	for i := range choice.Message.ToolCalls {
		tc := &choice.Message.ToolCalls[i]
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return llm.CompletionResponse{}, llmerrors.NewMalformedOutputError(err, fmt.Sprintf("tool arguments for %q are not a JSON object", tc.Function.Name))
			}
		}
		toolCalls = append(toolCalls, proto.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	// A turn is either text or tool calls. When the model sends prose
	// alongside tool_calls, the prose is dropped from the result.
	if len(toolCalls) > 0 && strings.TrimSpace(content) != "" {
		o.logger.Debug("Dropping %d chars of prose accompanying %d tool calls", len(content), len(toolCalls))
		content = ""
	}

	return llm.CompletionResponse{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: string(choice.FinishReason),
	}, nil
}

// Stream implements the llm.LLMClient interface with streaming support.
//
//nolint:gocritic // CompletionRequest is large but passing by value matches interface
func (o *OfficialClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	params, err := o.buildParams(&in)
	if err != nil {
		return nil, err
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)

	// Create output channel.
	ch := make(chan llm.StreamChunk)

	// Start goroutine to process stream.
	go func() {
		defer close(ch)
		defer func() {
			_ = stream.Close() // Ignore error in cleanup
		}()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				ch <- llm.StreamChunk{Content: chunk.Choices[0].Delta.Content}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- llm.StreamChunk{Error: o.classifyError(err)}
			return
		}
		ch <- llm.StreamChunk{Done: true}
	}()

	return ch, nil
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

// classifyError maps OpenAI SDK errors to our structured error types.
func (o *OfficialClient) classifyError(err error) *llmerrors.Error {
	if err == nil {
		return nil
	}

	// Check for context-related errors first
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request canceled")
	}

	// The SDK surfaces HTTP failures as *openai.Error with the status attached
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, apiErr.StatusCode, "authentication failed - check API key")
		case 403:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, apiErr.StatusCode, "permission denied - check API access")
		case 429:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeRateLimit, apiErr.StatusCode, "rate limit exceeded")
		case 400, 404, 422:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeBadPrompt, apiErr.StatusCode, "bad request - check prompt format and parameters")
		case 500, 502, 503, 504:
			return llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeTransient, apiErr.StatusCode, "server error")
		}
	}

	errStr := strings.ToLower(err.Error())

	// Check for common network and connection errors
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "reset") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network or connection error")
	}

	// Check for rate limiting text patterns
	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "quota") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	}

	// Check for authentication-related text patterns
	if strings.Contains(errStr, "auth") || strings.Contains(errStr, "api key") || strings.Contains(errStr, "unauthorized") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication error")
	}

	// Default to unknown error type
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified error")
}
