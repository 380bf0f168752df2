// Package google provides Google Gemini client implementation for LLM interface.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"parley/pkg/agent/llm"
	"parley/pkg/agent/llmerrors"
	"parley/pkg/logx"
	"parley/pkg/proto"
	"parley/pkg/tools"
)

// GeminiClient wraps the Google GenAI client to implement llm.LLMClient interface.
type GeminiClient struct {
	client        *genai.Client
	logger        *logx.Logger
	apiKey        string
	model         string
	responseCache []*genai.Content // Cache all model responses with thought signatures
}

// NewGeminiClientWithModel creates a new Gemini client with specific model (raw client, middleware applied at higher level).
func NewGeminiClientWithModel(apiKey, model string) llm.LLMClient {
	// Note: Client creation requires context, so we'll defer it to Complete()
	// This matches the pattern of storing config here and creating client on-demand
	return &GeminiClient{
		client: nil, // Will be created on first use
		logger: logx.NewLogger("gemini"),
		apiKey: apiKey,
		model:  model,
	}
}

// ensureClient creates the underlying GenAI client on first use.
func (g *GeminiClient) ensureClient(ctx context.Context) error {
	if g.client != nil {
		return nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return nil
}

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := g.ensureClient(ctx); err != nil {
		return llm.CompletionResponse{}, err
	}

	if err := proto.ValidateHistory(in.Messages); err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("history validation failed: %v", err))
	}

	// Convert our messages to Gemini Content format.
	// Pass responseCache to preserve thought signatures for all model turns.
	contents, err := convertMessagesToGemini(in.Messages, g.responseCache)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	// Build generation config
	//nolint:gosec // MaxTokens validated at higher layer, overflow acceptable
	maxTokens := int32(in.MaxTokens)
	config := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: maxTokens,
	}

	// Add system instruction if present
	if systemText := buildSystemText(&in); systemText != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemText}},
		}
	}

	// Convert tools if provided
	if len(in.Tools) > 0 {
		toolDefs := convertToolsToGemini(in.Tools)
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: toolDefs},
		}

		// Mode AUTO leaves the choice between a text answer and a tool
		// call to the model. A turn is one or the other, never both.
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAuto,
			},
		}
	}

	// Call Gemini API
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		g.logger.Debug("Raw Gemini API error: %v", err)
		return llm.CompletionResponse{}, classifyError(err)
	}

	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response from Gemini API")
	}

	// Cache the model response with thought signatures for future turns
	if result.Candidates[0].Content != nil {
		g.responseCache = append(g.responseCache, result.Candidates[0].Content)
	}

	content := result.Text()
	toolCalls := convertFunctionCallsFromGemini(result.FunctionCalls())

	if content == "" && len(toolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Gemini response contained no text and no function calls")
	}

	// A turn is either text or tool calls. When the model sends prose
	// alongside function calls, the prose is dropped from the result.
	if len(toolCalls) > 0 && strings.TrimSpace(content) != "" {
		g.logger.Debug("Dropping %d chars of prose accompanying %d tool calls", len(content), len(toolCalls))
		content = ""
	}

	return llm.CompletionResponse{
		Content:    content,
		ToolCalls:  toolCalls,
		StopReason: getStopReason(result),
	}, nil
}

// Stream implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	// Complete-then-chunk; token streaming is not wired up yet.
	resp, err := g.Complete(ctx, in)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 2)
	if resp.Content != "" {
		ch <- llm.StreamChunk{Content: resp.Content}
	}
	ch <- llm.StreamChunk{Done: true}
	close(ch)

	return ch, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// buildSystemText assembles the system instruction from the request. The
// working directory rides along so the model knows where tools execute.
func buildSystemText(in *llm.CompletionRequest) string {
	systemText := in.SystemPrompt
	if in.WorkingDir != "" {
		if systemText != "" {
			systemText += "\n\n"
		}
		systemText += "Working directory: " + in.WorkingDir
	}
	return systemText
}

// convertMessagesToGemini converts the typed history into Gemini's Content
// format. responseCache contains cached Gemini responses with thought
// signatures; cached entries are replayed in place of rebuilding model turns
// so the signatures survive across turns.
func convertMessagesToGemini(messages []proto.Message, responseCache []*genai.Content) ([]*genai.Content, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	var contents []*genai.Content
	modelMsgIdx := 0 // Track which model turn we're processing

	// Gemini matches function responses by name, so map call IDs back to
	// the tool names from the requests that carried them.
	callNames := make(map[string]string)

	for i := range messages {
		msg := &messages[i]

		switch msg.Kind {
		case proto.KindUserText:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Text}},
			})

		case proto.KindAssistantText:
			// Gemini uses "model" instead of "assistant"
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: msg.Text}},
			})
			modelMsgIdx++

		case proto.KindToolRequest:
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				callNames[call.ID] = call.Name
			}

			// Replay the cached response when available to preserve
			// thought signatures.
			if modelMsgIdx < len(responseCache) {
				contents = append(contents, responseCache[modelMsgIdx])
				modelMsgIdx++
				continue
			}
			modelMsgIdx++

			parts := make([]*genai.Part, 0, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						Name: call.Name,
						Args: call.Args,
						ID:   call.ID,
					},
				})
			}
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: parts,
			})

		case proto.KindToolResult:
			// Fall back to the call ID, which carries the function name
			// when Gemini omitted IDs.
			name := callNames[msg.CallID]
			if name == "" {
				name = msg.CallID
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name: name,
						Response: map[string]interface{}{
							"content":  msg.Content,
							"is_error": msg.IsError,
						},
					},
				}},
			})

		default:
			return nil, fmt.Errorf("unsupported message kind %q at index %d", msg.Kind, i)
		}
	}

	return contents, nil
}

// convertToolsToGemini converts our tool definitions to Gemini's function declarations.
func convertToolsToGemini(toolDefs []tools.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(toolDefs))

	for i := range toolDefs {
		tool := &toolDefs[i]

		// Convert properties to Gemini schema format
		properties := make(map[string]*genai.Schema)
		//nolint:gocritic // rangeValCopy: Property size acceptable for this use case
		for propName, prop := range tool.InputSchema.Properties {
			properties[propName] = convertPropertyToGeminiSchema(&prop)
		}

		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   tool.InputSchema.Required,
			},
		}
	}

	return declarations
}

// convertPropertyToGeminiSchema recursively converts a Property to Gemini schema format.
func convertPropertyToGeminiSchema(prop *tools.Property) *genai.Schema {
	schema := &genai.Schema{
		Description: prop.Description,
	}

	// Convert type
	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = convertPropertyToGeminiSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
	default:
		// Default to string for unknown types
		schema.Type = genai.TypeString
	}

	// Add enum if present
	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}

	return schema
}

// convertFunctionCallsFromGemini converts Gemini function calls to our format.
func convertFunctionCallsFromGemini(calls []*genai.FunctionCall) []proto.ToolCall {
	if len(calls) == 0 {
		return nil
	}

	toolCalls := make([]proto.ToolCall, len(calls))

	for i := range calls {
		call := calls[i]
		// Gemini doesn't always provide function call IDs, so use the
		// function name as ID. This allows matching function responses
		// back to calls via the call ID.
		id := call.ID
		if id == "" {
			id = call.Name
		}
		toolCalls[i] = proto.ToolCall{
			ID:   id,
			Name: call.Name,
			Args: call.Args,
		}
	}

	return toolCalls
}

// getStopReason extracts the stop reason from Gemini response.
func getStopReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 {
		return "unknown"
	}

	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop:
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	case "":
		// If finished without a reason, assume normal completion
		return "end_turn"
	default:
		return string(result.Candidates[0].FinishReason)
	}
}

// classifyError maps Gemini errors to our structured error types. The GenAI
// SDK surfaces failures as formatted strings carrying the HTTP status and
// the gRPC-style status name, so classification matches on those.
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

	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "429") || strings.Contains(errStr, "RESOURCE_EXHAUSTED"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limit exceeded")
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "UNAUTHENTICATED") || strings.Contains(errStr, "PERMISSION_DENIED") ||
		strings.Contains(strings.ToLower(errStr), "api key"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication failed")
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "INVALID_ARGUMENT"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "bad request")
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "UNAVAILABLE") || strings.Contains(errStr, "DEADLINE_EXCEEDED") ||
		strings.Contains(errStr, "INTERNAL"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Gemini API unavailable")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Gemini API call failed")
	}
}
