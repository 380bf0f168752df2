// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"fmt"
	"strings"

	"parley/pkg/agent/llm"
	"parley/pkg/agent/llmerrors"
	"parley/pkg/logx"
	"parley/pkg/proto"
)

// ResponseValidator enforces the completion contract: a usable response
// carries assistant text or tool calls, never both and never neither.
type ResponseValidator struct{}

// NewResponseValidator creates a validator for completion responses.
func NewResponseValidator() *ResponseValidator {
	return &ResponseValidator{}
}

// Middleware returns a middleware function that validates LLM responses and provides fallback guidance.
//
// For empty responses (retry pattern):
// - First occurrence: Adds guidance message to request, retries immediately
// - Second occurrence: Returns ErrorTypeEmptyResponse for the conversation loop to report
//
// A response carrying both text and tool calls is rejected as malformed output;
// providers normalize that shape before it gets here, so seeing one means the
// provider mapping is broken.
func (v *ResponseValidator) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with validation and retry with guidance
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				// Track empty response attempts (max 2: original + 1 retry with guidance)
				const maxEmptyAttempts = 2

				logger := logx.NewLogger("response-validator")

				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)

					// If there's a non-empty-response error, pass it through immediately
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
						return resp, err
					}

					if err == nil && isBothVariant(resp) {
						logger.Error("❌ MALFORMED RESPONSE: %d tool calls alongside %d chars of text", len(resp.ToolCalls), len(resp.Content))
						return llm.CompletionResponse{}, llmerrors.NewMalformedOutputError(nil,
							"response carries both assistant text and tool calls")
					}

					// Check if this response should be considered empty
					// (either from ErrorTypeEmptyResponse error or from our validation)
					isEmpty := err != nil || isEmptyResponse(resp)

					if !isEmpty {
						// Good response, return it
						return resp, nil
					}

					// Empty response detected - log details
					logEmptyResponseDetails(logger, attempt, resp, err)

					if attempt == 1 {
						// First attempt: add guidance and retry
						logger.Warn("🔄 AUTO-RETRY: Adding guidance message and retrying (attempt 1→2)")
						guidance := createGuidanceMessage(req)
						logger.Debug("🔄 Guidance message: %s", guidance)

						// Append guidance as an additional user message for the retry
						modifiedReq := req
						modifiedReq.Messages = append(modifiedReq.Messages, proto.NewUserText(guidance))

						req = modifiedReq
						continue
					}

					// Second attempt failed - report upward
					logger.Error("❌ AUTO-RETRY FAILED: Both attempts returned empty responses")
					break
				}

				// Both attempts failed - return ErrorTypeEmptyResponse
				emptyErr := llmerrors.NewError(
					llmerrors.ErrorTypeEmptyResponse,
					"received inadequate response after guidance: no meaningful content or tool usage",
				)
				return llm.CompletionResponse{}, emptyErr
			},
			// Stream implementation - pass through unchanged (validation less applicable to streaming)
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return next.Stream(ctx, req)
			},
			// Delegate GetModelName to the next client
			func() string {
				return next.GetModelName()
			},
		)
	}
}

// isEmptyResponse reports whether a response carries neither variant.
func isEmptyResponse(resp llm.CompletionResponse) bool {
	if len(resp.ToolCalls) > 0 {
		return false
	}
	return strings.TrimSpace(resp.Content) == ""
}

// isBothVariant reports whether a response carries both variants at once.
func isBothVariant(resp llm.CompletionResponse) bool {
	return len(resp.ToolCalls) > 0 && strings.TrimSpace(resp.Content) != ""
}

// createGuidanceMessage creates fallback guidance naming the available tools.
func createGuidanceMessage(req llm.CompletionRequest) string {
	if len(req.Tools) == 0 {
		return "Your previous response was empty. Please reply with a clear answer for the user."
	}

	names := make([]string, len(req.Tools))
	for i := range req.Tools {
		names[i] = req.Tools[i].Name
	}

	return fmt.Sprintf("Your previous response was empty. Reply with text for the user, or invoke one of the available tools (%s).",
		strings.Join(names, ", "))
}

// logEmptyResponseDetails logs why a response was considered empty.
func logEmptyResponseDetails(logger *logx.Logger, attempt int, resp llm.CompletionResponse, err error) {
	var emptyReason string
	switch {
	case err != nil:
		emptyReason = fmt.Sprintf("LLM client returned ErrorTypeEmptyResponse: %v", err)
	default:
		emptyReason = "Response has no content and no tool calls"
	}

	logger.Warn("⚠️ EMPTY RESPONSE DETECTED (attempt %d/%d): %s", attempt, 2, emptyReason)
	logger.Debug("📊 Response details: content_length=%d, tool_calls_count=%d",
		len(resp.Content), len(resp.ToolCalls))
}
