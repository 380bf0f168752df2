// Package metrics provides metrics middleware for LLM clients.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"parley/pkg/agent/llm"
	"parley/pkg/agent/llmerrors"
	"parley/pkg/config"
	"parley/pkg/logx"
	"parley/pkg/proto"
	"parley/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor is a function that extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor provides a default implementation using TikToken for token counting.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	// Count prompt tokens from the system prompt plus the flattened history
	promptText := req.SystemPrompt + "\n"
	for i := range req.Messages {
		promptText += flattenMessage(&req.Messages[i]) + "\n"
	}
	promptTokens = utils.CountTokensSimple(promptText)

	// Count completion tokens from response text plus any requested tool calls
	completionText := resp.Content
	for i := range resp.ToolCalls {
		completionText += "\n" + fmt.Sprintf("%s %v", resp.ToolCalls[i].Name, resp.ToolCalls[i].Args)
	}
	completionTokens = utils.CountTokensSimple(completionText)

	return promptTokens, completionTokens
}

// flattenMessage renders one typed history message as plain text for token counting.
func flattenMessage(msg *proto.Message) string {
	switch msg.Kind {
	case proto.KindToolRequest:
		parts := make([]string, len(msg.ToolCalls))
		for i := range msg.ToolCalls {
			parts[i] = fmt.Sprintf("%s %v", msg.ToolCalls[i].Name, msg.ToolCalls[i].Args)
		}
		return strings.Join(parts, "\n")
	case proto.KindToolResult:
		return msg.Content
	case proto.KindUserText, proto.KindAssistantText:
		return msg.Text
	default:
		return msg.Text
	}
}

// computeCost prices a request from the KnownModels registry. Unknown models cost zero.
func computeCost(model string, promptTokens, completionTokens int) float64 {
	info, ok := config.GetModelInfo(model)
	if !ok {
		return 0
	}
	const tokensPerMillion = 1_000_000
	return float64(promptTokens)*info.InputCPM/tokensPerMillion +
		float64(completionTokens)*info.OutputCPM/tokensPerMillion
}

// Middleware returns a middleware function that records metrics for LLM operations.
// It tracks request latency, token usage, cost, success/failure rates, and error types.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, stateProvider StateProvider, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()

				model := next.GetModelName()

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				// Extract token usage
				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}

				// Determine error type
				errorType := ""
				if err != nil {
					errorType = getErrorType(err)
				}

				cost := computeCost(model, promptTokens, completionTokens)

				// Get current session state for metrics
				sessionID := stateProvider.GetSessionID()
				phase := string(stateProvider.GetCurrentPhase())

				// Record metrics
				recorder.ObserveRequest(
					model,
					sessionID,
					phase,
					promptTokens,
					completionTokens,
					cost,
					err == nil,
					errorType,
					duration,
				)

				// Debug logging for token usage
				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					totalTokens := promptTokens + completionTokens
					logger.Info("🎯 LLM Request: model=%s session=%s phase=%s tokens=%d+%d=%d cost=$%.4f status=%s duration=%dms",
						model, sessionID, phase, promptTokens, completionTokens, totalTokens, cost, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Stream implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()

				model := next.GetModelName()

				ch, err := next.Stream(ctx, req)
				duration := time.Since(start)

				// For streaming, we only track the initial setup time and success/failure
				// Token counting for streams would require consuming the entire stream
				errorType := ""
				if err != nil {
					errorType = getErrorType(err)
				}

				// Get current session state for metrics
				sessionID := stateProvider.GetSessionID()
				phase := string(stateProvider.GetCurrentPhase())

				// Record metrics (no token counts for streaming)
				recorder.ObserveRequest(
					model,
					sessionID,
					phase,
					0, // No prompt token count for streaming
					0, // No completion token count for streaming
					0, // No cost without token counts
					err == nil,
					errorType,
					duration,
				)

				// Debug logging for stream requests
				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("🎯 LLM Stream: model=%s session=%s phase=%s tokens=streaming status=%s duration=%dms",
						model, sessionID, phase, status, duration.Milliseconds())
				}

				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Delegate GetModelName to the next client
			func() string {
				return next.GetModelName()
			},
		)
	}
}

// getErrorType classifies errors for metrics labeling.
func getErrorType(err error) string {
	if err == nil {
		return ""
	}

	if t := llmerrors.TypeOf(err); t != llmerrors.ErrorTypeUnknown {
		return t.String()
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "circuit breaker is"):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}
