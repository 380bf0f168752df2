// Package logging provides logging middleware for LLM clients.
package logging

import (
	"context"
	"fmt"
	"strings"

	"parley/pkg/agent/llm"
	"parley/pkg/agent/llmerrors"
	"parley/pkg/logx"
	"parley/pkg/proto"
	"parley/pkg/tools"
)

// EmptyResponseLoggingMiddleware returns a middleware function that logs comprehensive
// debugging information when empty responses are encountered, then passes the error through unchanged.
// This helps debug empty response issues across all phases without affecting behavior.
func EmptyResponseLoggingMiddleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with empty response logging
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)

				// If this is an empty response error, log comprehensive debugging info
				if err != nil && llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
					logEmptyResponseDebugInfo(req)
				}

				//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
				return resp, err
			},
			// Stream implementation - pass through unchanged (empty responses less common in streaming)
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

// logEmptyResponseDebugInfo logs comprehensive debugging information for empty LLM responses.
//
//nolint:gocritic // 80 bytes is reasonable for logging function
func logEmptyResponseDebugInfo(req llm.CompletionRequest) {
	logger := logx.NewLogger("llm-middleware") // Create logger for middleware

	logger.Error("🚨 EMPTY RESPONSE FROM LLM - DEBUGGING INFO:")

	// Log the complete history sent to LLM
	logger.Error("📝 Complete history sent to LLM:")
	logger.Error("================================================================================")

	for i := range req.Messages {
		msg := &req.Messages[i]
		// Limit extremely long messages but show substantial content
		content := renderMessage(msg)
		if len(content) > 10000 {
			content = content[:10000] + "\n\n[... message truncated after 10000 characters for log readability ...]"
		}
		logger.Error("Message [%d] Kind: %s, Content: %s", i, msg.Kind, content)
	}

	logger.Error("================================================================================")

	// Log request details
	logger.Error("🔍 Request Details:")
	logger.Error("  - Temperature: %v", req.Temperature)
	logger.Error("  - Max Tokens: %d", req.MaxTokens)
	logger.Error("  - Tools Count: %d", len(req.Tools))

	if len(req.Tools) > 0 {
		logger.Error("  - Available Tools: %s", strings.Join(getToolNames(req.Tools), ", "))
	}

	logger.Error("🚨 END EMPTY RESPONSE DEBUG")
}

// renderMessage flattens one history message into a loggable string.
func renderMessage(msg *proto.Message) string {
	switch msg.Kind {
	case proto.KindToolRequest:
		parts := make([]string, len(msg.ToolCalls))
		for i := range msg.ToolCalls {
			parts[i] = fmt.Sprintf("%s(%v)", msg.ToolCalls[i].Name, msg.ToolCalls[i].Args)
		}
		return strings.Join(parts, "; ")
	case proto.KindToolResult:
		if msg.IsError {
			return fmt.Sprintf("[error for %s] %s", msg.CallID, msg.Content)
		}
		return fmt.Sprintf("[result for %s] %s", msg.CallID, msg.Content)
	case proto.KindUserText, proto.KindAssistantText:
		return msg.Text
	default:
		return msg.Text
	}
}

// getToolNames extracts tool names from tool definitions for logging.
func getToolNames(toolDefs []tools.ToolDefinition) []string {
	names := make([]string, len(toolDefs))
	for i := range toolDefs {
		names[i] = toolDefs[i].Name
	}
	return names
}
