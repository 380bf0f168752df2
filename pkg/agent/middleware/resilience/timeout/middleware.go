// Package timeout provides timeout middleware for LLM clients.
package timeout

import (
	"context"
	"time"

	"parley/pkg/agent/llm"
)

// Middleware returns a middleware function that wraps an LLM client with per-request timeout logic.
// Each request gets a timeout context to prevent hanging requests.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with timeout
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				return next.Complete(timeoutCtx, req)
			},
			// Stream implementation with timeout. The stream outlives this
			// call, so the timeout context must too; it is released once the
			// source channel closes.
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)

				ch, err := next.Stream(timeoutCtx, req)
				if err != nil {
					cancel()
					return nil, err
				}

				out := make(chan llm.StreamChunk)
				go func() {
					defer cancel()
					defer close(out)
					for chunk := range ch {
						out <- chunk
					}
				}()
				return out, nil
			},
			// Delegate GetModelName to the next client
			func() string {
				return next.GetModelName()
			},
		)
	}
}
