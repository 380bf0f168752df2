// Package agent drives one conversation between a user, a model, and a
// tool registry.
//
// The package has the following structure:
//   - Machine runs the phase cycle (await input, await model, dispatch
//     tools) and commits a checkpoint at every transition
//   - llm holds the provider-neutral completion types and the
//     middleware chain; llmerrors the failure taxonomy the chain
//     classifies into
//   - middleware wraps every client with retry, circuit breaking,
//     timeouts, response validation, logging, and metrics
//   - LLMClientFactory assembles the configured provider behind the
//     full chain
//
// Provider implementations are kept private under internal/llmimpl.
package agent
