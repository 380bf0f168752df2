// Package agent implements the conversation state machine and the factory
// that assembles LLM clients with their middleware chains.
package agent

import (
	"fmt"
	"os"
	"strings"
	"time"

	"parley/pkg/agent/internal/llmimpl/anthropic"
	"parley/pkg/agent/internal/llmimpl/google"
	"parley/pkg/agent/internal/llmimpl/ollama"
	"parley/pkg/agent/internal/llmimpl/openaiofficial"
	"parley/pkg/agent/llm"
	"parley/pkg/agent/middleware/logging"
	"parley/pkg/agent/middleware/metrics"
	"parley/pkg/agent/middleware/resilience/circuit"
	"parley/pkg/agent/middleware/resilience/retry"
	"parley/pkg/agent/middleware/resilience/timeout"
	"parley/pkg/agent/middleware/validation"
	"parley/pkg/config"
	"parley/pkg/logx"
)

const (
	// defaultOllamaHost is used when OLLAMA_HOST is not set.
	defaultOllamaHost = "http://localhost:11434"

	// defaultRequestTimeout bounds a single model request when no
	// resilience section is configured.
	defaultRequestTimeout = 3 * time.Minute
)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
type LLMClientFactory struct {
	config          config.Config
	metricsRecorder metrics.Recorder
	circuitBreakers map[string]circuit.Breaker // per-provider circuit breakers
}

// NewLLMClientFactory creates a new LLM client factory with the given configuration.
func NewLLMClientFactory(cfg config.Config) (*LLMClientFactory, error) {
	// Select the metrics recorder. The in-memory recorder backs the
	// end-of-session summary; the Prometheus recorder is only worth its
	// registry when an endpoint address is configured to scrape it.
	var recorder metrics.Recorder
	switch {
	case cfg.Metrics == nil || !cfg.Metrics.Enabled:
		recorder = metrics.Nop()
	case cfg.Metrics.Addr != "":
		recorder = metrics.NewPrometheusRecorder()
	default:
		recorder = metrics.NewInternalRecorder()
	}

	// Create per-provider circuit breakers so one failing provider cannot
	// trip the others.
	circuitBreakers := make(map[string]circuit.Breaker)
	for _, provider := range []string{
		config.ProviderAnthropic,
		config.ProviderOpenAI,
		config.ProviderGoogle,
		config.ProviderOllama,
	} {
		circuitBreakers[provider] = circuit.New(circuit.DefaultConfig)
	}

	return &LLMClientFactory{
		config:          cfg,
		metricsRecorder: recorder,
		circuitBreakers: circuitBreakers,
	}, nil
}

// MetricsRecorder returns the recorder selected for this factory, for
// callers that summarize session metrics at shutdown.
func (f *LLMClientFactory) MetricsRecorder() metrics.Recorder {
	return f.metricsRecorder
}

// CreateClient creates an LLM client for the configured model with the
// resilience middleware chain. Metrics are not recorded without session
// context; prefer CreateClientWithContext inside a running conversation.
func (f *LLMClientFactory) CreateClient() (llm.LLMClient, error) {
	return f.createClientWithMiddleware(nil, nil)
}

// CreateClientWithContext creates an LLM client with a StateProvider and
// logger so per-request metrics carry the session ID and phase.
func (f *LLMClientFactory) CreateClientWithContext(stateProvider metrics.StateProvider, logger *logx.Logger) (llm.LLMClient, error) {
	if stateProvider == nil {
		return nil, fmt.Errorf("state provider is required for metrics context")
	}
	return f.createClientWithMiddleware(stateProvider, logger)
}

// createClientWithMiddleware creates a client with the full middleware chain.
func (f *LLMClientFactory) createClientWithMiddleware(stateProvider metrics.StateProvider, logger *logx.Logger) (llm.LLMClient, error) {
	modelName := f.modelName()

	// Determine the provider from the model name.
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	// Get the API key for this provider (decrypted secrets file first,
	// then environment). Ollama needs none.
	apiKey, err := config.GetAPIKeyForProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	var rawClient llm.LLMClient
	switch provider {
	case config.ProviderAnthropic:
		rawClient = anthropic.NewClaudeClientWithModel(apiKey, modelName)
	case config.ProviderOpenAI:
		rawClient = openaiofficial.NewOfficialClientWithModel(apiKey, modelName)
	case config.ProviderGoogle:
		rawClient = google.NewGeminiClientWithModel(apiKey, modelName)
	case config.ProviderOllama:
		rawClient = ollama.NewOllamaClientWithModel(ollamaHost(), strings.TrimPrefix(modelName, "ollama:"))
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	// Get the circuit breaker for this provider.
	circuitBreaker, exists := f.circuitBreakers[provider]
	if !exists {
		return nil, fmt.Errorf("no circuit breaker found for provider %s", provider)
	}

	// Create retry policy from the resilience section, falling back to
	// middleware defaults when the section is absent.
	retryConfig := retry.DefaultConfig
	requestTimeout := defaultRequestTimeout
	if res := f.config.Resilience; res != nil {
		retryConfig = retry.Config{
			MaxAttempts:   res.Retry.MaxAttempts,
			InitialDelay:  res.Retry.InitialDelay,
			MaxDelay:      res.Retry.MaxDelay,
			BackoffFactor: res.Retry.BackoffFactor,
			Jitter:        res.Retry.Jitter,
		}
		requestTimeout = res.Timeout
	}
	retryPolicy := retry.NewPolicy(retryConfig, nil) // Use default classifier

	// Build the middleware chain in the correct order:
	// Metrics -> CircuitBreaker -> Retry -> Validation -> Logging -> Timeout -> RawClient
	// Validation sits inside retry: an empty response is retryable, so the
	// escalated error re-enters the retry loop up to its attempt budget.
	middlewares := make([]llm.Middleware, 0, 6)
	if stateProvider != nil {
		middlewares = append(middlewares, metrics.Middleware(f.metricsRecorder, nil, stateProvider, logger))
	}
	middlewares = append(middlewares,
		circuit.Middleware(circuitBreaker),
		retry.Middleware(retryPolicy),
		validation.NewResponseValidator().Middleware(),
		logging.EmptyResponseLoggingMiddleware(),
		timeout.Middleware(requestTimeout),
	)

	return llm.Chain(rawClient, middlewares...), nil
}

// modelName resolves the configured model, falling back to the default.
func (f *LLMClientFactory) modelName() string {
	if f.config.Model != nil && f.config.Model.Name != "" {
		return f.config.Model.Name
	}
	return config.DefaultModel
}

// ollamaHost resolves the Ollama server address from the environment.
func ollamaHost() string {
	if host := os.Getenv(config.EnvOllamaHost); host != "" {
		return host
	}
	return defaultOllamaHost
}
