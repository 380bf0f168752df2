// Package config provides configuration loading, validation, and management for parley.
//
// KEY PRINCIPLES:
//
//  1. SEPARATION OF CONCERNS:
//     - Project Config: Per-project settings (model, tools, store) saved to .parley/config.yaml
//     - Constants: Hardcoded parameters that users should not modify
//     - State: Conversation history and checkpoints belong in the DATABASE, never in config
//
//  2. SCHEMA VERSIONING: All config changes MUST increment SchemaVersion to prevent breaking
//     changes to existing installations.
//
//  3. GLOBAL SINGLETON: A single global Config instance is maintained in memory, protected by
//     mutex for thread safety.
//
//  4. VALUE-BASED ACCESS: GetConfig() returns the config BY VALUE (copy, not reference) to
//     prevent external mutation. All updates MUST go through the Update* functions.
//
//  5. VALIDATION FIRST: All config updates are validated before persistence. Invalid configs
//     are rejected to maintain system integrity.
//
// USAGE PATTERNS:
//
//	// Load config from file (usually done once at startup)
//	err := config.LoadConfig(projectDir)
//
//	// Access config (always by value)
//	cfg, err := config.GetConfig()
//
//	// Update model config atomically with validation
//	err := config.UpdateModel(&newModelConfig)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"parley/pkg/logx"
)

// Global config instance with mutex protection.
// projectDir is set once during LoadConfig and never changes - it defines where all
// parley files are stored relative to the project root.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string       // Immutable after LoadConfig - set once at startup
	logger     *logx.Logger // Package logger for config operations
	mu         sync.RWMutex
)

// getLogger returns the config logger, initializing it if needed.
func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// LogInfo logs an info message using the config logger.
// This is exposed for other packages (like main) to use consistent logging.
func LogInfo(format string, args ...interface{}) {
	getLogger().Info(format, args...)
}

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common models.
// This is optional - unknown models will be inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Claude models (Anthropic)
	"claude-3-7-sonnet-latest": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-3-7-sonnet-20250219": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},

	// OpenAI GPT models
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o3-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"o3": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},

	// Google Gemini models
	"gemini-2.0-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.10,
		OutputCPM:        0.40,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  8192,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
// Allows using new models without code changes.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	// Ollama models - common open-source model prefixes
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
// Returns error if model cannot be mapped to a provider (FATAL).
func GetModelProvider(modelName string) (string, error) {
	// Check known models first
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	// Try pattern matching for unknown models
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	// FATAL: Cannot proceed without valid provider
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or a default info with inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	// Check known models first
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	// Try to infer provider for unknown models
	provider := ""
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			provider = ProviderPatterns[i].Provider
			break
		}
	}

	// Return default info with inferred provider (or empty if no pattern matched)
	// Use conservative defaults for unknown models
	return ModelInfo{
		Provider:         provider,
		InputCPM:         0.0,   // No cost tracking for unknown models
		OutputCPM:        0.0,   // No cost tracking for unknown models
		MaxContextTokens: 32000, // Conservative default
		MaxOutputTokens:  4096,  // Conservative default
	}, false
}

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `yaml:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `yaml:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `yaml:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `yaml:"jitter"`         // Add random jitter to prevent thundering herd
}

// ResilienceConfig bundles resilience-related middleware configuration.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry"`   // Retry policy settings
	Timeout time.Duration `yaml:"timeout"` // Per-request timeout
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`        // Whether metrics collection is enabled
	Addr      string `yaml:"addr,omitempty"` // Listen address for the Prometheus endpoint ("" = no HTTP exposure)
	Namespace string `yaml:"namespace"`      // Metrics namespace for grouping
}

// DebugConfig defines configuration for debug logging.
type DebugConfig struct {
	LLMMessages bool `yaml:"llm_messages"` // Enable debug logging for LLM message formatting (default: false)
}

// ModelConfig defines which model to use and per-request parameters.
type ModelConfig struct {
	Name              string  `yaml:"name"`                    // Model name (mapped to provider via KnownModels)
	MaxTokens         int     `yaml:"max_tokens"`              // Reply token budget per request
	Temperature       float64 `yaml:"temperature"`             // Sampling temperature
	MaxToolIterations int     `yaml:"max_tool_iterations"`     // Tool round trips per user turn before forcing a reply
	ContextWarnRatio  float64 `yaml:"context_warn_ratio"`      // Warn when history exceeds this share of the context window
	SystemPrompt      string  `yaml:"system_prompt,omitempty"` // Override for the built-in system prompt
}

// ToolsConfig defines tool execution settings.
type ToolsConfig struct {
	Enabled        []string      `yaml:"enabled,omitempty"` // Tool allowlist (nil = all registered tools)
	ShellTimeout   time.Duration `yaml:"shell_timeout"`     // Timeout for shell-backed tools
	TestCommand    string        `yaml:"test_command"`      // Command run by the run_tests tool
	MaxOutputChars int           `yaml:"max_output_chars"`  // Tool output truncation limit
}

// StoreConfig defines checkpoint store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // Database path, relative paths resolve against the project dir
}

// LogsConfig contains event log file management configuration.
type LogsConfig struct {
	RotationCount int `yaml:"rotation_count"` // Number of old log files to keep (default: 4)
}

// All constants bundled together for easy maintenance.
const (
	// Shutdown and retry behavior.
	GracefulShutdownTimeoutSec = 30  // How long to wait for graceful shutdown before force-kill
	MaxRetryAttempts           = 3   // Maximum number of retry attempts for failed operations
	RetryBackoffMultiplier     = 2.0 // Exponential backoff multiplier for retries

	// Model name constants.
	ModelClaudeSonnet37       = "claude-3-7-sonnet-20250219"
	ModelClaudeSonnet37Latest = "claude-3-7-sonnet-latest"
	ModelClaudeSonnet4        = "claude-sonnet-4-5"
	ModelClaudeOpus41         = "claude-opus-4-1"
	ModelGPT4o                = "gpt-4o"
	ModelOpenAIO3             = "o3"
	ModelOpenAIO3Mini         = "o3-mini"
	ModelGemini2Flash         = "gemini-2.0-flash"
	ModelGemini25Flash        = "gemini-2.5-flash"
	DefaultModel              = ModelClaudeSonnet37Latest

	// Model request defaults.
	DefaultMaxTokens         = 4096
	DefaultTemperature       = 0.3
	DefaultMaxToolIterations = 10
	DefaultContextWarnRatio  = 0.8

	// Tool execution defaults.
	DefaultTestCommand    = "go test ./..."
	DefaultMaxOutputChars = 16384

	// Session constants.
	DefaultSessionName = "default"

	// Project config constants.
	ProjectConfigFilename = "config.yaml"
	ProjectConfigDir      = ".parley"
	DatabaseFilename      = "checkpoints.db"
	LogsDirName           = "logs"
	SchemaVersion         = "1.0"

	// Provider constants.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	// API key environment variable names.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	// Runtime override environment variables.
	EnvModelOverride    = "PARLEY_MODEL"
	EnvPasswordOverride = "PARLEY_PASSWORD"
)

// DefaultShellTimeout is the default timeout for shell-backed tools.
const DefaultShellTimeout = 2 * time.Minute

// Config represents the main configuration for parley.
//
// IMPORTANT: This structure contains only user-configurable project settings.
// Model pricing and provider mappings are hardcoded in KnownModels and ProviderPatterns.
//
// Schema versioning prevents breaking changes - increment SchemaVersion for any structural changes.
type Config struct {
	SchemaVersion string `yaml:"schema_version"` // MUST increment for breaking changes

	// === PROJECT-SPECIFIC SETTINGS (per .parley/config.yaml) ===
	Model      *ModelConfig      `yaml:"model"`      // Which model to use and request parameters
	Tools      *ToolsConfig      `yaml:"tools"`      // Tool execution settings
	Store      *StoreConfig      `yaml:"store"`      // Checkpoint store settings
	Resilience *ResilienceConfig `yaml:"resilience"` // Retry and timeout settings
	Metrics    *MetricsConfig    `yaml:"metrics"`    // Metrics collection configuration
	Logs       *LogsConfig       `yaml:"logs"`       // Event log file management settings
	Debug      *DebugConfig      `yaml:"debug"`      // Debug settings

	// === RUNTIME-ONLY STATE (NOT PERSISTED) ===
	SessionID string `yaml:"-"` // Session name selected at startup (--session flag)
	WorkDir   string `yaml:"-"` // Working directory advertised to the model
}

// envVarRegex matches ${VAR} placeholders in the raw config text.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// GetProjectParleyDir returns the path to the .parley directory containing all parley files.
// Must call LoadConfig first to initialize projectDir.
func GetProjectParleyDir() (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		return "", fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return filepath.Join(projectDir, ProjectConfigDir), nil
}

// GetProjectDir returns the current project directory.
// Must call LoadConfig first to initialize projectDir.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// MustGetProjectDir returns the current project directory or panics if not initialized.
// Use this only in code paths where LoadConfig is guaranteed to have been called.
func MustGetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		panic("config not initialized - call LoadConfig first")
	}
	return projectDir
}

// GetDatabasePath returns the absolute path of the checkpoint database.
// Relative store paths resolve against the project directory.
func GetDatabasePath() (string, error) {
	cfg, err := GetConfig()
	if err != nil {
		return "", err
	}

	path := DatabaseFilename
	if cfg.Store != nil && cfg.Store.Path != "" {
		path = cfg.Store.Path
	}
	if filepath.IsAbs(path) {
		return path, nil
	}

	dir, err := GetProjectParleyDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path), nil
}

// GetLogsDir returns the directory for event log files.
func GetLogsDir() (string, error) {
	dir, err := GetProjectParleyDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogsDirName), nil
}

// GetDebugLLMMessages returns whether debug logging for LLM message formatting is enabled.
// Returns false by default if config is not loaded or debug is not configured.
func GetDebugLLMMessages() bool {
	cfg, err := GetConfig()
	if err != nil {
		return false // Fallback to disabled if config not loaded
	}

	if cfg.Debug != nil {
		return cfg.Debug.LLMMessages
	}

	return false
}

// GetConfig returns the current global config BY VALUE (copy, not reference).
// This prevents external mutation - all updates must go through Update* functions.
// Must call LoadConfig first to initialize the global config.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	// Return by value (copy) to prevent external mutation
	return *config, nil
}

// SetConfigForTesting sets the global config for testing purposes.
// Pass nil to reset. This bypasses normal initialization and should only be used in tests.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// SetProjectDirForTesting sets the project directory for testing purposes.
func SetProjectDirForTesting(dir string) {
	mu.Lock()
	defer mu.Unlock()
	projectDir = dir
}

// LoadConfig loads the entire configuration from <projectDir>/.parley/config.yaml into
// the global singleton.
//
// Behavior:
// - Missing file: Creates new config with defaults and saves it
// - Existing file: Loads and validates, applying defaults for missing fields
// - Unparseable file: Returns error to avoid overwriting user changes
//
// This should typically be called once at application startup.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	// Store project directory - immutable after this point
	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Missing file - create new config with defaults
		getLogger().Info("📝 Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()

		applyEnvOverrides(config)
		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}

		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		getLogger().Info("✅ New config file created and validated")
		return nil
	}

	// File exists - try to load it
	getLogger().Info("📝 Loading config from %s", configPath)
	loadedConfig, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	// Apply defaults for missing fields and env overrides
	applyDefaults(loadedConfig)
	applyEnvOverrides(loadedConfig)
	if err := validateConfig(loadedConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	config = loadedConfig

	// Save config back to disk with applied defaults (ensures old configs get updated)
	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}

	getLogger().Info("✅ Config loaded and validated successfully")
	return nil
}

// UpdateModel updates the model configuration and persists to disk.
func UpdateModel(model *ModelConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	// Validate model config by temporarily setting it and testing the provider mapping
	oldModel := config.Model
	config.Model = model

	if _, err := GetModelProvider(model.Name); err != nil {
		config.Model = oldModel // Restore old config
		return fmt.Errorf("invalid model: %w", err)
	}

	// Validation passed, keep the new config (already set above)
	return saveConfigLocked()
}

// UpdateTools updates the tool configuration and persists to disk.
func UpdateTools(tools *ToolsConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	config.Tools = tools
	if config.Tools.ShellTimeout == 0 {
		config.Tools.ShellTimeout = DefaultShellTimeout
	}
	if config.Tools.TestCommand == "" {
		config.Tools.TestCommand = DefaultTestCommand
	}
	if config.Tools.MaxOutputChars == 0 {
		config.Tools.MaxOutputChars = DefaultMaxOutputChars
	}
	return saveConfigLocked()
}

// SetSessionID records the session selected for this process run.
// Runtime-only state, never persisted to the config file.
func SetSessionID(sessionID string) {
	mu.Lock()
	defer mu.Unlock()
	if config != nil {
		config.SessionID = sessionID
	}
}

// SetWorkDir records the working directory advertised to the model.
// Runtime-only state, never persisted to the config file.
func SetWorkDir(workDir string) {
	mu.Lock()
	defer mu.Unlock()
	if config != nil {
		config.WorkDir = workDir
	}
}

// loadConfigFromFile loads a config file, substitutes ${VAR} placeholders
// from the environment, and parses YAML.
func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Replace environment variable placeholders.
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1] // Remove ${ and }
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match // Return original if env var not found
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(dataStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML %s: %w", configPath, err)
	}

	return &cfg, nil
}

// createDefaultConfig creates a new config with sensible defaults.
func createDefaultConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,

		Model: &ModelConfig{
			Name:              DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			Temperature:       DefaultTemperature,
			MaxToolIterations: DefaultMaxToolIterations,
			ContextWarnRatio:  DefaultContextWarnRatio,
		},
		Tools: &ToolsConfig{
			ShellTimeout:   DefaultShellTimeout,
			TestCommand:    DefaultTestCommand,
			MaxOutputChars: DefaultMaxOutputChars,
		},
		Store: &StoreConfig{
			Path: DatabaseFilename,
		},
		Resilience: &ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts:   3,
				InitialDelay:  100 * time.Millisecond,
				MaxDelay:      10 * time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
			Timeout: 3 * time.Minute,
		},
		Metrics: &MetricsConfig{
			Enabled:   true,
			Addr:      "", // No HTTP exposure by default, snapshot on shutdown only
			Namespace: "parley",
		},
		Logs: &LogsConfig{
			RotationCount: 4, // Keep last 4 log files
		},
		Debug: &DebugConfig{
			LLMMessages: false, // Disabled by default
		},
	}
}

// saveConfigLocked saves config to disk using the stored project directory.
// Must be called with mutex locked.
func saveConfigLocked() error {
	if projectDir == "" {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	// Create directory if needed
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(config *Config) {
	// Initialize sections if nil
	if config.Model == nil {
		config.Model = &ModelConfig{}
	}
	if config.Tools == nil {
		config.Tools = &ToolsConfig{}
	}
	if config.Store == nil {
		config.Store = &StoreConfig{}
	}
	if config.Resilience == nil {
		config.Resilience = &ResilienceConfig{}
	}
	if config.Metrics == nil {
		config.Metrics = &MetricsConfig{}
	}
	if config.Logs == nil {
		config.Logs = &LogsConfig{}
	}
	if config.Debug == nil {
		config.Debug = &DebugConfig{}
	}

	// Apply model defaults
	if config.Model.Name == "" {
		config.Model.Name = DefaultModel
	}
	if config.Model.MaxTokens == 0 {
		config.Model.MaxTokens = DefaultMaxTokens
	}
	if config.Model.Temperature == 0 {
		config.Model.Temperature = DefaultTemperature
	}
	if config.Model.MaxToolIterations == 0 {
		config.Model.MaxToolIterations = DefaultMaxToolIterations
	}
	if config.Model.ContextWarnRatio == 0 {
		config.Model.ContextWarnRatio = DefaultContextWarnRatio
	}

	// Apply tool defaults
	if config.Tools.ShellTimeout == 0 {
		config.Tools.ShellTimeout = DefaultShellTimeout
	}
	if config.Tools.TestCommand == "" {
		config.Tools.TestCommand = DefaultTestCommand
	}
	if config.Tools.MaxOutputChars == 0 {
		config.Tools.MaxOutputChars = DefaultMaxOutputChars
	}

	// Apply store defaults
	if config.Store.Path == "" {
		config.Store.Path = DatabaseFilename
	}

	// Apply resilience defaults
	if config.Resilience.Retry.MaxAttempts == 0 {
		config.Resilience.Retry.MaxAttempts = 3
	}
	if config.Resilience.Retry.InitialDelay == 0 {
		config.Resilience.Retry.InitialDelay = 100 * time.Millisecond
	}
	if config.Resilience.Retry.MaxDelay == 0 {
		config.Resilience.Retry.MaxDelay = 10 * time.Second
	}
	if config.Resilience.Retry.BackoffFactor == 0 {
		config.Resilience.Retry.BackoffFactor = 2.0
	}
	if config.Resilience.Timeout == 0 {
		config.Resilience.Timeout = 3 * time.Minute
	}

	// Apply metrics defaults
	if config.Metrics.Namespace == "" {
		config.Metrics.Namespace = "parley"
	}

	// Apply logs defaults
	if config.Logs.RotationCount == 0 {
		config.Logs.RotationCount = 4
	}
}

// applyEnvOverrides applies runtime environment overrides on top of file values.
func applyEnvOverrides(config *Config) {
	if model := os.Getenv(EnvModelOverride); model != "" {
		config.Model.Name = model
	}
}

// validateConfig validates the complete configuration.
func validateConfig(config *Config) error {
	if config.SchemaVersion == "" {
		config.SchemaVersion = SchemaVersion
	}

	if config.Model == nil {
		return fmt.Errorf("model configuration missing")
	}

	// Validate the model can be mapped to a provider
	if _, err := GetModelProvider(config.Model.Name); err != nil {
		return fmt.Errorf("model '%s': %w", config.Model.Name, err)
	}

	if config.Model.MaxTokens <= 0 {
		return fmt.Errorf("model max_tokens must be positive, got %d", config.Model.MaxTokens)
	}
	if config.Model.Temperature < 0 || config.Model.Temperature > 2 {
		return fmt.Errorf("model temperature must be in [0, 2], got %g", config.Model.Temperature)
	}
	if config.Model.MaxToolIterations <= 0 {
		return fmt.Errorf("model max_tool_iterations must be positive, got %d", config.Model.MaxToolIterations)
	}
	if config.Model.ContextWarnRatio <= 0 || config.Model.ContextWarnRatio > 1 {
		return fmt.Errorf("model context_warn_ratio must be in (0, 1], got %g", config.Model.ContextWarnRatio)
	}

	if config.Store == nil || config.Store.Path == "" {
		return fmt.Errorf("store path must not be empty")
	}

	if config.Resilience != nil {
		if config.Resilience.Retry.MaxAttempts <= 0 {
			return fmt.Errorf("retry max_attempts must be positive, got %d", config.Resilience.Retry.MaxAttempts)
		}
		if config.Resilience.Retry.BackoffFactor < 1 {
			return fmt.Errorf("retry backoff_factor must be >= 1, got %g", config.Resilience.Retry.BackoffFactor)
		}
	}

	return nil
}
