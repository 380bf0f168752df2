// Package logx provides leveled logging with env-controlled debug domains.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled log lines scoped to a name, usually a session ID
// or component name. Output goes to stderr so stdout stays clean for the
// conversation itself.
type Logger struct {
	name string
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Domains     map[string]bool // Which domains to enable debug for (nil = all)
	LogDir      string
	Enabled     bool
	FileLogging bool
}

var (
	//nolint:gochecknoglobals // Process-wide debug switches, set once from env
	debugConfig = &DebugConfig{}
	//nolint:gochecknoglobals
	debugMutex sync.RWMutex

	// logWriter overrides the stderr destination in tests. nil means stderr.
	//nolint:gochecknoglobals
	logWriter io.Writer
	//nolint:gochecknoglobals
	logWriterLock sync.Mutex
)

//nolint:gochecknoinits // Env var initialization must run before first log call
func init() {
	initDebugFromEnv()
}

// initDebugFromEnv initializes debug configuration from environment variables.
//
//	DEBUG=1                            # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=machine,llm  # Enable debug for selected domains
//	DEBUG=1 DEBUG_FILE=1               # Also write debug output to files
//	DEBUG=1 DEBUG_LOG_DIR=/tmp/logs    # Directory for debug files
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugConfig.LogDir == "" {
		debugConfig.LogDir = "logs"
	}

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if debugFile := os.Getenv("DEBUG_FILE"); debugFile == "1" || strings.EqualFold(debugFile, "true") {
		debugConfig.FileLogging = true
	}
	if debugLogDir := os.Getenv("DEBUG_LOG_DIR"); debugLogDir != "" {
		debugConfig.LogDir = debugLogDir
	}

	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

func NewLogger(name string) *Logger {
	return &Logger{name: name}
}

// SetDebugConfig configures global debug logging settings, overriding the
// environment-derived defaults. Used by the --debug flag.
func SetDebugConfig(enabled, fileLogging bool, logDir string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	debugConfig.FileLogging = fileLogging
	if logDir != "" {
		debugConfig.LogDir = logDir
	}

	if fileLogging && debugConfig.LogDir != "" {
		if err := os.MkdirAll(debugConfig.LogDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to create log directory %s: %v\n", debugConfig.LogDir, err)
		}
	}
}

// SetDebugDomains restricts debug output to the named domains.
// Passing nil enables all domains.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if domains == nil {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool, len(domains))
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a
// specific domain such as "machine", "llm", "tools", or "store".
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

func writeLine(line string) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	w := logWriter
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, line)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	writeLine(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.name, level, message))
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

type sessionIDKey struct{}

// WithSessionID stores a session ID in the context for debug attribution.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext returns the session ID stored by WithSessionID,
// or "system" when the context carries none.
func SessionIDFromContext(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(sessionIDKey{}).(string); ok && id != "" {
			return id
		}
	}
	return "system"
}

// Debug logs a debug message with domain filtering. The session ID is
// taken from the context when present.
//
//	logx.Debug(ctx, "machine", "phase %s -> %s", from, to)
//	logx.Debug(ctx, "llm", "model call with %d messages", n)
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	NewLogger(SessionIDFromContext(ctx)).log(LevelDebug, "[%s] %s", domain, fmt.Sprintf(format, args...))
}

// DebugToFile writes debug output to a file under the configured log
// directory in addition to stderr.
func (l *Logger) DebugToFile(filename, format string, args ...any) {
	debugMutex.RLock()
	enabled := debugConfig.Enabled
	fileLogging := debugConfig.FileLogging
	logDir := debugConfig.LogDir
	debugMutex.RUnlock()

	if !enabled {
		return
	}

	l.Debug(format, args...)

	if fileLogging {
		timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		message := fmt.Sprintf(format, args...)
		debugMsg := fmt.Sprintf("[%s] [%s] DEBUG: %s\n", timestamp, l.name, message)

		if err := os.MkdirAll(logDir, 0755); err != nil {
			return
		}
		filePath := filepath.Join(logDir, filename)
		if err := os.WriteFile(filePath, []byte(debugMsg), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write debug log to %s: %v\n", filePath, err)
		}
	}
}

func (l *Logger) GetName() string {
	return l.name
}

func (l *Logger) WithName(name string) *Logger {
	return &Logger{name: name}
}

//nolint:gochecknoglobals // Package-level convenience logger
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// Use this when you need both logging and error wrapping:
//
//	if err != nil { return logx.Wrap(err, "db connect") }.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
