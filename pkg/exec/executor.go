// Package exec provides command execution abstractions for tool implementations.
// Tools run commands through the Executor interface so tests can substitute a
// fake and capture the exact command line.
package exec

import (
	"context"
	"time"
)

// ExecutorType represents the type of executor.
type ExecutorType string

// Executor type constants.
const (
	ExecutorTypeLocal ExecutorType = "local"
)

// Executor defines the interface for executing commands.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging/debugging.
	Name() ExecutorType

	// Available returns true if this executor can be used in the current environment.
	Available() bool
}

// Opts contains options for command execution.
type Opts struct {
	// Env contains environment variables (KEY=VALUE format), appended to the
	// inherited environment.
	Env []string

	// Timeout is the maximum duration for command execution. Zero means no
	// limit beyond the caller's context.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string
}

// Result contains the result of command execution.
type Result struct {
	// Stdout contains the standard output.
	Stdout string

	// Stderr contains the standard error output.
	Stderr string

	// ExecutorUsed indicates which executor was used (for debugging)
	ExecutorUsed string

	// Duration is how long the command took to execute.
	Duration time.Duration

	// ExitCode is the exit code of the command.
	ExitCode int
}

// DefaultExecOpts returns default execution options.
func DefaultExecOpts() Opts {
	return Opts{
		Timeout: 5 * time.Minute,
	}
}
