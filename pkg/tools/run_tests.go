package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"parley/pkg/config"
	execpkg "parley/pkg/exec"
)

// RunTestsTool runs the project's configured test command.
type RunTestsTool struct {
	executor    execpkg.Executor
	workDir     string
	testCommand string
	timeout     time.Duration
	maxChars    int
}

// NewRunTestsTool creates a new run_tests tool.
func NewRunTestsTool(executor execpkg.Executor, workDir, testCommand string, timeout time.Duration, maxChars int) *RunTestsTool {
	if testCommand == "" {
		testCommand = config.DefaultTestCommand
	}
	if timeout <= 0 {
		timeout = config.DefaultShellTimeout
	}
	if maxChars <= 0 {
		maxChars = config.DefaultMaxOutputChars
	}
	if workDir == "" {
		workDir = "."
	}
	return &RunTestsTool{
		executor:    executor,
		workDir:     workDir,
		testCommand: testCommand,
		timeout:     timeout,
		maxChars:    maxChars,
	}
}

// Name returns the tool name.
func (t *RunTestsTool) Name() string {
	return ToolRunTests
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *RunTestsTool) PromptDocumentation() string {
	return `- **run_tests** - Run the project's test suite
  - Parameters: args (string, optional extra arguments appended to the test command)
  - Returns test output and the exit code; a zero exit code means the suite passed`
}

// Definition returns the tool definition for LLM.
func (t *RunTestsTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolRunTests,
		Description: "Run the project's test suite and return the results",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"args": {
					Type:        "string",
					Description: "Extra arguments appended to the configured test command (e.g., '-run TestName')",
				},
			},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *RunTestsTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	command := t.testCommand
	if extra, ok := args["args"].(string); ok && extra != "" {
		command = command + " " + extra
	}

	result, err := t.executor.Run(ctx, []string{"sh", "-c", command}, &execpkg.Opts{
		WorkDir: t.workDir,
		Timeout: t.timeout,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to run tests: %v", err))
	}

	// Test failures show up as a non-zero exit code with the failure detail in
	// the output, so keep both streams in the payload either way.
	output := result.Stdout
	if result.Stderr != "" {
		output = strings.TrimRight(output, "\n") + "\n" + result.Stderr
	}

	return jsonResult(map[string]any{
		"success":          result.ExitCode == 0,
		"command":          command,
		"exit_code":        result.ExitCode,
		"output":           truncateOutput(output, t.maxChars),
		"duration_seconds": result.Duration.Seconds(),
	})
}
