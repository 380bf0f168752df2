package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"parley/pkg/config"
	execpkg "parley/pkg/exec"
)

// ShellTool executes shell commands in the working tree.
type ShellTool struct {
	executor execpkg.Executor
	workDir  string
	timeout  time.Duration
	maxChars int
}

// NewShellTool creates a new shell tool.
func NewShellTool(executor execpkg.Executor, workDir string, timeout time.Duration, maxChars int) *ShellTool {
	if timeout <= 0 {
		timeout = config.DefaultShellTimeout
	}
	if maxChars <= 0 {
		maxChars = config.DefaultMaxOutputChars
	}
	if workDir == "" {
		workDir = "."
	}
	return &ShellTool{
		executor: executor,
		workDir:  workDir,
		timeout:  timeout,
		maxChars: maxChars,
	}
}

// Name returns the tool name.
func (t *ShellTool) Name() string {
	return ToolShell
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ShellTool) PromptDocumentation() string {
	return `- **shell** - Execute a shell command in the working tree
  - Parameters:
    - cmd (string, REQUIRED): command to run via sh -c
    - cwd (string, optional): subdirectory of the working tree to run in
  - Returns stdout, stderr, and the exit code
  - Long output is truncated`
}

// Definition returns the tool definition for LLM.
func (t *ShellTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolShell,
		Description: "Execute a shell command in the working tree and return its output and exit code",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"cmd": {
					Type:        "string",
					Description: "Shell command to execute (run via sh -c)",
				},
				"cwd": {
					Type:        "string",
					Description: "Relative subdirectory of the working tree to run the command in",
				},
			},
			Required: []string{"cmd"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ShellTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	cmdStr, ok := args["cmd"].(string)
	if !ok || cmdStr == "" {
		return nil, fmt.Errorf("cmd is required and must be a non-empty string")
	}

	runDir := t.workDir
	if cwd, ok := args["cwd"].(string); ok && cwd != "" {
		clean := filepath.Clean(cwd)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return errorResult(fmt.Sprintf("cwd must be a relative path inside the working tree: %s", cwd))
		}
		runDir = filepath.Join(t.workDir, clean)
	}

	result, err := t.executor.Run(ctx, []string{"sh", "-c", cmdStr}, &execpkg.Opts{
		WorkDir: runDir,
		Timeout: t.timeout,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("command execution failed: %v", err))
	}

	return jsonResult(map[string]any{
		"success":   result.ExitCode == 0,
		"cmd":       cmdStr,
		"cwd":       runDir,
		"exit_code": result.ExitCode,
		"stdout":    truncateOutput(result.Stdout, t.maxChars),
		"stderr":    truncateOutput(result.Stderr, t.maxChars),
	})
}
