package tools

import (
	"context"
	"fmt"
	"strings"

	execpkg "parley/pkg/exec"
)

// ListFilesTool lists files in the working tree.
type ListFilesTool struct {
	executor   execpkg.Executor
	workDir    string
	maxResults int
}

// NewListFilesTool creates a new list_files tool.
func NewListFilesTool(executor execpkg.Executor, workDir string, maxResults int) *ListFilesTool {
	if maxResults <= 0 {
		maxResults = 1000 // Default: 1000 files
	}
	if workDir == "" {
		workDir = "."
	}
	return &ListFilesTool{
		executor:   executor,
		workDir:    workDir,
		maxResults: maxResults,
	}
}

// Name returns the tool name.
func (t *ListFilesTool) Name() string {
	return ToolListFiles
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ListFilesTool) PromptDocumentation() string {
	return `- **list_files** - List files in the working tree matching a pattern
  - Parameters: pattern (string, optional glob pattern, defaults to '*')
  - Use to explore what files exist before reading or editing them`
}

// Definition returns the tool definition for LLM.
func (t *ListFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles,
		Description: "List files in the working tree matching a pattern. Use this to explore what files exist.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {
					Type:        "string",
					Description: "File pattern to match (shell glob, e.g., '*.go', 'src/**/*.js'). Defaults to '*' (all files).",
				},
			},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ListFilesTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	pattern := "*"
	if p, ok := args["pattern"].(string); ok && p != "" {
		pattern = p
	}

	if strings.Contains(pattern, "'") {
		return errorResult(fmt.Sprintf("invalid pattern: %s", pattern))
	}

	// Use find with pattern matching, limit results.
	// Use -path instead of -name to support **/ patterns.
	cmd := []string{"sh", "-c", fmt.Sprintf(
		"cd '%s' && find . -type f -path './%s' 2>/dev/null | head -n %d",
		strings.ReplaceAll(t.workDir, "'", "'\"'\"'"), pattern, t.maxResults,
	)}

	result, err := t.executor.Run(ctx, cmd, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list files: %v", err))
	}
	if result.ExitCode != 0 {
		return errorResult(fmt.Sprintf("failed to list files: %s", result.Stderr))
	}

	// Parse output into file list
	output := strings.TrimSpace(result.Stdout)
	files := []string{}
	if output != "" {
		rawFiles := strings.Split(output, "\n")
		files = make([]string, 0, len(rawFiles))
		for _, f := range rawFiles {
			// Strip ./ prefix from find output
			clean := strings.TrimPrefix(f, "./")
			if clean != "" {
				files = append(files, clean)
			}
		}
	}

	return jsonResult(map[string]any{
		"success":   true,
		"files":     files,
		"count":     len(files),
		"pattern":   pattern,
		"truncated": len(files) >= t.maxResults,
	})
}
