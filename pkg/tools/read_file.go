package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"parley/pkg/config"
	execpkg "parley/pkg/exec"
)

const (
	defaultReadLines   = 2000 // Default number of lines to read
	maxLineLength      = 2000 // Truncate lines longer than this
	defaultStartOffset = 1    // 1-based line numbering
)

// ReadFileTool reads file contents from the working tree.
type ReadFileTool struct {
	executor execpkg.Executor
	workDir  string // Base path for file operations
	maxChars int    // Safety cap on total output characters
}

// NewReadFileTool creates a new read_file tool.
func NewReadFileTool(executor execpkg.Executor, workDir string, maxChars int) *ReadFileTool {
	if maxChars <= 0 {
		maxChars = config.DefaultMaxOutputChars
	}
	if workDir == "" {
		workDir = "."
	}
	return &ReadFileTool{
		executor: executor,
		workDir:  workDir,
		maxChars: maxChars,
	}
}

// Name returns the tool name.
func (t *ReadFileTool) Name() string {
	return ToolReadFile
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *ReadFileTool) PromptDocumentation() string {
	return `- **read_file** - Read contents of a file from the working tree
  - Parameters:
    - path (string, REQUIRED): relative path to file within the working tree
    - offset (integer, optional): line number to start from (1-based, default: 1)
    - limit (integer, optional): number of lines to read (default: 2000)
  - Output uses numbered lines (cat -n format)
  - Lines longer than 2000 characters are truncated
  - For large files, use offset and limit to read specific sections`
}

// Definition returns the tool definition for LLM.
func (t *ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile,
		Description: "Read contents of a file from the working tree. Output uses numbered lines. For large files, use offset and limit to read specific sections.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Relative path to file within the working tree",
				},
				"offset": {
					Type:        "integer",
					Description: "Line number to start reading from (1-based). Defaults to 1.",
				},
				"limit": {
					Type:        "integer",
					Description: "Number of lines to read. Defaults to 2000.",
				},
			},
			Required: []string{"path"},
		},
	}
}

// Exec executes the tool with the given arguments.
func (t *ReadFileTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, fmt.Errorf("path is required and must be a string")
	}

	offset := intArgOrDefault(args, "offset", defaultStartOffset)
	limit := intArgOrDefault(args, "limit", defaultReadLines)

	// Clean path to prevent directory traversal
	cleanPath := filepath.Clean(path)
	if strings.HasPrefix(cleanPath, "..") {
		return errorResult("path cannot contain directory traversal (..) attempts")
	}

	fullPath := filepath.Join(t.workDir, cleanPath)

	// Build awk command that:
	// 1. Selects lines in range [offset, offset+limit-1]
	// 2. Prints with original line numbers (NR) and tab separator (cat -n format)
	// 3. Truncates lines longer than maxLineLength characters
	// 4. Counts total lines to detect truncation
	endLine := offset + limit - 1
	awkScript := fmt.Sprintf(
		`awk 'NR>=%d && NR<=%d { printf "%%6d\t%%s\n", NR, substr($0, 1, %d) } END { printf "\n__TOTAL_LINES__%%d\n", NR }' '%s'`,
		offset, endLine, maxLineLength, strings.ReplaceAll(fullPath, "'", "'\"'\"'"),
	)
	cmd := []string{"sh", "-c", awkScript}

	result, err := t.executor.Run(ctx, cmd, &execpkg.Opts{})
	if err != nil {
		return errorResult(fmt.Sprintf("file not found or not readable: %s (error: %v)", path, err))
	}
	if result.ExitCode != 0 {
		errDetail := result.Stderr
		if errDetail == "" {
			errDetail = result.Stdout
		}
		return errorResult(fmt.Sprintf("file not found or not readable: %s (exit code: %d, output: %s)", path, result.ExitCode, errDetail))
	}

	// Parse output to separate content from total line count
	output := result.Stdout
	totalLines := 0
	truncated := false

	if idx := strings.LastIndex(output, "\n__TOTAL_LINES__"); idx >= 0 {
		lineCountStr := strings.TrimSpace(output[idx+len("\n__TOTAL_LINES__"):])
		output = output[:idx]
		if _, scanErr := fmt.Sscanf(lineCountStr, "%d", &totalLines); scanErr == nil {
			truncated = totalLines > endLine
		}
	}

	if len(output) > t.maxChars {
		output = output[:t.maxChars]
		truncated = true
	}

	return jsonResult(map[string]any{
		"success":     true,
		"content":     output,
		"path":        path,
		"truncated":   truncated,
		"offset":      offset,
		"limit":       limit,
		"total_lines": totalLines,
	})
}
