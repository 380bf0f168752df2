package tools

import (
	"context"
	"strings"
	"testing"

	execpkg "parley/pkg/exec"
)

func TestReadFileToolReadsNumberedLines(t *testing.T) {
	exec := &fakeExec{
		result: execpkg.Result{
			Stdout: "     1\tpackage main\n     2\t\n     3\tfunc main() {}\n\n__TOTAL_LINES__3\n",
		},
	}
	tool := NewReadFileTool(exec, "/work", 0)

	res, err := tool.Exec(context.Background(), map[string]any{"path": "main.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := decodeResult(t, res)
	if payload["success"] != true {
		t.Fatalf("expected success, got: %v", payload)
	}
	content, _ := payload["content"].(string)
	if !strings.Contains(content, "package main") {
		t.Errorf("expected file content in payload, got %q", content)
	}
	if strings.Contains(content, "__TOTAL_LINES__") {
		t.Error("line-count marker leaked into content")
	}
	if payload["total_lines"] != float64(3) {
		t.Errorf("expected total_lines 3, got %v", payload["total_lines"])
	}
	if payload["truncated"] != false {
		t.Error("expected truncated=false")
	}

	// The awk command runs against the path joined under the working tree.
	if len(exec.lastCmd) != 3 || exec.lastCmd[0] != "sh" {
		t.Fatalf("expected sh -c command, got %v", exec.lastCmd)
	}
	if !strings.Contains(exec.lastCmd[2], "/work/main.go") {
		t.Errorf("expected command to target /work/main.go, got: %s", exec.lastCmd[2])
	}
}

func TestReadFileToolReportsTruncation(t *testing.T) {
	exec := &fakeExec{
		result: execpkg.Result{
			Stdout: "     1\tline one\n\n__TOTAL_LINES__500\n",
		},
	}
	tool := NewReadFileTool(exec, "/work", 0)

	res, err := tool.Exec(context.Background(), map[string]any{
		"path":   "big.txt",
		"offset": 1,
		"limit":  1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := decodeResult(t, res)
	if payload["truncated"] != true {
		t.Error("expected truncated=true when the file extends past the window")
	}
	if payload["total_lines"] != float64(500) {
		t.Errorf("expected total_lines 500, got %v", payload["total_lines"])
	}
}

func TestReadFileToolRejectsTraversal(t *testing.T) {
	tool := NewReadFileTool(&fakeExec{}, "/work", 0)

	res, err := tool.Exec(context.Background(), map[string]any{"path": "../etc/passwd"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := decodeResult(t, res)
	if payload["success"] != false {
		t.Fatal("expected traversal to be rejected")
	}
	if !strings.Contains(payload["error"].(string), "traversal") {
		t.Errorf("expected traversal error, got: %v", payload["error"])
	}
}

func TestReadFileToolMissingFile(t *testing.T) {
	exec := &fakeExec{
		result: execpkg.Result{ExitCode: 2, Stderr: "awk: can't open file"},
	}
	tool := NewReadFileTool(exec, "/work", 0)

	res, err := tool.Exec(context.Background(), map[string]any{"path": "nope.go"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := decodeResult(t, res)
	if payload["success"] != false {
		t.Fatal("expected failure envelope")
	}
	if !strings.Contains(payload["error"].(string), "not found or not readable") {
		t.Errorf("unexpected error message: %v", payload["error"])
	}
}

func TestReadFileToolRequiresPath(t *testing.T) {
	tool := NewReadFileTool(&fakeExec{}, "/work", 0)

	if _, err := tool.Exec(context.Background(), map[string]any{}); err == nil {
		t.Error("expected an error when path is missing")
	}
}
