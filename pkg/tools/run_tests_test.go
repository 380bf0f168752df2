package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	execpkg "parley/pkg/exec"
)

func TestRunTestsToolUsesConfiguredCommand(t *testing.T) {
	exec := &fakeExec{
		result: execpkg.Result{Stdout: "ok  \tparley/pkg/tools\t0.1s\n", Duration: 100 * time.Millisecond},
	}
	tool := NewRunTestsTool(exec, "/work", "make test", time.Minute, 0)

	res, err := tool.Exec(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := decodeResult(t, res)
	if payload["success"] != true {
		t.Fatalf("expected success, got: %v", payload)
	}
	if payload["command"] != "make test" {
		t.Errorf("expected configured command, got %v", payload["command"])
	}
	if exec.lastCmd[2] != "make test" {
		t.Errorf("expected 'make test' to run, got %v", exec.lastCmd)
	}
	if exec.lastOpts.WorkDir != "/work" {
		t.Errorf("expected WorkDir /work, got %s", exec.lastOpts.WorkDir)
	}
}

func TestRunTestsToolDefaultCommand(t *testing.T) {
	exec := &fakeExec{}
	tool := NewRunTestsTool(exec, "", "", 0, 0)

	if _, err := tool.Exec(context.Background(), map[string]any{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.lastCmd[2] != "go test ./..." {
		t.Errorf("expected default go test command, got %v", exec.lastCmd)
	}
}

func TestRunTestsToolAppendsArgs(t *testing.T) {
	exec := &fakeExec{}
	tool := NewRunTestsTool(exec, "/work", "go test ./...", 0, 0)

	if _, err := tool.Exec(context.Background(), map[string]any{"args": "-run TestShell"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.lastCmd[2] != "go test ./... -run TestShell" {
		t.Errorf("expected args appended, got %v", exec.lastCmd)
	}
}

func TestRunTestsToolFailureIncludesOutput(t *testing.T) {
	exec := &fakeExec{
		result: execpkg.Result{
			Stdout:   "--- FAIL: TestThing (0.00s)\nFAIL\n",
			Stderr:   "exit status 1\n",
			ExitCode: 1,
		},
	}
	tool := NewRunTestsTool(exec, "/work", "", 0, 0)

	res, err := tool.Exec(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := decodeResult(t, res)
	if payload["success"] != false {
		t.Error("expected success=false when the suite fails")
	}
	output, _ := payload["output"].(string)
	if !strings.Contains(output, "--- FAIL: TestThing") {
		t.Errorf("expected failure detail in output, got %q", output)
	}
	if !strings.Contains(output, "exit status 1") {
		t.Errorf("expected stderr folded into output, got %q", output)
	}
}
