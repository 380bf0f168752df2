package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"parley/pkg/config"
	execpkg "parley/pkg/exec"
)

// fakeExec records the last command and returns a canned result.
type fakeExec struct {
	lastCmd  []string
	lastOpts *execpkg.Opts
	result   execpkg.Result
	err      error
}

func (f *fakeExec) Run(_ context.Context, cmd []string, opts *execpkg.Opts) (execpkg.Result, error) {
	f.lastCmd = cmd
	f.lastOpts = opts
	return f.result, f.err
}

func (f *fakeExec) Name() execpkg.ExecutorType { return "fake" }

func (f *fakeExec) Available() bool { return true }

// decodeResult unmarshals a tool's JSON envelope for assertions.
func decodeResult(t *testing.T, res *ExecResult) map[string]any {
	t.Helper()
	if res == nil {
		t.Fatal("expected a result, got nil")
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(res.Content), &m); err != nil {
		t.Fatalf("failed to decode result envelope %q: %v", res.Content, err)
	}
	return m
}

func testAgentContext() AgentContext {
	return AgentContext{
		Executor:       &fakeExec{},
		WorkDir:        "/work",
		ShellTimeout:   30 * time.Second,
		TestCommand:    "go test ./...",
		MaxOutputChars: 4096,
	}
}

func TestProviderAllowlist(t *testing.T) {
	provider := NewProvider(testAgentContext(), []string{ToolReadFile})

	if _, err := provider.Get(ToolReadFile); err != nil {
		t.Fatalf("expected read_file to be allowed, got: %v", err)
	}

	_, err := provider.Get(ToolShell)
	if err == nil {
		t.Fatal("expected shell to be rejected outside the allowlist")
	}
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got: %v", err)
	}

	_, err = provider.Get("no_such_tool")
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound for unknown tool, got: %v", err)
	}
}

func TestProviderCachesInstances(t *testing.T) {
	provider := NewProvider(testAgentContext(), DefaultTools)

	first, err := provider.Get(ToolShell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.Get(ToolShell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Error("expected the provider to reuse the cached tool instance")
	}
}

func TestRegisterAfterSealPanics(t *testing.T) {
	NewProvider(testAgentContext(), DefaultTools) // seals the registry

	defer func() {
		if recover() == nil {
			t.Error("expected Register to panic after Seal")
		}
	}()
	Register("late_tool", createShellTool, &ToolMeta{Name: "late_tool"})
}

func TestProviderListSorted(t *testing.T) {
	provider := NewProvider(testAgentContext(), DefaultTools)

	metas := provider.List()
	if len(metas) != len(DefaultTools) {
		t.Fatalf("expected %d tools, got %d", len(DefaultTools), len(metas))
	}

	want := []string{ToolListFiles, ToolReadFile, ToolRunTests, ToolShell}
	for i, meta := range metas {
		if meta.Name != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], meta.Name)
		}
	}
}

func TestProviderDefinitions(t *testing.T) {
	provider := NewProvider(testAgentContext(), DefaultTools)

	defs := provider.Definitions()
	if len(defs) != len(DefaultTools) {
		t.Fatalf("expected %d definitions, got %d", len(DefaultTools), len(defs))
	}
	for _, def := range defs {
		if def.InputSchema.Type != "object" {
			t.Errorf("tool %s: expected object schema, got %q", def.Name, def.InputSchema.Type)
		}
		if def.Description == "" {
			t.Errorf("tool %s: missing description", def.Name)
		}
	}
}

func TestNewProviderFromConfig(t *testing.T) {
	cfg := config.Config{
		Tools: &config.ToolsConfig{
			Enabled:        []string{ToolShell},
			ShellTimeout:   5 * time.Second,
			TestCommand:    "make test",
			MaxOutputChars: 100,
		},
	}

	provider := NewProviderFromConfig(cfg, &fakeExec{}, "/work")

	if _, err := provider.Get(ToolShell); err != nil {
		t.Fatalf("expected shell to be allowed, got: %v", err)
	}
	if _, err := provider.Get(ToolReadFile); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("expected read_file to be rejected, got: %v", err)
	}
}

func TestNewProviderFromConfigDefaults(t *testing.T) {
	// No tools section at all: every default tool is available.
	provider := NewProviderFromConfig(config.Config{}, &fakeExec{}, "/work")

	for _, name := range DefaultTools {
		if _, err := provider.Get(name); err != nil {
			t.Errorf("expected %s to be available by default, got: %v", name, err)
		}
	}
}

func TestProviderRequiresExecutor(t *testing.T) {
	provider := NewProvider(AgentContext{WorkDir: "/work"}, DefaultTools)

	for _, name := range DefaultTools {
		if _, err := provider.Get(name); err == nil {
			t.Errorf("expected %s construction to fail without an executor", name)
		}
	}
}

func TestMustPanicsOnUnknownTool(t *testing.T) {
	provider := NewProvider(testAgentContext(), DefaultTools)

	defer func() {
		if recover() == nil {
			t.Error("expected Must to panic for unknown tool")
		}
	}()
	provider.Must("no_such_tool")
}

func TestGenerateToolDocumentation(t *testing.T) {
	provider := NewProvider(testAgentContext(), DefaultTools)

	doc := provider.GenerateToolDocumentation()
	if !strings.Contains(doc, "## Available Tools") {
		t.Error("expected documentation header")
	}
	for _, name := range DefaultTools {
		if !strings.Contains(doc, "**"+name+"**") {
			t.Errorf("expected documentation to mention %s", name)
		}
	}
}

func TestGenerateToolDocumentationEmpty(t *testing.T) {
	provider := NewProvider(testAgentContext(), nil)

	if doc := provider.GenerateToolDocumentation(); doc != "No tools available" {
		t.Errorf("expected empty-provider message, got %q", doc)
	}
}

func TestListToolsIncludesBuiltins(t *testing.T) {
	metas := ListTools()

	found := make(map[string]bool, len(metas))
	for _, meta := range metas {
		found[meta.Name] = true
	}
	for _, name := range DefaultTools {
		if !found[name] {
			t.Errorf("expected %s to be registered", name)
		}
	}
}
