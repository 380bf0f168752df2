package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"parley/pkg/config"
	execpkg "parley/pkg/exec"
)

// AgentContext contains session-specific configuration for tool creation.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type AgentContext struct {
	Executor       execpkg.Executor
	WorkDir        string        // Working tree all file and command tools operate in
	ShellTimeout   time.Duration // Timeout for shell-backed tools
	TestCommand    string        // Command run by the run_tests tool
	MaxOutputChars int           // Tool output truncation limit
}

// ToolFactory creates a tool instance configured for a specific agent context.
type ToolFactory func(ctx AgentContext) (Tool, error)

// ToolMeta contains metadata about a tool for documentation and discovery.
type ToolMeta struct {
	Name        string
	Description string
	InputSchema InputSchema
}

// toolDescriptor contains the factory and metadata for a tool.
type toolDescriptor struct {
	meta    ToolMeta
	factory ToolFactory
}

// immutableRegistry is the global, read-only tool registry.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type immutableRegistry struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]toolDescriptor
}

// Global registry instance - populated in init().
//
//nolint:gochecknoglobals // Factory pattern requires global registry
var globalRegistry = &immutableRegistry{
	tools: make(map[string]toolDescriptor),
}

// Register adds a tool factory to the global registry.
// Panics if called after the registry is sealed.
func Register(name string, factory ToolFactory, meta *ToolMeta) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	if globalRegistry.sealed {
		panic(fmt.Sprintf("tool registry sealed - cannot register tool '%s'", name))
	}

	globalRegistry.tools[name] = toolDescriptor{
		meta:    *meta,
		factory: factory,
	}
}

// Seal prevents further tool registrations.
// Called automatically when the first ToolProvider is created.
func Seal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.sealed = true
}

// ListTools returns metadata for all registered tools, sorted by name.
func ListTools() []ToolMeta {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolMeta, 0, len(globalRegistry.tools))
	for _, desc := range globalRegistry.tools {
		result = append(result, desc.meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ToolProvider creates and manages tool instances for a single session.
//
//nolint:govet // fieldalignment: Logical grouping preferred over memory optimization
type ToolProvider struct {
	ctx      AgentContext
	tools    map[string]Tool
	allowSet map[string]struct{}
	mu       sync.Mutex
}

// NewProvider creates a new ToolProvider for the given agent context and allowed tools.
// Automatically seals the global registry on first use.
func NewProvider(ctx AgentContext, allowedTools []string) *ToolProvider {
	Seal() // Ensure registry is immutable

	allowSet := make(map[string]struct{}, len(allowedTools))
	for _, name := range allowedTools {
		allowSet[name] = struct{}{}
	}

	return &ToolProvider{
		ctx:      ctx,
		tools:    make(map[string]Tool),
		allowSet: allowSet,
	}
}

// NewProviderFromConfig builds a provider wired from the loaded project
// config: tool limits come from the tools section and an empty allowlist
// means every default tool.
func NewProviderFromConfig(cfg config.Config, executor execpkg.Executor, workDir string) *ToolProvider {
	ctx := AgentContext{
		Executor: executor,
		WorkDir:  workDir,
	}
	if cfg.Tools != nil {
		ctx.ShellTimeout = cfg.Tools.ShellTimeout
		ctx.TestCommand = cfg.Tools.TestCommand
		ctx.MaxOutputChars = cfg.Tools.MaxOutputChars
	}

	allowed := DefaultTools
	if cfg.Tools != nil && len(cfg.Tools.Enabled) > 0 {
		allowed = cfg.Tools.Enabled
	}
	return NewProvider(ctx, allowed)
}

// Get retrieves a tool instance, creating it lazily if needed.
// Unknown or disallowed names report ErrToolNotFound.
func (p *ToolProvider) Get(name string) (Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allowSet[name]; !ok {
		return nil, fmt.Errorf("tool '%s' not allowed in this context: %w", name, ErrToolNotFound)
	}

	if tool, ok := p.tools[name]; ok {
		return tool, nil
	}

	globalRegistry.mu.RLock()
	desc, exists := globalRegistry.tools[name]
	globalRegistry.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("tool '%s' not registered: %w", name, ErrToolNotFound)
	}

	tool, err := desc.factory(p.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool '%s': %w", name, err)
	}

	p.tools[name] = tool
	return tool, nil
}

// Must is like Get but panics on error. Use for tools that must exist.
func (p *ToolProvider) Must(name string) Tool {
	tool, err := p.Get(name)
	if err != nil {
		panic(err)
	}
	return tool
}

// List returns metadata for all allowed tools, sorted by name so the
// definitions sent to the model are stable across runs.
func (p *ToolProvider) List() []ToolMeta {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	result := make([]ToolMeta, 0, len(p.allowSet))
	for name := range p.allowSet {
		if desc, ok := globalRegistry.tools[name]; ok {
			result = append(result, desc.meta)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Definitions returns the provider-neutral tool definitions for all allowed
// tools, in the same stable order as List.
func (p *ToolProvider) Definitions() []ToolDefinition {
	metas := p.List()
	defs := make([]ToolDefinition, len(metas))
	for i := range metas {
		defs[i] = ToolDefinition{
			Name:        metas[i].Name,
			Description: metas[i].Description,
			InputSchema: metas[i].InputSchema,
		}
	}
	return defs
}

// GenerateToolDocumentation builds markdown documentation for this provider's
// allowed tools from each tool's own PromptDocumentation, falling back to the
// registry metadata when a tool cannot be instantiated.
func (p *ToolProvider) GenerateToolDocumentation() string {
	metas := p.List()
	if len(metas) == 0 {
		return "No tools available"
	}

	var doc strings.Builder
	doc.WriteString("## Available Tools\n\n")

	for i := range metas {
		if tool, err := p.Get(metas[i].Name); err == nil {
			doc.WriteString(tool.PromptDocumentation())
		} else {
			doc.WriteString(fmt.Sprintf("- **%s** - %s", metas[i].Name, metas[i].Description))
		}
		doc.WriteString("\n")
	}

	return doc.String()
}

// TOOL FACTORY FUNCTIONS

// createReadFileTool creates a read_file tool instance.
func createReadFileTool(ctx AgentContext) (Tool, error) {
	if ctx.Executor == nil {
		return nil, fmt.Errorf("read_file tool requires an executor")
	}
	return NewReadFileTool(ctx.Executor, ctx.WorkDir, ctx.MaxOutputChars), nil
}

// createListFilesTool creates a list_files tool instance.
func createListFilesTool(ctx AgentContext) (Tool, error) {
	if ctx.Executor == nil {
		return nil, fmt.Errorf("list_files tool requires an executor")
	}
	return NewListFilesTool(ctx.Executor, ctx.WorkDir, 0), nil
}

// createShellTool creates a shell tool instance.
func createShellTool(ctx AgentContext) (Tool, error) {
	if ctx.Executor == nil {
		return nil, fmt.Errorf("shell tool requires an executor")
	}
	return NewShellTool(ctx.Executor, ctx.WorkDir, ctx.ShellTimeout, ctx.MaxOutputChars), nil
}

// createRunTestsTool creates a run_tests tool instance.
func createRunTestsTool(ctx AgentContext) (Tool, error) {
	if ctx.Executor == nil {
		return nil, fmt.Errorf("run_tests tool requires an executor")
	}
	return NewRunTestsTool(ctx.Executor, ctx.WorkDir, ctx.TestCommand, ctx.ShellTimeout, ctx.MaxOutputChars), nil
}

// SCHEMA FUNCTIONS - Extract schemas from tool implementations

func getReadFileSchema() InputSchema {
	return NewReadFileTool(nil, "", 0).Definition().InputSchema
}

func getListFilesSchema() InputSchema {
	return NewListFilesTool(nil, "", 0).Definition().InputSchema
}

func getShellSchema() InputSchema {
	return NewShellTool(nil, "", 0, 0).Definition().InputSchema
}

func getRunTestsSchema() InputSchema {
	return NewRunTestsTool(nil, "", "", 0, 0).Definition().InputSchema
}

// init registers all built-in tools in the global registry using the factory pattern.
//
//nolint:gochecknoinits // Factory pattern requires init() for tool registration
func init() {
	Register(ToolReadFile, createReadFileTool, &ToolMeta{
		Name:        ToolReadFile,
		Description: "Read contents of a file from the working tree. Output uses numbered lines. For large files, use offset and limit to read specific sections.",
		InputSchema: getReadFileSchema(),
	})

	Register(ToolListFiles, createListFilesTool, &ToolMeta{
		Name:        ToolListFiles,
		Description: "List files in the working tree matching a pattern. Use this to explore what files exist.",
		InputSchema: getListFilesSchema(),
	})

	Register(ToolShell, createShellTool, &ToolMeta{
		Name:        ToolShell,
		Description: "Execute a shell command in the working tree and return its output and exit code",
		InputSchema: getShellSchema(),
	})

	Register(ToolRunTests, createRunTestsTool, &ToolMeta{
		Name:        ToolRunTests,
		Description: "Run the project's test suite and return the results",
		InputSchema: getRunTestsSchema(),
	})
}
