package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"parley/pkg/agent/llm"
	"parley/pkg/agent/llmerrors"
	"parley/pkg/agent/middleware/resilience/retry"
	"parley/pkg/config"
	"parley/pkg/eventlog"
	"parley/pkg/logx"
	"parley/pkg/metrics"
	"parley/pkg/persistence"
	"parley/pkg/proto"
	"parley/pkg/tools"
	"parley/pkg/utils"
)

// ToolSource supplies tool definitions and executable tools to the
// machine. *tools.ToolProvider satisfies it.
type ToolSource interface {
	Definitions() []tools.ToolDefinition
	Get(name string) (tools.Tool, error)
}

// MachineConfig carries the collaborators and tuning knobs for one
// conversation machine. Zero-valued fields fall back to package
// defaults in NewMachine.
//
//nolint:govet // fieldalignment: logical grouping preferred over memory optimization
type MachineConfig struct {
	Client llm.LLMClient
	Tools  ToolSource
	Store  persistence.CheckpointStore
	Input  InputReader
	Output io.Writer
	Events *eventlog.Writer // nil disables the transcript
	Logger *logx.Logger

	WorkDir      string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32

	MaxToolIterations int     // Tool round trips per user turn before forcing a reply
	MaxModelRetries   int     // Model call attempts per phase visit
	ContextWarnRatio  float64 // Warn when estimated usage exceeds this share of the window
	MaxContextTokens  int     // Model context window size; 0 disables the watermark

	StoreRetry retry.Config // Backoff for checkpoint writes against an unavailable store
}

// Machine drives one conversation session through its phase cycle: read
// a user line, call the model, dispatch any requested tools, and
// checkpoint after every committed transition. A machine owns its
// session exclusively; concurrent observers only reach phase, ID, and
// history copies through the accessor methods.
//
//nolint:govet // fieldalignment: logical grouping preferred over memory optimization
type Machine struct {
	session *proto.Session
	client  llm.LLMClient
	tools   ToolSource
	store   persistence.CheckpointStore
	input   InputReader
	out     io.Writer
	events  *eventlog.Writer
	logger  *logx.Logger

	workDir      string
	systemPrompt string
	maxTokens    int
	temperature  float32

	maxToolIterations int
	maxModelRetries   int
	contextWarnRatio  float64
	maxContextTokens  int

	storeRetry *retry.Policy

	// mu guards session, lastSeq, and notifCh. Handlers never hold it
	// across a model, tool, or store call.
	mu      sync.Mutex
	lastSeq int64
	notifCh chan<- *proto.PhaseChange

	// Per-turn counters, touched only by the run loop goroutine.
	toolIterations int
	modelRetries   int
	contextWarned  bool
	initialized    bool
}

// NewMachine builds a machine over an existing session.
func NewMachine(session *proto.Session, cfg MachineConfig) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = logx.NewLogger(session.ID)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = config.DefaultTemperature
	}
	maxToolIterations := cfg.MaxToolIterations
	if maxToolIterations <= 0 {
		maxToolIterations = config.DefaultMaxToolIterations
	}
	maxModelRetries := cfg.MaxModelRetries
	if maxModelRetries <= 0 {
		maxModelRetries = DefaultMaxRetries
	}
	contextWarnRatio := cfg.ContextWarnRatio
	if contextWarnRatio == 0 {
		contextWarnRatio = config.DefaultContextWarnRatio
	}
	storeRetryCfg := cfg.StoreRetry
	if storeRetryCfg.MaxAttempts <= 0 {
		storeRetryCfg = retry.DefaultConfig
	}

	return &Machine{
		session:           session,
		client:            cfg.Client,
		tools:             cfg.Tools,
		store:             cfg.Store,
		input:             cfg.Input,
		out:               out,
		events:            cfg.Events,
		logger:            logger,
		workDir:           cfg.WorkDir,
		systemPrompt:      systemPrompt,
		maxTokens:         maxTokens,
		temperature:       temperature,
		maxToolIterations: maxToolIterations,
		maxModelRetries:   maxModelRetries,
		contextWarnRatio:  contextWarnRatio,
		maxContextTokens:  cfg.MaxContextTokens,
		storeRetry:        retry.NewPolicy(storeRetryCfg, nil),
	}
}

// ResumeMachine loads the latest checkpoint for sessionID from
// cfg.Store and builds a machine over the restored session. A session
// with no checkpoints starts fresh; a corrupt checkpoint fails loudly
// rather than resuming from partial state.
func ResumeMachine(ctx context.Context, sessionID string, cfg MachineConfig) (*Machine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("resume requires a checkpoint store")
	}

	cp, err := cfg.Store.LoadLatest(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint for session %s: %w", sessionID, err)
	}
	if cp == nil {
		return NewMachine(proto.NewSession(sessionID), cfg), nil
	}

	m := NewMachine(proto.RestoreSession(cp), cfg)
	m.lastSeq = cp.Seq
	m.logger.Info("📦 Resumed session %s from checkpoint %d (%s, %d messages)",
		sessionID, cp.Seq, cp.Phase, len(cp.Messages))
	return m, nil
}

// Run drives the conversation loop until the input source closes, the
// context is cancelled, or a fatal error occurs. The phase graph is
// cyclic, so "done" only ever means a clean shutdown.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize conversation: %w", err)
	}

	for {
		done, err := m.Step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Initialize seeds a fresh session with the greeting turn and commits
// checkpoint 1 before any user input is read. Resumed sessions only
// record the resume event. Idempotent.
func (m *Machine) Initialize(ctx context.Context) error {
	if m.initialized {
		return nil
	}
	m.initialized = true

	m.mu.Lock()
	fresh := m.lastSeq == 0 && len(m.session.Messages) == 0
	m.mu.Unlock()

	if !fresh {
		m.recordEvent(eventlog.NewSessionStart(m.session.ID, true, m.GetLastSeq()))
		return nil
	}

	m.mu.Lock()
	m.session.Append(proto.NewAssistantText(Greeting))
	snap := m.session.Snapshot()
	m.mu.Unlock()

	seq, err := m.commitCheckpoint(ctx, snap)
	if err != nil {
		return fmt.Errorf("failed to commit initial checkpoint: %w", err)
	}
	m.mu.Lock()
	m.lastSeq = seq
	m.mu.Unlock()

	m.printAssistant(Greeting)
	m.recordEvent(eventlog.NewSessionStart(m.session.ID, false, seq))
	return nil
}

// Step processes the current phase once and commits the resulting
// transition, if any. Returns done=true on clean shutdown: context
// cancellation or input exhaustion, both observed here at the phase
// boundary so an in-flight checkpoint write is never abandoned.
func (m *Machine) Step(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		m.logger.Info("🛑 Shutdown requested; conversation saved at checkpoint %d", m.GetLastSeq())
		return true, nil
	default:
	}

	next, err := m.ProcessPhase(ctx)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			m.logger.Info("Input closed; conversation saved at checkpoint %d", m.GetLastSeq())
			return true, nil
		case errors.Is(err, context.Canceled):
			m.logger.Info("🛑 Shutdown requested; conversation saved at checkpoint %d", m.GetLastSeq())
			return true, nil
		default:
			return false, err
		}
	}

	// Same phase means more work there (blank input, model retry) with
	// no committed transition.
	if next == m.GetCurrentPhase() {
		return false, nil
	}

	if err := m.TransitionTo(ctx, next, nil); err != nil {
		return false, err
	}
	return false, nil
}

// ProcessPhase runs the handler for the current phase and returns the
// phase to transition to. Returning the current phase means no
// transition.
func (m *Machine) ProcessPhase(ctx context.Context) (proto.Phase, error) {
	phase := m.GetCurrentPhase()
	switch phase {
	case proto.PhaseAwaitingUserInput:
		return m.handleAwaitingUserInput(ctx)
	case proto.PhaseAwaitingModelResponse:
		return m.handleAwaitingModelResponse(ctx)
	case proto.PhaseDispatchingTools:
		return m.handleDispatchingTools(ctx)
	default:
		return phase, fmt.Errorf("unknown phase: %s", phase)
	}
}

// handleAwaitingUserInput blocks on the next user line. Blank lines are
// ignored without a transition; a non-blank line enters history and
// resets the per-turn budgets.
func (m *Machine) handleAwaitingUserInput(ctx context.Context) (proto.Phase, error) {
	line, err := m.input.ReadLine(ctx)
	if err != nil {
		return proto.PhaseAwaitingUserInput, fmt.Errorf("read user input: %w", err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return proto.PhaseAwaitingUserInput, nil
	}

	m.mu.Lock()
	m.session.Append(proto.NewUserText(line))
	m.mu.Unlock()

	m.toolIterations = 0
	m.modelRetries = 0

	return proto.PhaseAwaitingModelResponse, nil
}

// handleAwaitingModelResponse sends the full history to the model and
// branches on the response: tool calls enter history as a tool request,
// text becomes the reply shown to the user.
func (m *Machine) handleAwaitingModelResponse(ctx context.Context) (proto.Phase, error) {
	req := llm.CompletionRequest{
		SystemPrompt: m.systemPrompt,
		WorkingDir:   m.workDir,
		Messages:     m.GetHistory(),
		Tools:        m.tools.Definitions(),
		MaxTokens:    m.maxTokens,
		Temperature:  m.temperature,
	}

	resp, err := m.client.Complete(ctx, req)
	if err != nil {
		return m.handleModelFailure(err)
	}
	m.modelRetries = 0

	if resp.HasToolCalls() {
		if m.toolIterations >= m.maxToolIterations {
			// Dropping the request keeps history valid: a tool_request
			// only enters history together with its coming results.
			m.logger.Warn("Tool iteration budget (%d) exhausted; forcing a reply", m.maxToolIterations)
			m.appendAssistantText(fmt.Sprintf(
				"I stopped after %d rounds of tool calls without reaching an answer. Tell me how you would like to continue.",
				m.maxToolIterations))
			return proto.PhaseAwaitingUserInput, nil
		}

		m.mu.Lock()
		m.session.Append(proto.NewToolRequest(resp.ToolCalls))
		m.mu.Unlock()
		return proto.PhaseDispatchingTools, nil
	}

	m.appendAssistantText(resp.Content)
	m.warnIfContextHigh()
	return proto.PhaseAwaitingUserInput, nil
}

// handleModelFailure decides between re-entering the model phase with
// identical history and surfacing the failure as a reply. A retry does
// not change the phase, so no checkpoint is written for it; the last
// committed checkpoint still ends with the turn the model never
// answered.
func (m *Machine) handleModelFailure(err error) (proto.Phase, error) {
	if errors.Is(err, context.Canceled) {
		return proto.PhaseAwaitingModelResponse, err
	}

	if llmerrors.IsServiceUnavailable(err) {
		// The middleware already burned its retry budget on this one.
		m.logger.Error("❌ Model unavailable: %v", err)
		m.appendAssistantText(fmt.Sprintf(
			"I could not get a response from the model: %v. The conversation is saved; try again in a moment.", err))
		m.modelRetries = 0
		return proto.PhaseAwaitingUserInput, nil
	}

	if !retry.ShouldRetry(err) {
		m.logger.Error("❌ Model request failed (not retryable): %v", err)
		m.appendAssistantText(fmt.Sprintf(
			"I could not reach the model: %v. This does not look transient; check the provider configuration before retrying.", err))
		m.modelRetries = 0
		return proto.PhaseAwaitingUserInput, nil
	}

	m.modelRetries++
	if m.modelRetries >= m.maxModelRetries {
		m.logger.Error("❌ Model request failed %d times, giving up: %v", m.modelRetries, err)
		m.appendAssistantText(fmt.Sprintf(
			"I could not get a response from the model after %d attempts: %v. The conversation is saved; try again in a moment.",
			m.modelRetries, err))
		m.modelRetries = 0
		return proto.PhaseAwaitingUserInput, nil
	}

	m.logger.Error("❌ Model request failed (attempt %d/%d): %v", m.modelRetries, m.maxModelRetries, err)
	fmt.Fprintf(m.out, "(model error, retrying: %v)\n", err)
	return proto.PhaseAwaitingModelResponse, nil
}

// handleDispatchingTools executes every call of the pending tool
// request and appends one result per call, in declaration order,
// regardless of completion order. Tool failures become error-bearing
// results; they never fail the phase.
func (m *Machine) handleDispatchingTools(ctx context.Context) (proto.Phase, error) {
	m.mu.Lock()
	last := m.session.LastMessage()
	var calls []proto.ToolCall
	if last != nil && last.Kind == proto.KindToolRequest {
		calls = append([]proto.ToolCall(nil), last.ToolCalls...)
	}
	m.mu.Unlock()

	if calls == nil {
		return proto.PhaseDispatchingTools, fmt.Errorf("dispatching tools without a pending tool request")
	}

	results := m.dispatchToolCalls(ctx, calls)

	m.mu.Lock()
	m.session.Append(results...)
	m.mu.Unlock()

	m.toolIterations++
	m.warnIfContextHigh()
	return proto.PhaseAwaitingModelResponse, nil
}

// dispatchToolCalls fans the calls out to goroutines and collects the
// results indexed by declaration position.
func (m *Machine) dispatchToolCalls(ctx context.Context, calls []proto.ToolCall) []proto.Message {
	results := make([]proto.Message, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = m.executeToolCall(ctx, &calls[idx])
		}(i)
	}
	wg.Wait()
	return results
}

// executeToolCall runs one call and converts the outcome into a tool
// result message.
func (m *Machine) executeToolCall(ctx context.Context, call *proto.ToolCall) proto.Message {
	m.logger.Info("🔧 Invoking tool: %s (%s)", call.Name, call.ID)

	start := time.Now()
	content, err := m.runTool(ctx, call)
	duration := time.Since(start)

	metrics.ObserveToolExecution(call.Name, err == nil, duration)
	m.recordEvent(eventlog.NewToolInvocation(m.session.ID, call.Name, call.ID, err == nil, duration))

	if err != nil {
		m.logger.Error("❌ Tool '%s' failed after %s: %v", call.Name, duration.Round(time.Millisecond), err)
		return proto.NewErrorToolResult(call.ID, fmt.Sprintf("ERROR: tool '%s' execution failed: %v", call.Name, err))
	}
	return proto.NewToolResult(call.ID, content)
}

// runTool resolves, validates, and executes a single tool call.
func (m *Machine) runTool(ctx context.Context, call *proto.ToolCall) (string, error) {
	tool, err := m.tools.Get(call.Name)
	if err != nil {
		return "", err
	}
	if err := tools.ValidateArgs(tool.Definition().InputSchema, call.Args); err != nil {
		return "", err
	}
	res, err := tool.Exec(ctx, call.Args)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// TransitionTo moves to the next phase and commits the checkpoint that
// makes the transition real. On a failed commit the phase rolls back so
// in-memory state never runs ahead of the store.
func (m *Machine) TransitionTo(ctx context.Context, next proto.Phase, metadata map[string]any) error {
	m.mu.Lock()
	from := m.session.Phase
	if !proto.ValidPhaseTransition(from, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, next)
	}
	m.session.Phase = next
	snap := m.session.Snapshot()
	m.mu.Unlock()

	seq, err := m.commitCheckpoint(ctx, snap)
	if err != nil {
		m.mu.Lock()
		m.session.Phase = from
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.lastSeq = seq
	notifCh := m.notifCh
	m.mu.Unlock()

	m.logger.Info("🔄 Phase transition: %s → %s (checkpoint %d)", from, next, seq)
	metrics.IncPhaseTransition(from, next)

	change := &proto.PhaseChange{
		SessionID: m.session.ID,
		From:      from,
		To:        next,
		Seq:       seq,
		Metadata:  metadata,
	}
	m.recordEvent(eventlog.NewPhaseTransition(change))

	if notifCh != nil {
		select {
		case notifCh <- change:
		default:
			m.logger.Warn("Phase notification channel full, dropping notification for %s: %s -> %s",
				m.session.ID, from, next)
		}
	}
	return nil
}

// commitCheckpoint appends a snapshot to the store, retrying with
// backoff while the store reports itself unavailable. The write itself
// runs on a context that survives cancellation: a checkpoint either
// commits or it does not, never half-finishes because the operator
// pressed Ctrl-C. Only the wait between attempts observes ctx.
func (m *Machine) commitCheckpoint(ctx context.Context, snap proto.Checkpoint) (int64, error) {
	writeCtx := context.WithoutCancel(ctx)
	maxAttempts := m.storeRetry.Config.MaxAttempts

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if delay := m.storeRetry.CalculateDelay(attempt); delay > 0 {
			metrics.IncCheckpointRetry()
			m.logger.Warn("⚠️ Checkpoint write failed (attempt %d/%d): %v; retrying in %s",
				attempt-1, maxAttempts, lastErr, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, fmt.Errorf("checkpoint retry cancelled: %w", ctx.Err())
			}
		}

		seq, err := m.store.Append(writeCtx, m.session.ID, snap)
		if err == nil {
			metrics.ObserveCheckpoint(m.session.ID, seq)
			return seq, nil
		}
		lastErr = err

		if !errors.Is(err, persistence.ErrStoreUnavailable) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("checkpoint write failed after %d attempts: %w", maxAttempts, lastErr)
}

// GetCurrentPhase returns the current phase.
func (m *Machine) GetCurrentPhase() proto.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Phase
}

// GetSessionID returns the session identifier.
func (m *Machine) GetSessionID() string {
	return m.session.ID
}

// GetHistory returns a deep copy of the message history.
func (m *Machine) GetHistory() []proto.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return proto.CloneMessages(m.session.Messages)
}

// GetLastSeq returns the sequence number of the last committed
// checkpoint, 0 before the first commit.
func (m *Machine) GetLastSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

// SetNotificationChannel registers a channel receiving committed phase
// changes. Sends are non-blocking; a full channel drops notifications.
func (m *Machine) SetNotificationChannel(ch chan<- *proto.PhaseChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifCh = ch
}

// appendAssistantText appends an assistant turn and shows it to the user.
func (m *Machine) appendAssistantText(text string) {
	m.mu.Lock()
	m.session.Append(proto.NewAssistantText(text))
	m.mu.Unlock()
	m.printAssistant(text)
}

func (m *Machine) printAssistant(text string) {
	fmt.Fprintf(m.out, "assistant: %s\n", text)
}

// warnIfContextHigh emits a one-time warning when the estimated prompt
// size crosses the configured share of the model's context window.
func (m *Machine) warnIfContextHigh() {
	if m.contextWarned || m.maxContextTokens <= 0 || m.contextWarnRatio <= 0 {
		return
	}

	estimate := utils.CountTokensSimple(m.systemPrompt)
	m.mu.Lock()
	for i := range m.session.Messages {
		msg := &m.session.Messages[i]
		estimate += utils.CountTokensSimple(msg.Text)
		estimate += utils.CountTokensSimple(msg.Content)
		for j := range msg.ToolCalls {
			estimate += utils.CountTokensSimple(fmt.Sprintf("%s %v", msg.ToolCalls[j].Name, msg.ToolCalls[j].Args))
		}
	}
	m.mu.Unlock()

	threshold := int(float64(m.maxContextTokens) * m.contextWarnRatio)
	if estimate < threshold {
		return
	}

	m.contextWarned = true
	detail := fmt.Sprintf("estimated %d of %d context tokens used", estimate, m.maxContextTokens)
	m.logger.Warn("📊 Context window filling up: %s", detail)
	m.recordEvent(eventlog.NewContextWatermark(m.session.ID, detail))
}

// recordEvent writes an entry to the transcript. Transcript failures
// never interrupt the conversation.
func (m *Machine) recordEvent(ev *eventlog.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.WriteEvent(ev); err != nil {
		m.logger.Warn("Failed to write event log entry: %v", err)
	}
}
