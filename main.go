package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"parley/pkg/agent"
	mwmetrics "parley/pkg/agent/middleware/metrics"
	"parley/pkg/config"
	"parley/pkg/eventlog"
	execpkg "parley/pkg/exec"
	"parley/pkg/logx"
	"parley/pkg/metrics"
	"parley/pkg/persistence"
	"parley/pkg/proto"
	"parley/pkg/tools"
	"parley/pkg/version"
)

// App wires one conversation machine to its collaborators for a single
// run: config, model client, tool provider, checkpoint store, and the
// event log.
type App struct {
	config    config.Config
	factory   *agent.LLMClientFactory
	machine   *agent.Machine
	eventLog  *eventlog.Writer
	logger    *logx.Logger
	sessionID string
	logsDir   string
}

// cliOptions holds the parsed command line. Flags override config file
// values for this run only; nothing is written back to disk.
type cliOptions struct {
	projectDir   string
	session      string
	model        string
	dbPath       string
	workDir      string
	metricsAddr  string
	debugDomains string
	showGraph    bool
	listSessions bool
	showHistory  bool
	showVersion  bool
	debug        bool
}

func main() {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Println("parley " + version.String())
		return
	}
	if opts.showGraph {
		fmt.Println(proto.RenderMermaid())
		return
	}

	// The -model flag rides the same override mechanism as the
	// environment variable, so LoadConfig sees exactly one model name.
	if opts.model != "" {
		if err := os.Setenv(config.EnvModelOverride, opts.model); err != nil {
			log.Fatalf("Failed to set model override: %v", err)
		}
	}

	if err := config.LoadConfig(opts.projectDir); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config.SetSessionID(opts.session)
	config.SetWorkDir(opts.workDir)

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}
	if opts.metricsAddr != "" {
		if cfg.Metrics == nil {
			cfg.Metrics = &config.MetricsConfig{}
		}
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = opts.metricsAddr
	}

	logsDir, err := config.GetLogsDir()
	if err != nil {
		log.Fatalf("Failed to resolve logs directory: %v", err)
	}
	if opts.debug {
		logx.SetDebugConfig(true, true, logsDir)
	}
	if opts.debugDomains != "" {
		logx.SetDebugDomains(strings.Split(opts.debugDomains, ","))
	}

	dbPath := opts.dbPath
	if dbPath == "" {
		if dbPath, err = config.GetDatabasePath(); err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
	}
	if err := persistence.Initialize(dbPath, opts.session); err != nil {
		log.Fatalf("Failed to open checkpoint database %s: %v", dbPath, err)
	}
	store := persistence.Store()

	if opts.listSessions {
		printSessions(store)
		_ = persistence.Close()
		return
	}
	if opts.showHistory {
		printHistory(store, opts.session)
		_ = persistence.Close()
		return
	}

	if err := unlockSecrets(opts.projectDir); err != nil {
		log.Fatalf("Failed to unlock secrets: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, cfg, store, logsDir, opts)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	// First signal lets the machine finish its current phase and commit;
	// a second signal or a stuck shutdown exits immediately.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		app.logger.Info("🛑 Received signal %v, finishing the current phase", sig)
		cancel()

		shutdownTime := time.Duration(config.GracefulShutdownTimeoutSec) * time.Second
		select {
		case sig = <-sigChan:
			app.logger.Error("Received second signal %v, exiting immediately", sig)
		case <-time.After(shutdownTime):
			app.logger.Error("Shutdown timed out after %v, exiting", shutdownTime)
		}
		os.Exit(1)
	}()

	if cfg.Metrics != nil && cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		metrics.StartServer(ctx, cfg.Metrics.Addr, app.logger)
	}

	runErr := app.machine.Run(ctx)
	app.Shutdown()
	if runErr != nil {
		log.Fatalf("Conversation ended with error: %v", runErr)
	}
}

func parseFlags() cliOptions {
	var opts cliOptions
	flag.StringVar(&opts.projectDir, "config", "", "Project directory holding .parley/config.yaml (default: current directory)")
	flag.StringVar(&opts.session, "session", config.DefaultSessionName, "Session to open or resume")
	flag.StringVar(&opts.model, "model", "", "Model override for this run (same as "+config.EnvModelOverride+")")
	flag.StringVar(&opts.dbPath, "db", "", "Checkpoint database path override")
	flag.StringVar(&opts.workDir, "workdir", "", "Directory the tools operate in (default: project directory)")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Listen address for the Prometheus endpoint, e.g. :9090")
	flag.StringVar(&opts.debugDomains, "debug-domains", "", "Comma-separated debug domains (machine,llm,tools,store)")
	flag.BoolVar(&opts.showGraph, "graph", false, "Print the phase graph as Mermaid and exit")
	flag.BoolVar(&opts.listSessions, "sessions", false, "List sessions in the checkpoint database and exit")
	flag.BoolVar(&opts.showHistory, "history", false, "List checkpoints for the session and exit")
	flag.BoolVar(&opts.showVersion, "version", false, "Print version information and exit")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging to stderr and the logs directory")
	flag.Parse()

	if opts.projectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("Failed to determine working directory: %v", err)
		}
		opts.projectDir = cwd
	}
	if opts.workDir == "" {
		opts.workDir = opts.projectDir
	}
	return opts
}

// newApp builds the machine and everything it talks to. The metrics
// middleware needs the machine as its state source and the machine
// needs the finished client, so the state is bound late through a
// small indirection.
func newApp(ctx context.Context, cfg config.Config, store *persistence.SQLiteStore, logsDir string, opts cliOptions) (*App, error) {
	logger := logx.NewLogger("parley")

	eventLog, err := eventlog.NewWriter(logsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}
	if cfg.Logs != nil {
		if _, err := eventlog.PruneLogFiles(logsDir, cfg.Logs.RotationCount); err != nil {
			logger.Warn("Failed to prune old event logs: %v", err)
		}
	}

	factory, err := agent.NewLLMClientFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client factory: %w", err)
	}
	state := &lateBoundState{}
	client, err := factory.CreateClientWithContext(state, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client: %w", err)
	}

	toolProvider := tools.NewProviderFromConfig(cfg, execpkg.NewLocalExec(), opts.workDir)

	input := agent.NewReaderInput(os.Stdin)
	input.SetPrompt("> ", os.Stdout)

	modelInfo, known := config.GetModelInfo(cfg.Model.Name)
	if !known {
		logger.Warn("Model %s not in the model table, using default context limits", cfg.Model.Name)
	}

	machineCfg := agent.MachineConfig{
		Client:            client,
		Tools:             toolProvider,
		Store:             store,
		Input:             input,
		Output:            os.Stdout,
		Events:            eventLog,
		Logger:            logger,
		WorkDir:           opts.workDir,
		SystemPrompt:      cfg.Model.SystemPrompt,
		MaxTokens:         cfg.Model.MaxTokens,
		Temperature:       float32(cfg.Model.Temperature),
		MaxToolIterations: cfg.Model.MaxToolIterations,
		ContextWarnRatio:  cfg.Model.ContextWarnRatio,
		MaxContextTokens:  modelInfo.MaxContextTokens,
	}
	if cfg.Resilience != nil {
		machineCfg.StoreRetry = cfg.Resilience.Retry
	}

	machine, err := agent.ResumeMachine(ctx, opts.session, machineCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open session %s: %w", opts.session, err)
	}
	state.machine = machine

	logger.Info("🎯 Session %s using %s (workdir %s)", opts.session, cfg.Model.Name, opts.workDir)

	return &App{
		config:    cfg,
		factory:   factory,
		machine:   machine,
		eventLog:  eventLog,
		logger:    logger,
		sessionID: opts.session,
		logsDir:   logsDir,
	}, nil
}

// Shutdown flushes the run's artifacts: usage summary, metrics
// snapshot, event log, database, and the in-memory password.
func (a *App) Shutdown() {
	if rec, ok := a.factory.MetricsRecorder().(*mwmetrics.InternalRecorder); ok {
		if sm := rec.GetSessionMetrics(a.sessionID); sm != nil && sm.RequestCount > 0 {
			a.logger.Info("📊 Session %s: %d requests (%d failed), %d tokens, $%.4f",
				a.sessionID, sm.RequestCount, sm.FailureCount, sm.TotalTokens, sm.TotalCost)
		}
	}

	if err := writeMetricsSnapshot(a.logsDir); err != nil {
		a.logger.Warn("Failed to write metrics snapshot: %v", err)
	}
	if err := a.eventLog.Close(); err != nil {
		a.logger.Error("Failed to close event log: %v", err)
	}
	if err := persistence.Close(); err != nil {
		a.logger.Error("Failed to close checkpoint database: %v", err)
	}
	config.ClearProjectPassword()
}

// lateBoundState gives the client middleware a stable handle on the
// machine before the machine exists. The pointer is set once during
// assembly, before the first request can happen.
type lateBoundState struct {
	machine *agent.Machine
}

func (s *lateBoundState) GetCurrentPhase() proto.Phase {
	if s.machine == nil {
		return proto.PhaseAwaitingUserInput
	}
	return s.machine.GetCurrentPhase()
}

func (s *lateBoundState) GetSessionID() string {
	if s.machine == nil {
		return ""
	}
	return s.machine.GetSessionID()
}

// unlockSecrets decrypts the project secrets file when one exists. The
// password comes from the environment or an interactive prompt; it
// stays in memory so secrets edits during the session can re-encrypt.
func unlockSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}

	password := os.Getenv(config.EnvPasswordOverride)
	if password == "" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return fmt.Errorf("stdin is not a terminal; set %s to unlock the secrets file", config.EnvPasswordOverride)
		}
		fmt.Fprint(os.Stderr, "Project password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(raw)
	}

	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	config.SetProjectPassword(password)
	return nil
}

func writeMetricsSnapshot(logsDir string) error {
	path := filepath.Join(logsDir, "metrics.prom")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if err := metrics.WriteSnapshot(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printSessions(store *persistence.SQLiteStore) {
	sessions, err := store.Sessions(context.Background())
	if err != nil {
		log.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, s := range sessions {
		fmt.Printf("%-20s %-24s seq %-6d %4d messages  updated %s\n",
			s.SessionID, s.Phase, s.LatestSeq, s.MessageCount,
			s.UpdatedAt.Local().Format(time.RFC3339))
	}
}

func printHistory(store *persistence.SQLiteStore, sessionID string) {
	infos, err := store.History(context.Background(), sessionID)
	if err != nil {
		log.Fatalf("Failed to list checkpoints for session %s: %v", sessionID, err)
	}
	if len(infos) == 0 {
		fmt.Printf("no checkpoints for session %s\n", sessionID)
		return
	}
	for _, info := range infos {
		fmt.Printf("seq %-6d %-24s %4d messages  %s\n",
			info.Seq, info.Phase, info.MessageCount,
			info.CreatedAt.Local().Format(time.RFC3339))
	}
}
