package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/vtcode-ai/vtcode/internal/auth"
	"github.com/vtcode-ai/vtcode/internal/config"
	"github.com/vtcode-ai/vtcode/internal/curator"
	"github.com/vtcode-ai/vtcode/internal/dotfile"
	"github.com/vtcode-ai/vtcode/internal/engine"
	"github.com/vtcode-ai/vtcode/internal/llm/providers"
	"github.com/vtcode-ai/vtcode/internal/mcp"
	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/pty"
	"github.com/vtcode-ai/vtcode/internal/safety"
	"github.com/vtcode-ai/vtcode/internal/sandbox"
	"github.com/vtcode-ai/vtcode/internal/snapshot"
	"github.com/vtcode-ai/vtcode/internal/tokens"
	"github.com/vtcode-ai/vtcode/internal/tools"
	"github.com/vtcode-ai/vtcode/internal/tools/builtin"
	"github.com/vtcode-ai/vtcode/internal/workspace"
)

const systemPrompt = `You are vtcode, a terminal coding agent. You work inside one
workspace, use the provided tools to read, search, edit, and run code,
and keep answers short and concrete. Prefer small verifiable steps.`

// session holds everything one CLI session wires together.
type session struct {
	cfg        *config.Config
	workspace  string
	engine     *engine.Engine
	signals    *engine.Signals
	watcher    *workspace.Watcher
	ptyManager *pty.Manager
	mcpClients []*mcp.Client
	logger     *observability.Logger
}

// buildSession assembles the engine and its collaborators. analysis
// restricts the registry to read-only tools.
func buildSession(ctx context.Context, flags *rootFlags, analysis bool) (*session, error) {
	root, err := flags.resolveWorkspace()
	if err != nil {
		return nil, err
	}
	cfg, err := flags.loadConfig(root)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.Logging)
	metrics := observability.NewMetrics()
	signals := engine.NewSignals()
	stateDir := filepath.Join(root, ".vtcode")

	if cfg.Agent.Provider == "openrouter" {
		if err := ensureOpenRouterKey(ctx, root, logger); err != nil {
			return nil, err
		}
	}

	provider, err := providers.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	guardian, err := dotfile.NewGuardian(cfg.Dotfiles, stateDir, logger)
	if err != nil {
		return nil, err
	}

	watcher, err := workspace.NewWatcher(root, logger)
	if err != nil {
		logger.Warn(ctx, "workspace watcher unavailable; snapshots rely on tool reports", "error", err)
	}

	locks := workspace.NewCommandLocks()
	sandboxRuntime := sandbox.NewRuntime(logger)
	sandboxPolicy := sandbox.Policy{
		Mode:               sandbox.Mode(cfg.Sandbox.Mode),
		AllowNetwork:       cfg.Sandbox.AllowNetwork,
		AllowEnvInherit:    cfg.Sandbox.AllowEnvInherit,
		WritablePaths:      append([]string{root}, cfg.Sandbox.WritablePaths...),
		ReadablePaths:      cfg.Sandbox.ReadablePaths,
		LinuxSandboxBinary: cfg.Sandbox.LinuxSandboxBinary,
	}

	ptyRunner := pty.NewRunner(root, cfg.PTY.DefaultTimeout, locks, logger)
	ptyManager := pty.NewManager(root, pty.SessionConfig{
		ScrollbackLines: cfg.PTY.ScrollbackLines,
		ScrollbackBytes: cfg.PTY.ScrollbackBytes,
		CloseGrace:      cfg.PTY.CloseGrace,
	}, logger)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	confirmer := terminalConfirmer(interactive)

	registry := tools.NewRegistry()
	registry.Register(&builtin.ListFilesTool{Root: root})
	registry.Register(&builtin.ReadFileTool{Root: root})
	registry.Register(&builtin.GrepFileTool{Root: root})
	registry.Register(&builtin.WriteFileTool{Root: root, Guardian: guardian, Confirmer: confirmer})
	registry.Register(&builtin.EditFileTool{Root: root, Guardian: guardian, Confirmer: confirmer})
	registry.Register(&builtin.ShellTool{Root: root, Runtime: sandboxRuntime, Policy: sandboxPolicy, Locks: locks})
	registry.Register(&builtin.RunPtyCmdTool{Runner: ptyRunner})
	registry.Register(&builtin.CreatePtySessionTool{Manager: ptyManager})
	registry.Register(&builtin.SendPtyInputTool{Manager: ptyManager})
	registry.Register(&builtin.ReadPtyOutputTool{Manager: ptyManager})
	registry.Register(&builtin.ClosePtySessionTool{Manager: ptyManager})

	var mcpClients []*mcp.Client
	if cfg.MCP.Enabled {
		mcpClients = connectMCP(ctx, cfg, registry, logger)
	}

	if analysis {
		registry = registry.ReadOnlyView()
	}

	autonomy := cfg.Tools.Autonomy
	if analysis {
		autonomy = "readonly"
	}

	pipeline := tools.NewPipeline(
		tools.PipelineConfig{
			DefaultTimeout: cfg.Tools.DefaultTimeout,
			ToolTimeouts:   cfg.Tools.Timeouts,
			MaxRetries:     cfg.Tools.MaxRetries,
			MaxOutputBytes: cfg.Tools.MaxOutputBytes,
			Autonomy:       autonomy,
		},
		registry,
		safety.NewCircuitBreaker(safety.BreakerConfig{
			FailureRatio: cfg.Safety.BreakerFailureRatio,
			WindowSize:   cfg.Safety.BreakerWindowSize,
			Cooldown:     cfg.Safety.BreakerCooldown,
			MaxBackoff:   cfg.Safety.BreakerMaxBackoff,
		}),
		safety.NewRateLimiter(safety.RateLimiterConfig{
			TokensPerSecond: cfg.Safety.RatePerSecond,
			Burst:           cfg.Safety.RateBurst,
		}),
		safety.NewLoopDetector(safety.LoopDetectorConfig{
			WarnThreshold:  cfg.Safety.LoopWarnThreshold,
			BlockThreshold: cfg.Safety.LoopBlockThreshold,
			Window:         cfg.Safety.LoopWindow,
			SpoolWindow:    cfg.Safety.SpoolReuseWindow,
		}, alternativeStrategy),
		safety.NewValidator(cfg.Safety.SessionMaxToolCalls),
		tools.NewApprovalCache(),
		terminalApprover(interactive),
		recorderFor(watcher),
		metrics,
		logger,
	)
	pipeline.RaisePrompt = raiseLimitPrompt(interactive)

	budget := tokens.NewBudget(cfg.Agent.Model, cfg.Context.ContextWindow, cfg.Context.ReservedForOutput)
	cur := curator.New(cfg.Context, budget, curator.NewDecisionLedger(0),
		tokens.NewEncodingEstimator(cfg.Agent.Model), logger)

	snapshots := snapshot.NewManager(snapshot.Config{
		Workspace:    root,
		Enabled:      cfg.Snapshots.Enabled,
		MaxSnapshots: cfg.Snapshots.MaxSnapshots,
		MaxAgeDays:   cfg.Snapshots.MaxAgeDays,
	}, logger)

	eng := engine.New(engine.Options{
		Config:       cfg,
		Provider:     provider,
		Registry:     registry,
		Pipeline:     pipeline,
		Curator:      cur,
		Budget:       budget,
		Snapshots:    snapshots,
		Modified:     sourceFor(watcher),
		Signals:      signals,
		Sink:         newTerminalSink(flags),
		Metrics:      metrics,
		Logger:       logger,
		SystemPrompt: systemPrompt,
	})

	return &session{
		cfg:        cfg,
		workspace:  root,
		engine:     eng,
		signals:    signals,
		watcher:    watcher,
		ptyManager: ptyManager,
		mcpClients: mcpClients,
		logger:     logger,
	}, nil
}

// recorderFor avoids handing a typed-nil interface to the pipeline.
func recorderFor(w *workspace.Watcher) tools.ModifiedFileRecorder {
	if w == nil {
		return nil
	}
	return w
}

// sourceFor avoids handing a typed-nil interface to the engine.
func sourceFor(w *workspace.Watcher) engine.ModifiedFileSource {
	if w == nil {
		return nil
	}
	return w
}

func (s *session) close(ctx context.Context) {
	s.ptyManager.CloseAll(ctx)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	for _, client := range s.mcpClients {
		if err := client.Close(); err != nil {
			s.logger.Warn(ctx, "mcp client close failed", "error", err)
		}
	}
}

func connectMCP(ctx context.Context, cfg *config.Config, registry *tools.Registry, logger *observability.Logger) []*mcp.Client {
	var clients []*mcp.Client
	for name, spec := range cfg.MCP.Providers {
		rules := mcp.NewRuleSet(cfg.MCP.Defaults, spec.Rules)
		var client *mcp.Client
		var err error
		switch spec.Transport {
		case "http":
			client, err = mcp.NewHTTPClient(ctx, name, spec.URL, rules, logger)
		default:
			client, err = mcp.NewStdioClient(ctx, name, spec.Command, spec.Args, rules, logger)
		}
		if err != nil {
			logger.Warn(ctx, "mcp provider unavailable", "provider", name, "error", err)
			continue
		}
		catalog, err := client.ListTools(ctx)
		if err != nil {
			logger.Warn(ctx, "mcp catalog fetch failed", "provider", name, "error", err)
			_ = client.Close()
			continue
		}
		for _, entry := range catalog {
			registry.Register(mcp.NewRemoteTool(client, entry))
		}
		clients = append(clients, client)
	}
	return clients
}

// alternativeStrategy suggests a different approach for tools caught
// looping; unknown tools yield no suggestion.
func alternativeStrategy(tool string) string {
	switch {
	case strings.Contains(tool, "grep"):
		return "narrow the pattern or search a smaller directory"
	case strings.Contains(tool, "list"):
		return "read a specific file instead of re-listing"
	case strings.Contains(tool, "shell"), strings.Contains(tool, "pty"):
		return "inspect prior output before re-running the command"
	default:
		return ""
	}
}

func terminalApprover(interactive bool) tools.Approver {
	if !interactive {
		return nil
	}
	reader := bufio.NewReader(os.Stdin)
	return tools.ApproverFunc(func(ctx context.Context, req tools.ApprovalRequest) tools.ApprovalDecision {
		fmt.Printf("\nallow %s (%s)?\n  args: %s\n  [y]es / [a]lways / [n]o / [q]uit: ",
			req.ToolName, req.Classification, req.ArgumentsJSON)
		line, err := reader.ReadString('\n')
		if err != nil {
			return tools.ApprovalInterrupted
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return tools.ApprovalApproved
		case "a", "always":
			return tools.ApprovalApprovedForSession
		case "q", "quit":
			return tools.ApprovalExit
		default:
			return tools.ApprovalDenied
		}
	})
}

func terminalConfirmer(interactive bool) builtin.DotfileConfirmer {
	if !interactive {
		return func(context.Context, dotfile.ConfirmationRequest) bool { return false }
	}
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, req dotfile.ConfirmationRequest) bool {
		fmt.Printf("\n%s\n  change: %s\n  proceed? [y/N]: ", req.Warning, req.ProposedChanges)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func raiseLimitPrompt(interactive bool) func(ctx context.Context, current int) int {
	if !interactive {
		return nil
	}
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, current int) int {
		fmt.Printf("\nsession tool-call limit (%d) reached; raise it? [y/N]: ", current)
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer == "y" || answer == "yes" {
			return current * 2
		}
		return 0
	}
}

// ensureOpenRouterKey makes an OpenRouter key available in the
// process environment: an existing env key wins, then the encrypted
// token store, then an interactive PKCE sign-in.
func ensureOpenRouterKey(ctx context.Context, root string, logger *observability.Logger) error {
	const keyEnv = "OPENROUTER_API_KEY"
	if os.Getenv(keyEnv) != "" {
		return nil
	}

	tokenDir := filepath.Join(root, ".vtcode", "tokens")
	if userDir, err := os.UserConfigDir(); err == nil {
		tokenDir = filepath.Join(userDir, "vtcode", "tokens")
	}
	store := auth.NewTokenStore(tokenDir)
	if token, err := store.Load("openrouter"); err == nil && token != "" {
		return os.Setenv(keyEnv, token)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil // provider constructor reports the missing key
	}

	flow, err := auth.NewOpenRouterFlow("")
	if err != nil {
		return err
	}
	token, err := flow.Authorize(ctx, func(url string) {
		fmt.Printf("open this URL to authorize vtcode:\n  %s\n", url)
	})
	if err != nil {
		return err
	}
	if err := store.Save("openrouter", token); err != nil {
		logger.Warn(ctx, "token store write failed; key held for this session only", "error", err)
	}
	return os.Setenv(keyEnv, token)
}
