package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vtcode-ai/vtcode/internal/config"
	"github.com/vtcode-ai/vtcode/internal/engine"
	"github.com/vtcode-ai/vtcode/internal/snapshot"
	"github.com/vtcode-ai/vtcode/internal/vterror"
)

type rootFlags struct {
	workspace string
	configLoc string
	model     string
	provider  string
	apiKeyEnv string
	reasoning string
	uiSurface string
	theme     string
	noColor   bool
	verbose   bool
	quiet     bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "vtcode",
		Short:         "vtcode is a terminal coding agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.workspace, "workspace", "", "workspace root (default: $WORKSPACE_DIR or cwd)")
	pf.StringVar(&flags.configLoc, "config", "", "explicit config file path")
	pf.StringVar(&flags.model, "model", "", "model identifier override")
	pf.StringVar(&flags.provider, "provider", "", "provider override")
	pf.StringVar(&flags.apiKeyEnv, "api-key-env", "", "environment variable holding the API key")
	pf.StringVar(&flags.reasoning, "reasoning", "", "reasoning effort: none|minimal|low|medium|high|xhigh")
	pf.StringVar(&flags.uiSurface, "ui-surface", "auto", "terminal surface: auto|alternate|inline")
	pf.StringVar(&flags.theme, "theme", "", "color theme")
	pf.BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	pf.BoolVar(&flags.verbose, "verbose", false, "verbose logging")
	pf.BoolVar(&flags.quiet, "quiet", false, "log warnings and errors only")

	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newAskCommand(flags))
	root.AddCommand(newAnalyzeCommand(flags))
	root.AddCommand(newRevertCommand(flags))

	// Interactive loop is the default.
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context(), flags)
	}
	return root
}

func (f *rootFlags) resolveWorkspace() (string, error) {
	workspace := f.workspace
	if workspace == "" {
		workspace = os.Getenv("WORKSPACE_DIR")
	}
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		workspace = cwd
	}
	abs, err := os.Stat(workspace)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", workspace, err)
	}
	if !abs.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", workspace)
	}
	return workspace, nil
}

func (f *rootFlags) loadConfig(workspace string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configLoc != "" {
		cfg, err = config.LoadFile(f.configLoc)
	} else {
		cfg, err = config.Load(workspace)
	}
	if err != nil {
		return nil, err
	}

	if f.provider != "" {
		cfg.Agent.Provider = f.provider
	}
	if f.model != "" {
		cfg.Agent.Model = f.model
	}
	if f.apiKeyEnv != "" {
		cfg.Agent.APIKeyEnv = f.apiKeyEnv
	}
	if f.reasoning != "" {
		cfg.Agent.ReasoningEffort = f.reasoning
	}
	switch {
	case f.verbose:
		cfg.Logging.Level = "debug"
	case f.quiet:
		cfg.Logging.Level = "warn"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext cancels on SIGINT/SIGTERM, routing the first interrupt
// through the engine's cancel signal and the second to exit.
func signalContext(parent context.Context, signals *engine.Signals) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		first := true
		for range ch {
			if first {
				first = false
				signals.Cancel()
				continue
			}
			signals.Exit()
			cancel()
			return
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		close(ch)
		cancel()
	}
}

func newRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Interactive turn loop (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), flags)
		},
	}
}

func newAskCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <prompt>",
		Short: "One-shot non-interactive turn",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd.Context(), flags, joinArgs(args), false)
		},
	}
}

func newAnalyzeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [prompt]",
		Short: "Run a read-only analysis turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := "Analyze this workspace: structure, key modules, likely entry points."
			if len(args) > 0 {
				prompt = joinArgs(args)
			}
			return runOneShot(cmd.Context(), flags, prompt, true)
		},
	}
}

func newRevertCommand(flags *rootFlags) *cobra.Command {
	var turn int
	var scopeValue string

	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Restore conversation and/or code from a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := flags.resolveWorkspace()
			if err != nil {
				return err
			}
			cfg, err := flags.loadConfig(workspace)
			if err != nil {
				return err
			}
			scope, ok := snapshot.ParseRestoreScope(scopeValue)
			if !ok {
				return vterror.Newf(vterror.KindValidation, "invalid scope %q; expected conversation, code, or both", scopeValue)
			}

			manager := snapshot.NewManager(snapshot.Config{
				Workspace:    workspace,
				Enabled:      true,
				MaxSnapshots: cfg.Snapshots.MaxSnapshots,
				MaxAgeDays:   cfg.Snapshots.MaxAgeDays,
			}, nil)

			restore, err := manager.RestoreSnapshot(cmd.Context(), turn, scope)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored turn %d (%s): %d files, %d messages\n",
				restore.TurnNumber, scopeValue, len(restore.Files), len(restore.Conversation))
			return nil
		},
	}
	cmd.Flags().IntVar(&turn, "turn", 0, "turn number to restore")
	cmd.Flags().StringVar(&scopeValue, "scope", "both", "conversation|code|both")
	_ = cmd.MarkFlagRequired("turn")
	return cmd
}

func joinArgs(args []string) string {
	out := ""
	for i, arg := range args {
		if i > 0 {
			out += " "
		}
		out += arg
	}
	return out
}
