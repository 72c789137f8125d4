// Package config holds the vtcode configuration model and loader.
package config

import (
	"time"

	"github.com/vtcode-ai/vtcode/internal/observability"
)

// Config is the main configuration structure for vtcode.
type Config struct {
	Agent     AgentConfig             `yaml:"agent"`
	Context   ContextConfig           `yaml:"context"`
	Providers ProvidersConfig         `yaml:"providers"`
	Tools     ToolsConfig             `yaml:"tools"`
	Safety    SafetyConfig            `yaml:"safety"`
	Sandbox   SandboxConfig           `yaml:"sandbox"`
	PTY       PTYConfig               `yaml:"pty"`
	Dotfiles  DotfileConfig           `yaml:"dotfiles"`
	Snapshots SnapshotConfig          `yaml:"snapshots"`
	MCP       MCPConfig               `yaml:"mcp"`
	Logging   observability.LogConfig `yaml:"logging"`
}

// AgentConfig bounds the turn loop.
type AgentConfig struct {
	// Provider selects the adapter: anthropic, openai, openrouter, xai,
	// zai, deepseek, moonshot, gemini, bedrock, ollama, lmstudio, harmony.
	Provider string `yaml:"provider"`

	// Model is the model identifier sent to the provider.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// MaxIterations limits model/tool round-trips per turn.
	MaxIterations int `yaml:"max_iterations"`

	// MaxToolCallsPerTurn caps tool executions within one turn.
	MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn"`

	// MaxWallTime limits total turn duration (0 = no limit).
	MaxWallTime time.Duration `yaml:"max_wall_time"`

	// MaxTokens is the per-response output token cap.
	MaxTokens int `yaml:"max_tokens"`

	// ReasoningEffort is none, minimal, low, medium, high, or xhigh.
	ReasoningEffort string `yaml:"reasoning_effort"`

	// Stream enables streaming responses when the model supports them.
	Stream bool `yaml:"stream"`

	// PromptCache enables provider prompt caching on native endpoints.
	PromptCache bool `yaml:"prompt_cache"`
}

// ContextConfig bounds the per-turn curated context.
type ContextConfig struct {
	// Enabled toggles dynamic curation; when off, the full conversation
	// and tool set are sent.
	Enabled bool `yaml:"enabled"`

	// ContextWindow is the model context size in tokens.
	ContextWindow int `yaml:"context_window"`

	// ReservedForOutput is withheld from the input budget.
	ReservedForOutput int `yaml:"reserved_for_output"`

	// MaxTokensPerTurn caps the curated payload.
	MaxTokensPerTurn int `yaml:"max_tokens_per_turn"`

	// PreserveRecentMessages is the always-included message tail.
	PreserveRecentMessages int `yaml:"preserve_recent_messages"`

	// MaxToolDescriptions caps tool descriptions per call.
	MaxToolDescriptions int `yaml:"max_tool_descriptions"`

	// LedgerMaxEntries caps the decision-ledger summary.
	LedgerMaxEntries int `yaml:"ledger_max_entries"`

	// MaxRecentErrors caps error entries included.
	MaxRecentErrors int `yaml:"max_recent_errors"`
}

// ProvidersConfig holds per-provider settings beyond the active selection.
type ProvidersConfig struct {
	Gemini  GeminiConfig  `yaml:"gemini"`
	Ollama  OllamaConfig  `yaml:"ollama"`
	Bedrock BedrockConfig `yaml:"bedrock"`
	Harmony HarmonyConfig `yaml:"harmony"`
}

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	// ExplicitCache passes CachedContent when set; the default relies
	// on implicit caching.
	ExplicitCache bool `yaml:"explicit_cache"`

	// CachedContent names a pre-created cache entry.
	CachedContent string `yaml:"cached_content"`
}

// OllamaConfig configures the local Ollama endpoint.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
}

// BedrockConfig configures the Bedrock deployment.
type BedrockConfig struct {
	Region string `yaml:"region"`
}

// HarmonyConfig configures the Harmony-format inference endpoint. The
// HARMONY_INFERENCE_SERVER_URL environment variable overrides BaseURL.
type HarmonyConfig struct {
	BaseURL string `yaml:"base_url"`
}

// ToolsConfig configures the tool pipeline.
type ToolsConfig struct {
	// DefaultTimeout bounds one tool execution.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxRetries bounds pipeline-level retries for retryable outcomes,
	// per tool name per turn.
	MaxRetries int `yaml:"max_retries"`

	// MaxOutputBytes truncates tool output beyond this size.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// Autonomy is "full" (no prompts), "hitl" (prompt for mutating), or
	// "readonly" (deny mutating).
	Autonomy string `yaml:"autonomy"`

	// Timeouts holds per-tool timeout overrides.
	Timeouts map[string]time.Duration `yaml:"timeouts"`
}

// SafetyConfig bounds the loop/circuit/rate/session guards.
type SafetyConfig struct {
	LoopWarnThreshold  int           `yaml:"loop_warn_threshold"`
	LoopBlockThreshold int           `yaml:"loop_block_threshold"`
	LoopWindow         time.Duration `yaml:"loop_window"`
	SpoolReuseWindow   time.Duration `yaml:"spool_reuse_window"`

	BreakerFailureRatio float64       `yaml:"breaker_failure_ratio"`
	BreakerWindowSize   int           `yaml:"breaker_window_size"`
	BreakerCooldown     time.Duration `yaml:"breaker_cooldown"`
	BreakerMaxBackoff   time.Duration `yaml:"breaker_max_backoff"`

	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`

	SessionMaxToolCalls int `yaml:"session_max_tool_calls"`
}

// SandboxConfig configures command sandboxing.
type SandboxConfig struct {
	// Mode is disabled, auto, or strict.
	Mode string `yaml:"mode"`

	// LinuxSandboxBinary is the host sandbox helper invoked on Linux.
	LinuxSandboxBinary string `yaml:"linux_sandbox_binary"`

	AllowNetwork    bool     `yaml:"allow_network"`
	AllowEnvInherit bool     `yaml:"allow_env_inherit"`
	WritablePaths   []string `yaml:"writable_paths"`
	ReadablePaths   []string `yaml:"readable_paths"`
}

// PTYConfig bounds PTY sessions.
type PTYConfig struct {
	ScrollbackLines int           `yaml:"scrollback_lines"`
	ScrollbackBytes int           `yaml:"scrollback_bytes"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	CloseGrace      time.Duration `yaml:"close_grace"`
}

// DotfileConfig configures dotfile protection.
type DotfileConfig struct {
	Enabled                        bool     `yaml:"enabled"`
	ProtectedGlobs                 []string `yaml:"protected_globs"`
	Whitelist                      []string `yaml:"whitelist"`
	RequireExplicitConfirmation    bool     `yaml:"require_explicit_confirmation"`
	RequireSecondaryAuthWhitelist  bool     `yaml:"require_secondary_auth_for_whitelist"`
	PreventCascadingModifications  bool     `yaml:"prevent_cascading_modifications"`
	BlockDuringAutomation          bool     `yaml:"block_during_automation"`
	BackupDir                      string   `yaml:"backup_dir"`
	MaxBackupsPerFile              int      `yaml:"max_backups_per_file"`
	AuditLogPath                   string   `yaml:"audit_log_path"`
}

// SnapshotConfig configures per-turn checkpoints.
type SnapshotConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxSnapshots int  `yaml:"max_snapshots"`
	MaxAgeDays   int  `yaml:"max_age_days"`
}

// MCPConfig configures the MCP catalog client.
type MCPConfig struct {
	Enabled   bool                       `yaml:"enabled"`
	Providers map[string]MCPProviderSpec `yaml:"providers"`

	// Defaults is the base rule-set applied when a provider omits one.
	Defaults MCPRuleSet `yaml:"defaults"`
}

// MCPProviderSpec describes one MCP server.
type MCPProviderSpec struct {
	// Transport is "stdio" or "http".
	Transport string `yaml:"transport"`

	// Command and Args launch a stdio server.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// URL is the streamable-HTTP endpoint.
	URL string `yaml:"url"`

	// Rules overrides the default rule-set for this provider.
	Rules *MCPRuleSet `yaml:"rules"`
}

// MCPRuleSet lists glob patterns (* and ?) per capability class.
type MCPRuleSet struct {
	Tools         []string `yaml:"tools"`
	Resources     []string `yaml:"resources"`
	Prompts       []string `yaml:"prompts"`
	Logging       []string `yaml:"logging"`
	Configuration []string `yaml:"configuration"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Provider:            "anthropic",
			Model:               "claude-sonnet-4-20250514",
			APIKeyEnv:           "ANTHROPIC_API_KEY",
			MaxIterations:       24,
			MaxToolCallsPerTurn: 64,
			MaxTokens:           8192,
			ReasoningEffort:     "none",
			Stream:              true,
		},
		Context: ContextConfig{
			Enabled:                true,
			ContextWindow:          200_000,
			ReservedForOutput:      16_384,
			MaxTokensPerTurn:       100_000,
			PreserveRecentMessages: 5,
			MaxToolDescriptions:    10,
			LedgerMaxEntries:       12,
			MaxRecentErrors:        3,
		},
		Providers: ProvidersConfig{
			Ollama:  OllamaConfig{BaseURL: "http://127.0.0.1:11434"},
			Bedrock: BedrockConfig{Region: "us-east-1"},
		},
		Tools: ToolsConfig{
			DefaultTimeout: 30 * time.Second,
			MaxRetries:     2,
			MaxOutputBytes: 256 << 10,
			Autonomy:       "hitl",
		},
		Safety: SafetyConfig{
			LoopWarnThreshold:   5,
			LoopBlockThreshold:  8,
			LoopWindow:          time.Minute,
			SpoolReuseWindow:    2 * time.Minute,
			BreakerFailureRatio: 0.5,
			BreakerWindowSize:   20,
			BreakerCooldown:     30 * time.Second,
			BreakerMaxBackoff:   5 * time.Minute,
			RatePerSecond:       5,
			RateBurst:           10,
			SessionMaxToolCalls: 300,
		},
		Sandbox: SandboxConfig{Mode: "auto"},
		PTY: PTYConfig{
			ScrollbackLines: 10_000,
			ScrollbackBytes: 2 << 20,
			DefaultTimeout:  2 * time.Minute,
			CloseGrace:      3 * time.Second,
		},
		Dotfiles: DotfileConfig{
			Enabled:                       true,
			RequireExplicitConfirmation:   true,
			PreventCascadingModifications: true,
			BlockDuringAutomation:         true,
			MaxBackupsPerFile:             5,
		},
		Snapshots: SnapshotConfig{
			Enabled:      true,
			MaxSnapshots: 50,
			MaxAgeDays:   30,
		},
		MCP: MCPConfig{
			Defaults: MCPRuleSet{
				Tools:         []string{"*"},
				Resources:     []string{"*"},
				Prompts:       []string{"*"},
				Logging:       []string{},
				Configuration: []string{},
			},
		},
		Logging: observability.LogConfig{Level: "info", Format: "text"},
	}
}
