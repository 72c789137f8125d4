package providers

import (
	"context"
	"os"

	"github.com/vtcode-ai/vtcode/internal/config"
	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/vterror"
)

// defaultKeyEnv maps provider names to their conventional API-key
// environment variables, used when the config names none.
var defaultKeyEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"xai":        "XAI_API_KEY",
	"zai":        "ZAI_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"moonshot":   "MOONSHOT_API_KEY",
	"gemini":     "GEMINI_API_KEY",
}

// New builds the provider adapter selected by the configuration.
func New(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	name := cfg.Agent.Provider
	apiKey := resolveAPIKey(cfg, name)

	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       apiKey,
			DefaultModel: cfg.Agent.Model,
			PromptCache:  cfg.Agent.PromptCache,
		})
	case "openai":
		return NewOpenAIProvider(apiKey, cfg.Agent.Model)
	case "openrouter":
		return NewOpenRouterProvider(apiKey, cfg.Agent.Model)
	case "xai":
		return NewXAIProvider(apiKey, cfg.Agent.Model)
	case "zai":
		return NewZAIProvider(apiKey, cfg.Agent.Model)
	case "deepseek":
		return NewDeepSeekProvider(apiKey, cfg.Agent.Model)
	case "moonshot":
		return NewMoonshotProvider(apiKey, cfg.Agent.Model)
	case "lmstudio":
		return NewLMStudioProvider("", cfg.Agent.Model)
	case "gemini":
		return NewGeminiProvider(ctx, GeminiConfig{
			APIKey:        apiKey,
			DefaultModel:  cfg.Agent.Model,
			ExplicitCache: cfg.Providers.Gemini.ExplicitCache,
			CachedContent: cfg.Providers.Gemini.CachedContent,
		})
	case "bedrock":
		return NewBedrockProvider(ctx, BedrockConfig{
			Region:       cfg.Providers.Bedrock.Region,
			DefaultModel: cfg.Agent.Model,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:      cfg.Providers.Ollama.BaseURL,
			DefaultModel: cfg.Agent.Model,
		}), nil
	case "harmony":
		return NewHarmonyProvider(HarmonyProviderConfig{
			BaseURL:      cfg.Providers.Harmony.BaseURL,
			DefaultModel: cfg.Agent.Model,
		})
	default:
		return nil, vterror.Newf(vterror.KindValidation, "unknown provider %q", name)
	}
}

func resolveAPIKey(cfg *config.Config, provider string) string {
	env := cfg.Agent.APIKeyEnv
	if env == "" {
		env = defaultKeyEnv[provider]
	}
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
