package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// fallbackThoughtSignature is attached when a provider requires a
// signature on replayed tool calls but the stream never produced one.
const fallbackThoughtSignature = "skip_thought_signature_validator"

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int

	// ExplicitCache passes CachedContent instead of relying on the
	// endpoint's implicit caching.
	ExplicitCache bool
	CachedContent string
}

// GeminiProvider adapts the Gemini API via the google genai SDK.
type GeminiProvider struct {
	client *genai.Client
	cfg    GeminiConfig
	retry  retryPolicy
}

// NewGeminiProvider creates the adapter.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, vterror.New(vterror.KindAuthentication, "gemini API key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, vterror.Wrap(vterror.KindProvider, "gemini client", err)
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.5-flash"
	}
	return &GeminiProvider{client: client, cfg: cfg, retry: newRetryPolicy(cfg.MaxRetries, 0)}, nil
}

// Name implements llm.Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// SupportedModels implements llm.Provider.
func (p *GeminiProvider) SupportedModels() []string {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"}
}

// SupportsStreaming implements llm.Provider.
func (p *GeminiProvider) SupportsStreaming(string) bool { return true }

// SupportsReasoning implements llm.Provider.
func (p *GeminiProvider) SupportsReasoning(model string) bool {
	return strings.Contains(model, "2.5")
}

// SupportsReasoningEffort implements llm.Provider.
func (p *GeminiProvider) SupportsReasoningEffort(model string) bool {
	return p.SupportsReasoning(model)
}

// SupportsTools implements llm.Provider.
func (p *GeminiProvider) SupportsTools(string) bool { return true }

// ValidateRequest implements llm.Provider.
func (p *GeminiProvider) ValidateRequest(req *llm.Request) error {
	return llm.ValidateMessages(req.Messages)
}

// Generate implements llm.Provider by draining the stream.
func (p *GeminiProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collectStream(ctx, events)
}

// Stream implements llm.Provider.
func (p *GeminiProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, "gemini request", err)
	}

	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}
	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	config := p.buildConfig(req)

	events := make(chan llm.StreamEvent)
	go func() {
		defer close(events)

		var (
			textAcc      llm.DeltaAccumulator
			reasoningAcc strings.Builder
			toolCalls    []models.ToolCall
			usage        models.Usage
			finish       llm.FinishReason = llm.FinishStop
		)

		for resp, iterErr := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if iterErr != nil {
				events <- llm.StreamEvent{Err: llm.MapTransportError(iterErr)}
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
				usage.ReasoningTokens = int(resp.UsageMetadata.ThoughtsTokenCount)
				usage.CacheReadTokens = int(resp.UsageMetadata.CachedContentTokenCount)
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				if candidate.FinishReason == genai.FinishReasonMaxTokens {
					finish = llm.FinishLength
				}
				if candidate.FinishReason == genai.FinishReasonSafety {
					finish = llm.FinishContentFilter
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if part.Thought {
							reasoningAcc.WriteString(part.Text)
							events <- llm.StreamEvent{DeltaReasoning: part.Text}
							continue
						}
						if suffix := textAcc.Absorb(part.Text); suffix != "" {
							events <- llm.StreamEvent{DeltaText: suffix}
						}
					}
					if part.FunctionCall != nil {
						argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							argsJSON = []byte("{}")
						}
						call := models.ToolCall{
							ID:        functionCallID(part.FunctionCall, len(toolCalls)),
							Kind:      "function",
							Name:      part.FunctionCall.Name,
							Arguments: argsJSON,
						}
						if len(part.ThoughtSignature) > 0 {
							call.ThoughtSignature = string(part.ThoughtSignature)
						} else {
							// Replay without a signature is rejected by
							// the endpoint; attach the safe fallback.
							call.ThoughtSignature = fallbackThoughtSignature
						}
						toolCalls = append(toolCalls, call)
						events <- llm.StreamEvent{ToolCallPartial: &call}
					}
				}
			}
		}

		if len(toolCalls) > 0 {
			finish = llm.FinishToolCalls
		}
		events <- llm.StreamEvent{Completed: &llm.Response{
			Content:      textAcc.String(),
			ToolCalls:    toolCalls,
			Model:        model,
			Usage:        &usage,
			FinishReason: finish,
			Reasoning:    llm.NormalizeReasoning(textAcc.String(), reasoningAcc.String()),
		}}
	}()
	return events, nil
}

func functionCallID(fc *genai.FunctionCall, ordinal int) string {
	if fc.ID != "" {
		return fc.ID
	}
	return fmt.Sprintf("call_%s_%d", fc.Name, ordinal)
}

func (p *GeminiProvider) convertMessages(msgs []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	// Tool names are recovered from the preceding assistant message
	// when rendering function responses.
	nameByCallID := map[string]string{}
	for i := range msgs {
		for _, tc := range msgs[i].ToolCalls {
			nameByCallID[tc.ID] = tc.Name
		}
	}

	for i := range msgs {
		msg := &msgs[i]
		if msg.Role == models.RoleSystem {
			// Hoisted into SystemInstruction.
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     nameByCallID[msg.ToolCallID],
					Response: response,
				},
			})
			result = append(result, content)
			continue
		}

		if text := msg.Text(); text != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: text})
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			part := &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			}
			signature := tc.ThoughtSignature
			if signature == "" {
				signature = fallbackThoughtSignature
			}
			part.ThoughtSignature = []byte(signature)
			content.Parts = append(content.Parts, part)
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func (p *GeminiProvider) buildConfig(req *llm.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	var system string
	for i := range req.Messages {
		if req.Messages[i].Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += req.Messages[i].Text()
		}
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		config.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.TopK != nil {
		config.TopK = genai.Ptr(float32(*req.TopK))
	}
	if len(req.Stop) > 0 {
		config.StopSequences = req.Stop
	}

	if len(req.Tools) > 0 {
		config.Tools = p.convertTools(llm.DedupeTools(req.Tools))
	}

	if budget := geminiThinkingBudget(req.ReasoningEffort); budget > 0 {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(budget),
		}
	}

	if len(req.OutputSchema) > 0 {
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = json.RawMessage(req.OutputSchema)
	}

	// Explicit cache naming is config-gated; the default relies on the
	// endpoint's implicit caching.
	if p.cfg.ExplicitCache && p.cfg.CachedContent != "" && req.PromptCacheKey != "" {
		config.CachedContent = p.cfg.CachedContent
	}

	return config
}

func geminiThinkingBudget(effort llm.ReasoningEffort) int32 {
	switch effort {
	case llm.EffortMinimal:
		return 512
	case llm.EffortLow:
		return 2048
	case llm.EffortMedium:
		return 8192
	case llm.EffortHigh:
		return 16_384
	case llm.EffortXHigh:
		return 24_576
	default:
		return 0
	}
}

func (p *GeminiProvider) convertTools(tools []models.ToolDefinition) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          tool.Description,
			ParametersJsonSchema: json.RawMessage(tool.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}
