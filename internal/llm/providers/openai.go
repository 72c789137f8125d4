package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// OpenAICompatConfig configures an adapter for OpenAI's API or one of
// its compatible deployments.
type OpenAICompatConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int

	// SupportsReasoningEffort enables the effort control for backends
	// that accept it.
	SupportsReasoningEffort bool

	// NativeEndpoint marks the provider's own deployment. The adapter
	// stores the flag but sends no prompt-cache hints on any endpoint.
	NativeEndpoint bool
}

// OpenAICompatProvider adapts OpenAI's chat-completions contract and
// the deployments that speak it.
type OpenAICompatProvider struct {
	cfg    OpenAICompatConfig
	client *openai.Client
	retry  retryPolicy
}

// NewOpenAIProvider creates the adapter for api.openai.com.
func NewOpenAIProvider(apiKey, defaultModel string) (*OpenAICompatProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:                    "openai",
		APIKey:                  apiKey,
		DefaultModel:            orDefault(defaultModel, "gpt-4o"),
		SupportsReasoningEffort: true,
		NativeEndpoint:          true,
	})
}

// NewOpenRouterProvider creates the adapter for openrouter.ai.
func NewOpenRouterProvider(apiKey, defaultModel string) (*OpenAICompatProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:                    "openrouter",
		APIKey:                  apiKey,
		BaseURL:                 "https://openrouter.ai/api/v1",
		DefaultModel:            orDefault(defaultModel, "anthropic/claude-sonnet-4"),
		SupportsReasoningEffort: true,
	})
}

// NewXAIProvider creates the adapter for api.x.ai.
func NewXAIProvider(apiKey, defaultModel string) (*OpenAICompatProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:           "xai",
		APIKey:         apiKey,
		BaseURL:        "https://api.x.ai/v1",
		DefaultModel:   orDefault(defaultModel, "grok-4"),
		NativeEndpoint: true,
	})
}

// NewZAIProvider creates the adapter for api.z.ai.
func NewZAIProvider(apiKey, defaultModel string) (*OpenAICompatProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "zai",
		APIKey:       apiKey,
		BaseURL:      "https://api.z.ai/api/paas/v4",
		DefaultModel: orDefault(defaultModel, "glm-4.5"),
	})
}

// NewDeepSeekProvider creates the adapter for api.deepseek.com.
func NewDeepSeekProvider(apiKey, defaultModel string) (*OpenAICompatProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "deepseek",
		APIKey:       apiKey,
		BaseURL:      "https://api.deepseek.com/v1",
		DefaultModel: orDefault(defaultModel, "deepseek-chat"),
	})
}

// NewMoonshotProvider creates the adapter for api.moonshot.ai.
func NewMoonshotProvider(apiKey, defaultModel string) (*OpenAICompatProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "moonshot",
		APIKey:       apiKey,
		BaseURL:      "https://api.moonshot.ai/v1",
		DefaultModel: orDefault(defaultModel, "kimi-k2-0711-preview"),
	})
}

// NewLMStudioProvider creates the adapter for a local LM Studio server.
func NewLMStudioProvider(baseURL, defaultModel string) (*OpenAICompatProvider, error) {
	return NewOpenAICompatProvider(OpenAICompatConfig{
		Name:         "lmstudio",
		APIKey:       "lm-studio",
		BaseURL:      orDefault(baseURL, "http://127.0.0.1:1234/v1"),
		DefaultModel: defaultModel,
	})
}

// NewOpenAICompatProvider creates an adapter from an explicit config.
func NewOpenAICompatProvider(cfg OpenAICompatConfig) (*OpenAICompatProvider, error) {
	if cfg.APIKey == "" {
		return nil, vterror.Newf(vterror.KindAuthentication, "%s API key is not configured", cfg.Name)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAICompatProvider{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
		retry:  newRetryPolicy(cfg.MaxRetries, 0),
	}, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// Name implements llm.Provider.
func (p *OpenAICompatProvider) Name() string { return p.cfg.Name }

// SupportedModels implements llm.Provider; compatible deployments
// serve arbitrary model ids, so only the default is advertised.
func (p *OpenAICompatProvider) SupportedModels() []string {
	if p.cfg.DefaultModel == "" {
		return nil
	}
	return []string{p.cfg.DefaultModel}
}

// SupportsStreaming implements llm.Provider.
func (p *OpenAICompatProvider) SupportsStreaming(string) bool { return true }

// SupportsReasoning implements llm.Provider.
func (p *OpenAICompatProvider) SupportsReasoning(model string) bool {
	return strings.HasPrefix(model, "o") || strings.Contains(model, "reason") || strings.Contains(model, "deepseek-r")
}

// SupportsReasoningEffort implements llm.Provider.
func (p *OpenAICompatProvider) SupportsReasoningEffort(model string) bool {
	return p.cfg.SupportsReasoningEffort
}

// SupportsTools implements llm.Provider.
func (p *OpenAICompatProvider) SupportsTools(string) bool { return true }

// ValidateRequest implements llm.Provider.
func (p *OpenAICompatProvider) ValidateRequest(req *llm.Request) error {
	return llm.ValidateMessages(req.Messages)
}

func (p *OpenAICompatProvider) buildRequest(req *llm.Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.DefaultModel
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages),
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if len(req.Stop) > 0 {
		out.Stop = req.Stop
	}
	if req.PresencePenalty != nil {
		out.PresencePenalty = float32(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		out.FrequencyPenalty = float32(*req.FrequencyPenalty)
	}
	if len(req.Tools) > 0 {
		out.Tools = p.convertTools(llm.DedupeTools(req.Tools))
		out.ParallelToolCalls = req.ParallelToolCalls
	}
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case llm.ToolChoiceNone:
			out.ToolChoice = "none"
		case llm.ToolChoiceAny:
			out.ToolChoice = "required"
		case llm.ToolChoiceSpecific:
			out.ToolChoice = openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: req.ToolChoice.Name},
			}
		}
	}
	if p.cfg.SupportsReasoningEffort {
		if effort := openaiEffort(req.ReasoningEffort); effort != "" {
			out.ReasoningEffort = effort
		}
	}
	if len(req.OutputSchema) > 0 {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "structured_output",
				Schema: json.RawMessage(req.OutputSchema),
				Strict: true,
			},
		}
	}
	return out
}

func openaiEffort(effort llm.ReasoningEffort) string {
	switch effort {
	case llm.EffortMinimal:
		return "minimal"
	case llm.EffortLow:
		return "low"
	case llm.EffortMedium:
		return "medium"
	case llm.EffortHigh, llm.EffortXHigh:
		return "high"
	default:
		return ""
	}
}

func (p *OpenAICompatProvider) convertMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Text()})
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text()}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text()})
		}
	}
	return out
}

func (p *OpenAICompatProvider) convertTools(tools []models.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

// Generate implements llm.Provider.
func (p *OpenAICompatProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, p.cfg.Name+" request", err)
	}
	chatReq := p.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	err := p.retry.do(ctx, isRetryableTransport, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, vterror.New(vterror.KindProvider, "response contains no choices")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: openaiFinishReason(string(choice.FinishReason)),
		Reasoning:    llm.NormalizeReasoning(choice.Message.Content, choice.Message.ReasoningContent),
		RequestID:    resp.ID,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Kind:      "function",
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	out.Usage = &models.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if resp.Usage.PromptTokensDetails != nil {
		out.Usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	return out, nil
}

// Stream implements llm.Provider.
func (p *OpenAICompatProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, p.cfg.Name+" request", err)
	}
	chatReq := p.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	err := p.retry.do(ctx, isRetryableTransport, func() error {
		var callErr error
		stream, callErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return callErr
	})
	if err != nil {
		return nil, p.mapError(err)
	}

	events := make(chan llm.StreamEvent)
	go p.processStream(stream, events, chatReq.Model)
	return events, nil
}

func (p *OpenAICompatProvider) processStream(stream *openai.ChatCompletionStream, events chan<- llm.StreamEvent, model string) {
	defer close(events)
	defer stream.Close()

	var (
		textAcc      llm.DeltaAccumulator
		reasoningAcc strings.Builder
		partials     = map[int]*models.ToolCall{}
		order        []int
		usage        models.Usage
		finish       string
	)

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			events <- llm.StreamEvent{Err: p.mapError(err)}
			return
		}

		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			events <- llm.StreamEvent{Usage: &usage}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			if suffix := textAcc.Absorb(choice.Delta.Content); suffix != "" {
				events <- llm.StreamEvent{DeltaText: suffix}
			}
		}
		if choice.Delta.ReasoningContent != "" {
			reasoningAcc.WriteString(choice.Delta.ReasoningContent)
			events <- llm.StreamEvent{DeltaReasoning: choice.Delta.ReasoningContent}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			partial := partials[index]
			if partial == nil {
				partial = &models.ToolCall{Kind: "function"}
				partials[index] = partial
				order = append(order, index)
			}
			if tc.ID != "" {
				partial.ID = tc.ID
			}
			if tc.Function.Name != "" {
				partial.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				partial.Arguments = append(partial.Arguments, []byte(tc.Function.Arguments)...)
			}
		}
	}

	var toolCalls []models.ToolCall
	for _, index := range order {
		partial := partials[index]
		if partial.ID == "" || partial.Name == "" {
			continue
		}
		if len(partial.Arguments) == 0 {
			partial.Arguments = json.RawMessage(`{}`)
		}
		toolCalls = append(toolCalls, *partial)
		events <- llm.StreamEvent{ToolCallPartial: partial}
	}

	events <- llm.StreamEvent{Completed: &llm.Response{
		Content:      textAcc.String(),
		ToolCalls:    toolCalls,
		Model:        model,
		Usage:        &usage,
		FinishReason: openaiFinishReason(finish),
		Reasoning:    llm.NormalizeReasoning(textAcc.String(), reasoningAcc.String()),
	}}
}

func openaiFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "length":
		return llm.FinishLength
	case "content_filter":
		return llm.FinishContentFilter
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "":
		return llm.FinishStop
	default:
		return llm.FinishStop
	}
}

func (p *OpenAICompatProvider) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		retryAfter := int64(0)
		return llm.MapHTTPStatus(apiErr.HTTPStatusCode, apiErr.Message, retryAfter)
	}
	return llm.MapTransportError(err)
}
