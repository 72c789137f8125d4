package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int

	// PromptCache marks the system block ephemeral-cacheable on native
	// deployments.
	PromptCache bool
}

// AnthropicProvider adapts the Anthropic Messages API. Safe for
// concurrent use; each Stream call owns its goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	promptCache  bool
	retry        retryPolicy
}

// NewAnthropicProvider creates the adapter.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, vterror.New(vterror.KindAuthentication, "anthropic API key is not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		promptCache:  cfg.PromptCache,
		retry:        newRetryPolicy(cfg.MaxRetries, 0),
	}, nil
}

// Name implements llm.Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// SupportedModels implements llm.Provider.
func (p *AnthropicProvider) SupportedModels() []string {
	return []string{
		"claude-opus-4-1-20250805",
		"claude-opus-4-20250514",
		"claude-sonnet-4-20250514",
		"claude-3-7-sonnet-20250219",
		"claude-3-5-haiku-20241022",
	}
}

// SupportsStreaming implements llm.Provider.
func (p *AnthropicProvider) SupportsStreaming(string) bool { return true }

// SupportsReasoning implements llm.Provider.
func (p *AnthropicProvider) SupportsReasoning(model string) bool {
	return !strings.Contains(model, "haiku")
}

// SupportsReasoningEffort implements llm.Provider.
func (p *AnthropicProvider) SupportsReasoningEffort(model string) bool {
	return p.SupportsReasoning(model)
}

// SupportsTools implements llm.Provider.
func (p *AnthropicProvider) SupportsTools(string) bool { return true }

// ValidateRequest implements llm.Provider.
func (p *AnthropicProvider) ValidateRequest(req *llm.Request) error {
	return llm.ValidateMessages(req.Messages)
}

// Generate implements llm.Provider by draining the stream.
func (p *AnthropicProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collectStream(ctx, events)
}

// Stream implements llm.Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, "anthropic request", err)
	}
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	events := make(chan llm.StreamEvent)
	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.retry.do(ctx, isRetryableTransport, func() error {
			stream = p.client.Messages.NewStreaming(ctx, params)
			return stream.Err()
		})
		if err != nil {
			events <- llm.StreamEvent{Err: llm.MapTransportError(err)}
			return
		}
		p.processStream(stream, events, string(params.Model))
	}()
	return events, nil
}

// CountPromptTokensExact implements llm.ExactTokenCounter via the
// native counting endpoint.
func (p *AnthropicProvider) CountPromptTokensExact(ctx context.Context, req *llm.Request) (int, bool) {
	params, err := p.buildParams(req)
	if err != nil {
		return 0, false
	}
	countParams := anthropic.MessageCountTokensParams{
		Model:    params.Model,
		Messages: params.Messages,
		System:   anthropic.MessageCountTokensParamsSystemUnion{OfTextBlockArray: params.System},
	}
	if len(params.Tools) > 0 {
		countParams.Tools = make([]anthropic.MessageCountTokensToolUnionParam, 0, len(params.Tools))
		for _, tool := range params.Tools {
			if tool.OfTool != nil {
				countParams.Tools = append(countParams.Tools, anthropic.MessageCountTokensToolUnionParam{OfTool: tool.OfTool})
			}
		}
	}
	result, err := p.client.Messages.CountTokens(ctx, countParams)
	if err != nil {
		return 0, false
	}
	return int(result.InputTokens), true
}

func (p *AnthropicProvider) buildParams(req *llm.Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, system, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if system != "" {
		block := anthropic.TextBlockParam{Type: "text", Text: system}
		if p.promptCache && req.PromptCacheKey != "" {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(llm.DedupeTools(req.Tools))
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if req.TopK != nil {
		params.TopK = anthropic.Int(int64(*req.TopK))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	if budget := thinkingBudgetFor(req.ReasoningEffort); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case llm.ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case llm.ToolChoiceAny:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case llm.ToolChoiceSpecific:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice.Name}}
		}
	}

	return params, nil
}

// thinkingBudgetFor maps reasoning effort to a thinking token budget.
func thinkingBudgetFor(effort llm.ReasoningEffort) int64 {
	switch effort {
	case llm.EffortMinimal:
		return 1024
	case llm.EffortLow:
		return 4096
	case llm.EffortMedium:
		return 10_000
	case llm.EffortHigh:
		return 20_000
	case llm.EffortXHigh:
		return 32_000
	default:
		return 0
	}
}

func (p *AnthropicProvider) convertMessages(msgs []models.Message) ([]anthropic.MessageParam, string, error) {
	var system string
	var result []anthropic.MessageParam

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case models.RoleSystem:
			// Hoisted into the system-instruction slot.
			if system != "" {
				system += "\n\n"
			}
			system += msg.Text()
			continue
		case models.RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.OriginTool == "" && strings.Contains(msg.Content, `"failure_kind"`)),
			))
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if text := msg.Text(); text != "" {
			content = append(content, anthropic.NewTextBlock(text))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, "", vterror.Wrap(vterror.KindValidation, "tool call arguments are not a JSON object", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, system, nil
}

func (p *AnthropicProvider) convertTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, vterror.Wrap(vterror.KindValidation, fmt.Sprintf("tool schema for %s", tool.Name), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, vterror.Newf(vterror.KindValidation, "tool %s produced no definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// maxEmptyStreamEvents bounds consecutive no-op events before the
// stream is treated as malformed.
const maxEmptyStreamEvents = 300

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- llm.StreamEvent, model string) {
	var (
		textAcc      llm.DeltaAccumulator
		reasoningAcc strings.Builder
		toolCalls    []models.ToolCall
		currentTool  *models.ToolCall
		toolInput    strings.Builder
		usage        models.Usage
		stopReason   string
		emptyEvents  int
	)

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Kind: "function", Name: toolUse.Name}
				toolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if suffix := textAcc.Absorb(delta.Text); suffix != "" {
					events <- llm.StreamEvent{DeltaText: suffix}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					reasoningAcc.WriteString(delta.Thinking)
					events <- llm.StreamEvent{DeltaReasoning: delta.Thinking}
					processed = true
				}
			case "signature_delta":
				if currentTool != nil && delta.Signature != "" {
					currentTool.ThoughtSignature = delta.Signature
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Arguments = json.RawMessage(args)
				toolCalls = append(toolCalls, *currentTool)
				events <- llm.StreamEvent{ToolCallPartial: currentTool}
				currentTool = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				stopReason = string(delta.Delta.StopReason)
			}
			events <- llm.StreamEvent{Usage: &usage}
			processed = true

		case "message_stop":
			reasoning := llm.NormalizeReasoning(textAcc.String(), reasoningAcc.String())
			events <- llm.StreamEvent{Completed: &llm.Response{
				Content:      textAcc.String(),
				ToolCalls:    toolCalls,
				Model:        model,
				Usage:        &usage,
				FinishReason: anthropicFinishReason(stopReason, len(toolCalls)),
				Reasoning:    reasoning,
			}}
			return

		case "error":
			events <- llm.StreamEvent{Err: vterror.New(vterror.KindProvider, "anthropic stream error").WithRetryable()}
			return
		}

		if processed {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			events <- llm.StreamEvent{Err: vterror.Newf(vterror.KindProvider, "stream malformed: %d consecutive empty events", emptyEvents)}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- llm.StreamEvent{Err: llm.MapTransportError(err)}
		return
	}
	// Stream ended without message_stop: surface what accumulated.
	events <- llm.StreamEvent{Completed: &llm.Response{
		Content:      textAcc.String(),
		ToolCalls:    toolCalls,
		Model:        model,
		Usage:        &usage,
		FinishReason: anthropicFinishReason(stopReason, len(toolCalls)),
	}}
}

func anthropicFinishReason(stopReason string, toolCalls int) llm.FinishReason {
	switch stopReason {
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	case "refusal":
		return llm.FinishContentFilter
	default:
		if toolCalls > 0 {
			return llm.FinishToolCalls
		}
		return llm.FinishStop
	}
}

func isRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "too many requests", "500", "502", "503", "504", "overloaded", "timeout", "deadline exceeded", "connection reset", "connection refused", "no such host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
