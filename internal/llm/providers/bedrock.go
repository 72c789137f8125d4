package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// BedrockConfig configures the Bedrock deployment of the Anthropic
// model family.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
}

// BedrockProvider adapts the Bedrock Converse streaming API.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        retryPolicy
}

// NewBedrockProvider creates the adapter. Empty credentials fall back
// to the default AWS credential chain.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return nil, vterror.Wrap(vterror.KindAuthentication, "load AWS config", err)
	}

	model := cfg.DefaultModel
	if model == "" {
		model = "anthropic.claude-sonnet-4-20250514-v1:0"
	}
	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: model,
		retry:        newRetryPolicy(cfg.MaxRetries, 0),
	}, nil
}

// Name implements llm.Provider.
func (p *BedrockProvider) Name() string { return "bedrock" }

// SupportedModels implements llm.Provider.
func (p *BedrockProvider) SupportedModels() []string {
	return []string{
		"anthropic.claude-sonnet-4-20250514-v1:0",
		"anthropic.claude-opus-4-20250514-v1:0",
		"anthropic.claude-3-5-haiku-20241022-v1:0",
	}
}

// SupportsStreaming implements llm.Provider.
func (p *BedrockProvider) SupportsStreaming(string) bool { return true }

// SupportsReasoning implements llm.Provider.
func (p *BedrockProvider) SupportsReasoning(model string) bool {
	return strings.Contains(model, "claude") && !strings.Contains(model, "haiku")
}

// SupportsReasoningEffort implements llm.Provider.
func (p *BedrockProvider) SupportsReasoningEffort(string) bool { return false }

// SupportsTools implements llm.Provider.
func (p *BedrockProvider) SupportsTools(string) bool { return true }

// ValidateRequest implements llm.Provider.
func (p *BedrockProvider) ValidateRequest(req *llm.Request) error {
	return llm.ValidateMessages(req.Messages)
}

// Generate implements llm.Provider by draining the stream.
func (p *BedrockProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collectStream(ctx, events)
}

// Stream implements llm.Provider.
func (p *BedrockProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, "bedrock request", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, system, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		configured = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
		configured = true
	}
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
		configured = true
	}
	if len(req.Stop) > 0 {
		inference.StopSequences = req.Stop
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = p.convertTools(llm.DedupeTools(req.Tools))
	}

	var stream *bedrockruntime.ConverseStreamOutput
	err = p.retry.do(ctx, isRetryableTransport, func() error {
		var callErr error
		stream, callErr = p.client.ConverseStream(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, llm.MapTransportError(err)
	}

	events := make(chan llm.StreamEvent)
	go p.processStream(ctx, stream, events, model)
	return events, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, events chan<- llm.StreamEvent, model string) {
	defer close(events)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var (
		textAcc     llm.DeltaAccumulator
		toolCalls   []models.ToolCall
		currentTool *models.ToolCall
		toolInput   strings.Builder
		usage       models.Usage
		stopReason  string
	)

	finish := func() {
		events <- llm.StreamEvent{Completed: &llm.Response{
			Content:      textAcc.String(),
			ToolCalls:    toolCalls,
			Model:        model,
			Usage:        &usage,
			FinishReason: bedrockFinishReason(stopReason, len(toolCalls)),
		}}
	}

	for {
		select {
		case <-ctx.Done():
			events <- llm.StreamEvent{Err: llm.MapTransportError(ctx.Err())}
			return
		case event, ok := <-eventStream.Events():
			if !ok {
				if err := eventStream.Err(); err != nil {
					events <- llm.StreamEvent{Err: llm.MapTransportError(err)}
					return
				}
				finish()
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentTool = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Kind: "function",
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if suffix := textAcc.Absorb(delta.Value); suffix != "" {
						events <- llm.StreamEvent{DeltaText: suffix}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentTool != nil {
					args := toolInput.String()
					if args == "" {
						args = "{}"
					}
					currentTool.Arguments = json.RawMessage(args)
					toolCalls = append(toolCalls, *currentTool)
					events <- llm.StreamEvent{ToolCallPartial: currentTool}
					currentTool = nil
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason = string(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
					events <- llm.StreamEvent{Usage: &usage}
				}
			}
		}
	}
}

func bedrockFinishReason(stopReason string, toolCalls int) llm.FinishReason {
	switch stopReason {
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	case "content_filtered":
		return llm.FinishContentFilter
	default:
		if toolCalls > 0 {
			return llm.FinishToolCalls
		}
		return llm.FinishStop
	}
}

func (p *BedrockProvider) convertMessages(msgs []models.Message) ([]types.Message, string, error) {
	var system string
	result := make([]types.Message, 0, len(msgs))

	for i := range msgs {
		msg := &msgs[i]
		if msg.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Text()
			continue
		}

		var content []types.ContentBlock
		if msg.Role == models.RoleTool {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
		} else {
			if text := msg.Text(); text != "" {
				content = append(content, &types.ContentBlockMemberText{Value: text})
			}
			for _, tc := range msg.ToolCalls {
				var inputDoc any
				if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result, system, nil
}

func (p *BedrockProvider) convertTools(tools []models.ToolDefinition) *types.ToolConfiguration {
	out := &types.ToolConfiguration{}
	for _, tool := range tools {
		var schemaDoc any
		if err := json.Unmarshal(tool.Parameters, &schemaDoc); err != nil {
			schemaDoc = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schemaDoc),
				},
			},
		})
	}
	return out
}
