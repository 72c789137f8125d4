package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// OllamaConfig configures the local Ollama adapter.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	HTTPTimeout  time.Duration
}

// OllamaProvider adapts the Ollama /api/chat NDJSON streaming API.
type OllamaProvider struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOllamaProvider creates the adapter.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "qwen3:8b"
	}
	return &OllamaProvider{
		baseURL:      baseURL,
		defaultModel: model,
		client:       &http.Client{Timeout: timeout},
	}
}

// Name implements llm.Provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// SupportedModels implements llm.Provider; the local daemon serves
// whatever is pulled, so only the default is advertised.
func (p *OllamaProvider) SupportedModels() []string { return []string{p.defaultModel} }

// SupportsStreaming implements llm.Provider.
func (p *OllamaProvider) SupportsStreaming(string) bool { return true }

// SupportsReasoning implements llm.Provider.
func (p *OllamaProvider) SupportsReasoning(string) bool { return false }

// SupportsReasoningEffort implements llm.Provider.
func (p *OllamaProvider) SupportsReasoningEffort(string) bool { return false }

// SupportsTools implements llm.Provider.
func (p *OllamaProvider) SupportsTools(string) bool { return true }

// ValidateRequest implements llm.Provider.
func (p *OllamaProvider) ValidateRequest(req *llm.Request) error {
	return llm.ValidateMessages(req.Messages)
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []any           `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
	Format   json.RawMessage `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Model      string        `json:"model"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (p *OllamaProvider) buildRequest(req *llm.Request, stream bool) *ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	out := &ollamaChatRequest{Model: model, Stream: stream}

	for i := range req.Messages {
		msg := &req.Messages[i]
		entry := ollamaMessage{Role: string(msg.Role), Content: msg.Text()}
		if msg.Role == models.RoleTool {
			entry.Content = msg.Content
		}
		for _, tc := range msg.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			entry.ToolCalls = append(entry.ToolCalls, call)
		}
		out.Messages = append(out.Messages, entry)
	}

	for _, tool := range llm.DedupeTools(req.Tools) {
		var params any
		if err := json.Unmarshal(tool.Parameters, &params); err != nil {
			params = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  params,
			},
		})
	}

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.TopK != nil {
		options["top_k"] = *req.TopK
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}
	if len(options) > 0 {
		out.Options = options
	}
	if len(req.OutputSchema) > 0 {
		out.Format = json.RawMessage(req.OutputSchema)
	}
	return out
}

func (p *OllamaProvider) post(ctx context.Context, payload *ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, vterror.Wrap(vterror.KindInternal, "encode chat request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, vterror.Wrap(vterror.KindInternal, "build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.MapTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, llm.MapHTTPStatus(resp.StatusCode, string(msg), llm.ParseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return resp, nil
}

// Generate implements llm.Provider.
func (p *OllamaProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, "ollama request", err)
	}
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, vterror.Wrap(vterror.KindProvider, "decode chat response", err)
	}
	return p.toResponse(&chat, chat.Message.Content, chat.Message.ToolCalls), nil
}

// Stream implements llm.Provider.
func (p *OllamaProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, "ollama request", err)
	}
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	events := make(chan llm.StreamEvent)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		var (
			textAcc llm.DeltaAccumulator
			calls   []ollamaToolCall
			final   *ollamaChatResponse
		)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				events <- llm.StreamEvent{Err: vterror.Wrap(vterror.KindProvider, "decode stream line", err)}
				return
			}
			if chunk.Message.Content != "" {
				if suffix := textAcc.Absorb(chunk.Message.Content); suffix != "" {
					events <- llm.StreamEvent{DeltaText: suffix}
				}
			}
			calls = append(calls, chunk.Message.ToolCalls...)
			if chunk.Done {
				final = &chunk
				break
			}
		}
		if err := scanner.Err(); err != nil {
			events <- llm.StreamEvent{Err: llm.MapTransportError(err)}
			return
		}
		if final == nil {
			final = &ollamaChatResponse{}
		}
		events <- llm.StreamEvent{Completed: p.toResponse(final, textAcc.String(), calls)}
	}()
	return events, nil
}

func (p *OllamaProvider) toResponse(chat *ollamaChatResponse, content string, calls []ollamaToolCall) *llm.Response {
	out := &llm.Response{
		Content: content,
		Model:   chat.Model,
		Usage: &models.Usage{
			InputTokens:  chat.PromptEvalCount,
			OutputTokens: chat.EvalCount,
		},
		FinishReason: llm.FinishStop,
	}
	if chat.DoneReason == "length" {
		out.FinishReason = llm.FinishLength
	}
	for i, call := range calls {
		args := call.Function.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        fmt.Sprintf("call_%s_%d", call.Function.Name, i),
			Kind:      "function",
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = llm.FinishToolCalls
	}
	return out
}
