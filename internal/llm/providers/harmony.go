package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// Harmony rendering markers for the GPT-OSS conversation format.
const (
	harmonyStart   = "<|start|>"
	harmonyChannel = "<|channel|>"
	harmonyMessage = "<|message|>"
	harmonyEnd     = "<|end|>"
	harmonyReturn  = "<|return|>"
	harmonyCall    = "<|call|>"
)

// HarmonyEnvVar names the environment variable overriding the
// inference endpoint.
const HarmonyEnvVar = "HARMONY_INFERENCE_SERVER_URL"

// HarmonyProviderConfig configures the Harmony-format adapter.
type HarmonyProviderConfig struct {
	BaseURL      string
	DefaultModel string
	HTTPTimeout  time.Duration
}

// HarmonyProvider drives OpenAI-GPT-OSS-family models through a
// token-level conversation: system/developer/user/assistant/tool roles
// with final, analysis, and commentary channels. Tool calls are
// recovered from commentary messages addressed to functions.<name> or
// carrying a to= envelope.
type HarmonyProvider struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewHarmonyProvider creates the adapter. HARMONY_INFERENCE_SERVER_URL
// overrides cfg.BaseURL.
func NewHarmonyProvider(cfg HarmonyProviderConfig) (*HarmonyProvider, error) {
	baseURL := os.Getenv(HarmonyEnvVar)
	if baseURL == "" {
		baseURL = cfg.BaseURL
	}
	if baseURL == "" {
		return nil, vterror.New(vterror.KindValidation, "harmony inference endpoint is not configured")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-oss-20b"
	}
	return &HarmonyProvider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: model,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

// Name implements llm.Provider.
func (p *HarmonyProvider) Name() string { return "harmony" }

// SupportedModels implements llm.Provider.
func (p *HarmonyProvider) SupportedModels() []string {
	return []string{"gpt-oss-20b", "gpt-oss-120b"}
}

// SupportsStreaming implements llm.Provider; the completion endpoint
// returns whole renderings.
func (p *HarmonyProvider) SupportsStreaming(string) bool { return false }

// SupportsReasoning implements llm.Provider; analysis-channel content
// is the reasoning trace.
func (p *HarmonyProvider) SupportsReasoning(string) bool { return true }

// SupportsReasoningEffort implements llm.Provider.
func (p *HarmonyProvider) SupportsReasoningEffort(string) bool { return true }

// SupportsTools implements llm.Provider.
func (p *HarmonyProvider) SupportsTools(string) bool { return true }

// ValidateRequest implements llm.Provider.
func (p *HarmonyProvider) ValidateRequest(req *llm.Request) error {
	return llm.ValidateMessages(req.Messages)
}

// Stream implements llm.Provider by wrapping Generate in a two-event
// stream, since the endpoint is not incremental.
func (p *HarmonyProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	events := make(chan llm.StreamEvent, 2)
	go func() {
		defer close(events)
		resp, err := p.Generate(ctx, req)
		if err != nil {
			events <- llm.StreamEvent{Err: err}
			return
		}
		if resp.Content != "" {
			events <- llm.StreamEvent{DeltaText: resp.Content}
		}
		events <- llm.StreamEvent{Completed: resp}
	}()
	return events, nil
}

// Generate implements llm.Provider.
func (p *HarmonyProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := p.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, "harmony request", err)
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	prompt := p.renderConversation(req)
	completion, err := p.complete(ctx, model, prompt, req)
	if err != nil {
		return nil, err
	}

	return p.parseCompletion(completion, model), nil
}

// renderConversation renders the token-level conversation text.
func (p *HarmonyProvider) renderConversation(req *llm.Request) string {
	var b strings.Builder

	system := "You are a helpful coding assistant."
	var developer strings.Builder
	for i := range req.Messages {
		if req.Messages[i].Role == models.RoleSystem {
			system = req.Messages[i].Text()
		}
	}
	b.WriteString(harmonyStart + "system" + harmonyMessage + system)
	if effort := harmonyEffort(req.ReasoningEffort); effort != "" {
		b.WriteString("\nReasoning: " + effort)
	}
	b.WriteString(harmonyEnd)

	if tools := llm.DedupeTools(req.Tools); len(tools) > 0 {
		developer.WriteString("# Tools\n\n## functions\n\nnamespace functions {\n")
		for _, tool := range tools {
			fmt.Fprintf(&developer, "// %s\ntype %s = (_: %s) => any;\n", tool.Description, tool.Name, string(tool.Parameters))
		}
		developer.WriteString("}")
		b.WriteString(harmonyStart + "developer" + harmonyMessage + developer.String() + harmonyEnd)
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		switch msg.Role {
		case models.RoleSystem:
			// Already rendered.
		case models.RoleUser:
			b.WriteString(harmonyStart + "user" + harmonyMessage + msg.Text() + harmonyEnd)
		case models.RoleAssistant:
			if msg.Reasoning != "" {
				b.WriteString(harmonyStart + "assistant" + harmonyChannel + "analysis" + harmonyMessage + msg.Reasoning + harmonyEnd)
			}
			if text := msg.Text(); text != "" {
				b.WriteString(harmonyStart + "assistant" + harmonyChannel + "final" + harmonyMessage + text + harmonyEnd)
			}
			for _, tc := range msg.ToolCalls {
				b.WriteString(harmonyStart + "assistant" + harmonyChannel + "commentary to=functions." + tc.Name +
					" " + harmonyMessage + string(tc.Arguments) + harmonyCall)
			}
		case models.RoleTool:
			b.WriteString(harmonyStart + "functions." + msg.OriginTool + " to=assistant" + harmonyChannel + "commentary" +
				harmonyMessage + msg.Content + harmonyEnd)
		}
	}

	b.WriteString(harmonyStart + "assistant")
	return b.String()
}

func harmonyEffort(effort llm.ReasoningEffort) string {
	switch effort {
	case llm.EffortLow, llm.EffortMinimal:
		return "low"
	case llm.EffortMedium:
		return "medium"
	case llm.EffortHigh, llm.EffortXHigh:
		return "high"
	default:
		return ""
	}
}

func (p *HarmonyProvider) complete(ctx context.Context, model, prompt string, req *llm.Request) (string, error) {
	payload := map[string]any{
		"model":  model,
		"prompt": prompt,
		"stop":   []string{harmonyReturn, harmonyCall},
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "encode completion request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", llm.MapTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", llm.MapHTTPStatus(resp.StatusCode, string(msg), llm.ParseRetryAfter(resp.Header.Get("Retry-After")))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", llm.MapTransportError(err)
	}
	return extractCompletionText(data)
}

// extractCompletionText pulls the completion out of the endpoint's
// response. Known shapes are tried first; the fallback scans unnamed
// top-level fields for a string or token array, best effort.
func extractCompletionText(data []byte) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", vterror.Wrap(vterror.KindProvider, "decode completion response", err)
	}

	if choices, ok := doc["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if text, ok := choice["text"].(string); ok {
				return text, nil
			}
		}
	}
	for _, key := range []string{"completion", "text", "output"} {
		if text, ok := doc[key].(string); ok {
			return text, nil
		}
	}

	// Fallback: any top-level string, then any top-level array joined
	// as text fragments. May legitimately yield an empty completion if
	// the server's schema changed.
	for _, value := range doc {
		if text, ok := value.(string); ok && text != "" {
			return text, nil
		}
	}
	for _, value := range doc {
		if arr, ok := value.([]any); ok {
			var b strings.Builder
			for _, item := range arr {
				if s, ok := item.(string); ok {
					b.WriteString(s)
				}
			}
			return b.String(), nil
		}
	}
	return "", nil
}

type harmonyMessageParsed struct {
	role      string
	channel   string
	recipient string
	body      string
}

// parseCompletion splits the completion into harmony messages and
// recovers final text, analysis reasoning, and commentary tool calls.
func (p *HarmonyProvider) parseCompletion(completion, model string) *llm.Response {
	parsed := parseHarmonyMessages(completion)

	out := &llm.Response{Model: model, FinishReason: llm.FinishStop}
	var finalText, analysis strings.Builder

	for i, msg := range parsed {
		switch {
		case msg.recipient != "" && strings.HasPrefix(msg.recipient, "functions."):
			name := strings.TrimPrefix(msg.recipient, "functions.")
			args := strings.TrimSpace(msg.body)
			if args == "" || !json.Valid([]byte(args)) {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        fmt.Sprintf("call_%s_%d", name, i),
				Kind:      "function",
				Name:      name,
				Arguments: json.RawMessage(args),
			})
		case msg.channel == "analysis":
			analysis.WriteString(msg.body)
		default:
			finalText.WriteString(msg.body)
		}
	}

	out.Content = strings.TrimSpace(finalText.String())
	out.Reasoning = llm.NormalizeReasoning(out.Content, strings.TrimSpace(analysis.String()))
	if len(out.ToolCalls) > 0 {
		out.FinishReason = llm.FinishToolCalls
	}
	return out
}

// parseHarmonyMessages tokenizes a completion into messages. The
// completion may begin mid-message (the prompt ends at an open
// assistant header).
func parseHarmonyMessages(completion string) []harmonyMessageParsed {
	var out []harmonyMessageParsed

	segments := strings.Split(completion, harmonyStart)
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		header := segment
		body := ""
		if idx := strings.Index(segment, harmonyMessage); idx >= 0 {
			header = segment[:idx]
			body = segment[idx+len(harmonyMessage):]
		} else if i == 0 {
			// Continuation of the open assistant message.
			header = ""
			body = segment
		}
		for _, terminator := range []string{harmonyEnd, harmonyReturn, harmonyCall} {
			if idx := strings.Index(body, terminator); idx >= 0 {
				body = body[:idx]
			}
		}

		msg := harmonyMessageParsed{body: body}
		channelPart := header
		if idx := strings.Index(header, harmonyChannel); idx >= 0 {
			msg.role = header[:idx]
			channelPart = header[idx+len(harmonyChannel):]
		}
		for _, field := range strings.Fields(channelPart) {
			if strings.HasPrefix(field, "to=") {
				msg.recipient = strings.TrimPrefix(field, "to=")
			} else if msg.channel == "" {
				msg.channel = field
			}
		}
		// The to= envelope may also open the body.
		if msg.recipient == "" && strings.HasPrefix(strings.TrimSpace(msg.body), "to=") {
			fields := strings.Fields(strings.TrimSpace(msg.body))
			if len(fields) > 0 {
				msg.recipient = strings.TrimPrefix(fields[0], "to=")
				msg.body = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg.body), fields[0]))
			}
		}
		out = append(out, msg)
	}
	return out
}
