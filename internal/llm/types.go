// Package llm defines the uniform provider contract: request/response
// shapes, streaming events, and the normalization helpers every adapter
// shares.
package llm

import (
	"context"

	"github.com/vtcode-ai/vtcode/pkg/models"
)

// ReasoningEffort selects how much reasoning budget the model spends.
type ReasoningEffort string

const (
	EffortNone    ReasoningEffort = "none"
	EffortMinimal ReasoningEffort = "minimal"
	EffortLow     ReasoningEffort = "low"
	EffortMedium  ReasoningEffort = "medium"
	EffortHigh    ReasoningEffort = "high"
	EffortXHigh   ReasoningEffort = "xhigh"
)

// ToolChoiceMode constrains which tools the model may call.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceAny      ToolChoiceMode = "any"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice selects the tool-calling mode, with Name set for
// ToolChoiceSpecific.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// Request is the provider-independent completion request.
type Request struct {
	Model    string                  `json:"model"`
	Messages []models.Message        `json:"messages"`
	Tools    []models.ToolDefinition `json:"tools,omitempty"`

	// Generation controls. Nil pointers mean provider defaults.
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`

	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	ToolChoice      *ToolChoice     `json:"tool_choice,omitempty"`

	// ParallelToolCalls asks the provider to emit independent calls in
	// one assistant message when it supports doing so.
	ParallelToolCalls bool `json:"parallel_tool_calls,omitempty"`

	// Stream requests a streaming response.
	Stream bool `json:"stream,omitempty"`

	// PromptCacheKey enables provider prompt caching on native
	// deployments; ignored on compatible proxies.
	PromptCacheKey string `json:"prompt_cache_key,omitempty"`

	// OutputSchema requests structured output conforming to the given
	// JSON-Schema when the provider supports JSON mode.
	OutputSchema []byte `json:"output_schema,omitempty"`
}

// FinishReason reports why a response ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishError         FinishReason = "error"
)

// Response is the provider-independent completion response.
type Response struct {
	Content          string                    `json:"content,omitempty"`
	ToolCalls        []models.ToolCall         `json:"tool_calls,omitempty"`
	Model            string                    `json:"model"`
	Usage            *models.Usage             `json:"usage,omitempty"`
	FinishReason     FinishReason              `json:"finish_reason"`
	FinishError      string                    `json:"finish_error,omitempty"`
	Reasoning        string                    `json:"reasoning,omitempty"`
	ReasoningDetails []models.ReasoningDetail  `json:"reasoning_details,omitempty"`
	ToolReferences   []string                  `json:"tool_references,omitempty"`
	RequestID        string                    `json:"request_id,omitempty"`
	OrganizationID   string                    `json:"organization_id,omitempty"`
}

// AssistantMessage renders the response as a conversation entry.
func (r *Response) AssistantMessage() models.Message {
	return models.Message{
		Role:             models.RoleAssistant,
		Content:          r.Content,
		ToolCalls:        r.ToolCalls,
		Reasoning:        r.Reasoning,
		ReasoningDetails: r.ReasoningDetails,
	}
}

// StreamEvent is one element of a response stream. Exactly one of the
// payload groups is populated; exactly one Completed or Err terminates
// every stream.
type StreamEvent struct {
	// Delta fields carry incremental content.
	DeltaText      string `json:"delta_text,omitempty"`
	DeltaReasoning string `json:"delta_reasoning,omitempty"`

	// ToolCallPartial signals an in-progress tool call; adapters that
	// only surface complete calls emit it once per call.
	ToolCallPartial *models.ToolCall `json:"tool_call_partial,omitempty"`

	// Usage reports a mid-stream usage update.
	Usage *models.Usage `json:"usage,omitempty"`

	// Completed carries the terminal response.
	Completed *Response `json:"completed,omitempty"`

	// Err terminates the stream with a failure.
	Err error `json:"-"`
}

// Provider is the uniform adapter contract implemented per backend
// family. Implementations must be safe for concurrent use and must not
// retain message state between calls.
type Provider interface {
	// Name returns the adapter identifier ("anthropic", "gemini", ...).
	Name() string

	// SupportedModels lists model identifiers this adapter serves.
	SupportedModels() []string

	// SupportsStreaming reports streaming availability for a model.
	SupportsStreaming(model string) bool

	// SupportsReasoning reports reasoning-trace availability.
	SupportsReasoning(model string) bool

	// SupportsReasoningEffort reports effort-control availability.
	SupportsReasoningEffort(model string) bool

	// SupportsTools reports function-calling availability.
	SupportsTools(model string) bool

	// ValidateRequest rejects role/tool pairings the backend cannot
	// accept, before any network traffic.
	ValidateRequest(req *Request) error

	// Generate performs a blocking completion.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Stream performs a streaming completion. The channel is closed
	// after the terminal Completed or Err event. Streams are finite
	// and non-restartable.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// ExactTokenCounter is implemented by adapters whose native deployment
// exposes a prompt-token counting endpoint.
type ExactTokenCounter interface {
	CountPromptTokensExact(ctx context.Context, req *Request) (int, bool)
}

// ValidateMessages applies the shared role/tool pairing rules: every
// message validates individually, and every tool response answers a
// call in the immediately preceding assistant message.
func ValidateMessages(msgs []models.Message) error {
	var pending map[string]struct{}
	for i := range msgs {
		m := &msgs[i]
		if err := m.Validate(); err != nil {
			return err
		}
		switch m.Role {
		case models.RoleAssistant:
			pending = make(map[string]struct{}, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = struct{}{}
			}
		case models.RoleTool:
			if _, ok := pending[m.ToolCallID]; !ok {
				return &models.ValidationError{
					Field:  "tool_call_id",
					Reason: "tool response " + m.ToolCallID + " does not answer the preceding assistant message",
				}
			}
		default:
			pending = nil
		}
	}
	return nil
}

// DedupeTools removes duplicate tool definitions by name, keeping the
// first occurrence. Providers reject duplicate function names.
func DedupeTools(tools []models.ToolDefinition) []models.ToolDefinition {
	seen := make(map[string]struct{}, len(tools))
	out := make([]models.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if _, dup := seen[t.Name]; dup {
			continue
		}
		seen[t.Name] = struct{}{}
		out = append(out, t)
	}
	return out
}
