// Package models provides the domain types shared across the vtcode turn
// engine: conversation messages, tool calls and results, and token usage.
package models

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem is the system / developer instruction role.
	RoleSystem Role = "system"

	// RoleUser is the human operator.
	RoleUser Role = "user"

	// RoleAssistant is the model.
	RoleAssistant Role = "assistant"

	// RoleTool carries the output of an executed tool call back to the model.
	RoleTool Role = "tool"
)

// PartKind discriminates the entries of a multi-part message body.
type PartKind string

const (
	// PartText is plain text content.
	PartText PartKind = "text"

	// PartImage is an inline or referenced image.
	PartImage PartKind = "image"

	// PartFile is an attached file reference.
	PartFile PartKind = "file"
)

// ContentPart is one entry of a multi-part message body. Exactly the
// fields matching Kind are populated.
type ContentPart struct {
	Kind PartKind `json:"kind"`

	// Text holds the content for PartText.
	Text string `json:"text,omitempty"`

	// MimeType describes image/file data ("image/png", "text/x-go", ...).
	MimeType string `json:"mime_type,omitempty"`

	// Data is base64-encoded inline content for images and files.
	Data string `json:"data,omitempty"`

	// URL references remote content when Data is empty.
	URL string `json:"url,omitempty"`

	// Path is the workspace-relative path for PartFile.
	Path string `json:"path,omitempty"`
}

// Message is a single conversation entry.
//
// Invariants enforced by Validate:
//   - only RoleAssistant carries ToolCalls
//   - only RoleTool carries ToolCallID
//   - a RoleTool message must reference the tool call it answers
type Message struct {
	Role Role `json:"role"`

	// Content is the plain-text body. Text prefers it over Parts when
	// both are set.
	Content string `json:"content,omitempty"`

	// Parts holds a multi-part body (text plus images/files).
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls are the tool invocations requested by an assistant turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Reasoning is the model's reasoning trace, when the provider
	// surfaces one and it differs from Content after normalization.
	Reasoning string `json:"reasoning,omitempty"`

	// ReasoningDetails carries provider-opaque reasoning payloads that
	// must round-trip on replay (e.g. encrypted reasoning blocks).
	ReasoningDetails []ReasoningDetail `json:"reasoning_details,omitempty"`

	// OriginTool names the tool that produced this message, for
	// RoleTool entries synthesized by the pipeline.
	OriginTool string `json:"origin_tool,omitempty"`
}

// ReasoningDetail is an opaque provider reasoning payload preserved for
// replay. Signature is required by providers that validate reasoning
// continuity across tool-call round-trips.
type ReasoningDetail struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Text returns the textual body of the message: Content when set,
// otherwise the concatenation of text parts.
func (m *Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Validate checks the role/field pairing invariants. It returns nil for
// a well-formed message.
func (m *Message) Validate() error {
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return &ValidationError{Field: "tool_calls", Reason: "only assistant messages may carry tool calls"}
	}
	if m.ToolCallID != "" && m.Role != RoleTool {
		return &ValidationError{Field: "tool_call_id", Reason: "only tool messages may carry a tool_call_id"}
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return &ValidationError{Field: "tool_call_id", Reason: "tool messages must reference the call they answer"}
	}
	seen := make(map[string]struct{}, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		if tc.ID == "" {
			return &ValidationError{Field: "tool_calls", Reason: "tool call id is empty"}
		}
		if _, dup := seen[tc.ID]; dup {
			return &ValidationError{Field: "tool_calls", Reason: "duplicate tool call id: " + tc.ID}
		}
		seen[tc.ID] = struct{}{}
	}
	return nil
}

// ValidationError describes a message that violates a data-model
// invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Field + ": " + e.Reason
}
