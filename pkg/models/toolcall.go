package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// ToolCall is a single tool invocation requested by an assistant message.
type ToolCall struct {
	// ID is unique within the assistant message that produced the call.
	ID string `json:"id"`

	// Kind is always "function" for the providers currently supported.
	Kind string `json:"kind"`

	// Name is the canonical tool name.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object as produced by the model.
	Arguments json.RawMessage `json:"arguments"`

	// ThoughtSignature is an opaque token some providers attach to
	// tool-call parts and require on replay. Propagated verbatim.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// ToolResult is the outcome of executing a tool call, encoded as the
// content of a RoleTool message.
type ToolResult struct {
	// ToolCallID matches the ID of the originating call.
	ToolCallID string `json:"tool_call_id"`

	// Content is the tool output, or the machine-readable error
	// envelope when IsError is set.
	Content string `json:"content"`

	// IsError marks the result as a failure the model should recover from.
	IsError bool `json:"is_error,omitempty"`

	// Truncated is set when Content was cut to fit output limits.
	Truncated bool `json:"truncated,omitempty"`
}

// Fingerprint hashes the canonical tool name plus canonicalized
// arguments. Loop detection and spooled-output reuse key on it.
func (tc *ToolCall) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(tc.Name))))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalJSON(tc.Arguments)))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON re-encodes a JSON document with object keys sorted and
// insignificant whitespace removed. Invalid input is returned verbatim
// so that fingerprints of malformed arguments remain stable.
func CanonicalJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		eb, _ := json.Marshal(val)
		b.Write(eb)
	}
}
