package models

import (
	"encoding/json"
	"testing"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "plain user message",
			msg:  Message{Role: RoleUser, Content: "hello"},
		},
		{
			name: "assistant with tool calls",
			msg: Message{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "call_1", Kind: "function", Name: "list_files", Arguments: json.RawMessage(`{}`)},
			}},
		},
		{
			name:    "user with tool calls",
			msg:     Message{Role: RoleUser, ToolCalls: []ToolCall{{ID: "call_1"}}},
			wantErr: true,
		},
		{
			name: "tool message with id",
			msg:  Message{Role: RoleTool, ToolCallID: "call_1", Content: "{}"},
		},
		{
			name:    "tool message without id",
			msg:     Message{Role: RoleTool, Content: "{}"},
			wantErr: true,
		},
		{
			name:    "assistant carrying tool_call_id",
			msg:     Message{Role: RoleAssistant, ToolCallID: "call_1"},
			wantErr: true,
		},
		{
			name: "duplicate tool call ids",
			msg: Message{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "call_1"}, {ID: "call_1"},
			}},
			wantErr: true,
		},
		{
			name:    "empty tool call id",
			msg:     Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: ""}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	orig := Message{
		Role:    RoleAssistant,
		Content: "running the search now",
		ToolCalls: []ToolCall{
			{ID: "call_abc", Kind: "function", Name: "grep_file", Arguments: json.RawMessage(`{"pattern":"fn main"}`), ThoughtSignature: "sig-1"},
		},
		Reasoning: "the user wants rust entry points",
		ReasoningDetails: []ReasoningDetail{
			{Type: "reasoning.text", Text: "scan src/", Signature: "sig-1"},
		},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Role != orig.Role || back.Content != orig.Content || back.Reasoning != orig.Reasoning {
		t.Errorf("round trip mutated scalar fields: %+v", back)
	}
	if len(back.ToolCalls) != 1 || back.ToolCalls[0].ThoughtSignature != "sig-1" {
		t.Errorf("round trip lost thought signature: %+v", back.ToolCalls)
	}
	if len(back.ReasoningDetails) != 1 || back.ReasoningDetails[0].Signature != "sig-1" {
		t.Errorf("round trip lost reasoning details: %+v", back.ReasoningDetails)
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleUser, Parts: []ContentPart{
		{Kind: PartText, Text: "look at "},
		{Kind: PartImage, MimeType: "image/png", Data: "aGk="},
		{Kind: PartText, Text: "this"},
	}}
	if got := m.Text(); got != "look at this" {
		t.Errorf("Text() = %q", got)
	}
}

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	a := ToolCall{Name: "grep_file", Arguments: json.RawMessage(`{"path":"src/","pattern":"x"}`)}
	b := ToolCall{Name: "Grep_File", Arguments: json.RawMessage(`{ "pattern": "x", "path": "src/" }`)}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprints differ for equivalent calls")
	}

	c := ToolCall{Name: "grep_file", Arguments: json.RawMessage(`{"pattern":"y","path":"src/"}`)}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("fingerprints collide for different arguments")
	}
}

func TestCanonicalJSONInvalidInput(t *testing.T) {
	raw := json.RawMessage(`{not json`)
	if got := CanonicalJSON(raw); got != `{not json` {
		t.Errorf("CanonicalJSON(invalid) = %q", got)
	}
}
