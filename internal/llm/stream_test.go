package llm

import (
	"encoding/json"
	"testing"

	"github.com/vtcode-ai/vtcode/pkg/models"
)

func TestDeltaAccumulator(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		emits  []string
		final  string
	}{
		{
			name:   "pure deltas",
			chunks: []string{"Hel", "lo ", "world"},
			emits:  []string{"Hel", "lo ", "world"},
			final:  "Hello world",
		},
		{
			name:   "accumulated resend",
			chunks: []string{"Hel", "Hello", "Hello world"},
			emits:  []string{"Hel", "lo", " world"},
			final:  "Hello world",
		},
		{
			name:   "duplicate prefix dropped",
			chunks: []string{"Hello", "Hel", "Hello"},
			emits:  []string{"Hello", "", ""},
			final:  "Hello",
		},
		{
			name:   "disjoint chunk yielded in full",
			chunks: []string{"part one. ", "part two."},
			emits:  []string{"part one. ", "part two."},
			final:  "part one. part two.",
		},
		{
			name:   "empty chunks ignored",
			chunks: []string{"", "a", ""},
			emits:  []string{"", "a", ""},
			final:  "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var acc DeltaAccumulator
			for i, chunk := range tt.chunks {
				if got := acc.Absorb(chunk); got != tt.emits[i] {
					t.Errorf("Absorb(%q) = %q, want %q", chunk, got, tt.emits[i])
				}
			}
			if acc.String() != tt.final {
				t.Errorf("accumulated = %q, want %q", acc.String(), tt.final)
			}
		})
	}
}

func TestDeltaConcatenationEqualsFinal(t *testing.T) {
	// The concatenation of emitted deltas must equal the terminal text.
	chunks := []string{"The ", "The quick ", "The quick brown", " fox"}
	var acc DeltaAccumulator
	var emitted string
	for _, c := range chunks {
		emitted += acc.Absorb(c)
	}
	if emitted != acc.String() {
		t.Errorf("emitted %q != accumulated %q", emitted, acc.String())
	}
}

func TestNormalizeReasoning(t *testing.T) {
	if got := NormalizeReasoning("answer", "answer"); got != "" {
		t.Errorf("duplicate reasoning kept: %q", got)
	}
	if got := NormalizeReasoning("answer", "  answer  "); got != "" {
		t.Errorf("whitespace-equal reasoning kept: %q", got)
	}
	if got := NormalizeReasoning("answer", "thinking first"); got != "thinking first" {
		t.Errorf("distinct reasoning dropped: %q", got)
	}
}

func TestValidateMessages(t *testing.T) {
	call := models.ToolCall{ID: "c1", Kind: "function", Name: "list_files", Arguments: json.RawMessage(`{}`)}

	good := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "[]"},
	}
	if err := ValidateMessages(good); err != nil {
		t.Errorf("valid sequence rejected: %v", err)
	}

	orphan := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleTool, ToolCallID: "c9", Content: "[]"},
	}
	if err := ValidateMessages(orphan); err == nil {
		t.Error("orphan tool response accepted")
	}

	stale := []models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
		{Role: models.RoleUser, Content: "interrupt"},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "[]"},
	}
	if err := ValidateMessages(stale); err == nil {
		t.Error("tool response separated from its assistant message accepted")
	}
}

func TestDedupeTools(t *testing.T) {
	tools := []models.ToolDefinition{
		{Name: "grep_file"}, {Name: "list_files"}, {Name: "grep_file"},
	}
	out := DedupeTools(tools)
	if len(out) != 2 || out[0].Name != "grep_file" || out[1].Name != "list_files" {
		t.Errorf("DedupeTools = %+v", out)
	}
}

func TestMapHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   string
		retry  bool
	}{
		{401, "authentication", false},
		{403, "authentication", false},
		{429, "rate_limit", true},
		{500, "network", true},
		{503, "network", true},
		{400, "provider", false},
	}
	for _, tt := range tests {
		e := MapHTTPStatus(tt.status, "x", 0)
		if string(e.Kind) != tt.kind || e.Retryable != tt.retry {
			t.Errorf("MapHTTPStatus(%d) = kind %s retryable %v", tt.status, e.Kind, e.Retryable)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("2"); got != 2000 {
		t.Errorf("ParseRetryAfter(2) = %d", got)
	}
	if got := ParseRetryAfter(""); got != 0 {
		t.Errorf("ParseRetryAfter(empty) = %d", got)
	}
	if got := ParseRetryAfter("soon"); got != 0 {
		t.Errorf("ParseRetryAfter(garbage) = %d", got)
	}
}
