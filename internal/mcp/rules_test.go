package mcp

import (
	"testing"

	"github.com/vtcode-ai/vtcode/internal/config"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"*", "anything", true},
		{"read_*", "read_file", true},
		{"read_*", "write_file", false},
		{"get_?", "get_a", true},
		{"get_?", "get_ab", false},
		{"*_file", "read_file", true},
		{"exact", "exact", true},
		{"exact", "exact2", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "ab", false},
	}
	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v", tt.pattern, tt.name, got)
		}
	}
}

func TestRuleSetDefaultsAndOverrides(t *testing.T) {
	defaults := config.MCPRuleSet{
		Tools:     []string{"*"},
		Resources: []string{"docs/*"},
		Logging:   []string{},
	}

	base := NewRuleSet(defaults, nil)
	if !base.Allows(CapTools, "anything") {
		t.Error("default tools wildcard rejected")
	}
	if base.Allows(CapLogging, "events") {
		t.Error("empty logging rule-set allowed an entry")
	}
	if !base.Allows(CapResources, "docs/readme") || base.Allows(CapResources, "secrets/key") {
		t.Error("resource globs misapplied")
	}

	override := &config.MCPRuleSet{Tools: []string{"search_*"}}
	scoped := NewRuleSet(defaults, override)
	if scoped.Allows(CapTools, "delete_everything") {
		t.Error("override did not replace the tools rule-set")
	}
	if !scoped.Allows(CapTools, "search_docs") {
		t.Error("override pattern rejected a matching tool")
	}
	// Classes the override leaves nil keep the defaults.
	if !scoped.Allows(CapResources, "docs/readme") {
		t.Error("nil override class dropped the default rule-set")
	}
}

func TestCatalogToolDefinition(t *testing.T) {
	readOnly := CatalogTool{Name: "mcp:docs:search", RemoteName: "search", ReadOnly: true}
	if readOnly.Definition().Classification != "read_only" {
		t.Error("readOnlyHint tool not classified read-only")
	}

	unknown := CatalogTool{Name: "mcp:docs:write", RemoteName: "write"}
	if unknown.Definition().Classification != "mutating" {
		t.Error("unannotated tool should default to mutating")
	}
	if string(unknown.Definition().Parameters) != `{"type":"object"}` {
		t.Error("missing schema should default to an open object")
	}
}
