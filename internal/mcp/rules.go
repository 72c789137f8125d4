// Package mcp consumes MCP tool catalogs over stdio or streamable-HTTP
// transports, filtered by per-provider glob rule-sets.
package mcp

import (
	"strings"

	"github.com/vtcode-ai/vtcode/internal/config"
)

// CapabilityClass names one rule-set dimension.
type CapabilityClass string

const (
	CapTools         CapabilityClass = "tools"
	CapResources     CapabilityClass = "resources"
	CapPrompts       CapabilityClass = "prompts"
	CapLogging       CapabilityClass = "logging"
	CapConfiguration CapabilityClass = "configuration"
)

// RuleSet filters MCP capabilities by glob patterns supporting * and ?.
// An empty pattern list denies everything in that class.
type RuleSet struct {
	rules map[CapabilityClass][]string
}

// NewRuleSet builds the effective rule-set: provider overrides atop
// the defaults, class by class.
func NewRuleSet(defaults config.MCPRuleSet, override *config.MCPRuleSet) *RuleSet {
	pick := func(base, over []string, hasOverride bool) []string {
		if hasOverride && over != nil {
			return over
		}
		return base
	}
	has := override != nil
	var over config.MCPRuleSet
	if has {
		over = *override
	}
	return &RuleSet{rules: map[CapabilityClass][]string{
		CapTools:         pick(defaults.Tools, over.Tools, has),
		CapResources:     pick(defaults.Resources, over.Resources, has),
		CapPrompts:       pick(defaults.Prompts, over.Prompts, has),
		CapLogging:       pick(defaults.Logging, over.Logging, has),
		CapConfiguration: pick(defaults.Configuration, over.Configuration, has),
	}}
}

// Allows reports whether name passes the class's pattern list.
func (r *RuleSet) Allows(class CapabilityClass, name string) bool {
	for _, pattern := range r.rules[class] {
		if matchGlob(pattern, name) {
			return true
		}
	}
	return false
}

// matchGlob matches * (any run) and ? (any single char) anywhere in
// the pattern.
func matchGlob(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	return matchGlobAt(pattern, name)
}

func matchGlobAt(pattern, name string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			pattern = strings.TrimLeft(pattern, "*")
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchGlobAt(pattern, name[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(name) == 0 {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		default:
			if len(name) == 0 || pattern[0] != name[0] {
				return false
			}
			pattern = pattern[1:]
			name = name[1:]
		}
	}
	return len(name) == 0
}
