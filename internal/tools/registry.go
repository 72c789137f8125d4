// Package tools provides the tool registry, the approval cache, and
// the execution pipeline that runs validated tool calls under the
// engine's safety policies.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/vtcode-ai/vtcode/pkg/models"
)

// Tool is one executable capability registered with the engine.
type Tool interface {
	// Definition describes the tool to providers and the pipeline.
	Definition() models.ToolDefinition

	// Execute runs the tool. The returned string is the tool-response
	// content (JSON where the tool produces structured data).
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// StreamingTool is implemented by tools that can surface incremental
// output while running.
type StreamingTool interface {
	Tool

	// ExecuteStreaming runs the tool, delivering chunks to sink as
	// they are produced. The final return mirrors Execute.
	ExecuteStreaming(ctx context.Context, args json.RawMessage, sink func(chunk string)) (string, error)
}

// exclusiveTools never participate in a parallel batch.
var exclusiveTools = map[string]struct{}{
	"enter_plan_mode":   {},
	"exit_plan_mode":    {},
	"ask_user_question": {},
	"run_pty_cmd":       {},
	"unified_exec":      {},
	"send_pty_input":    {},
	"shell":             {},
}

// Registry maps canonical tool names to implementations. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// CanonicalName lowercases and trims a tool name.
func CanonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a tool under its canonical name, replacing any
// previous registration.
func (r *Registry) Register(tool Tool) {
	name := CanonicalName(tool.Definition().Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[CanonicalName(name)]
	return tool, ok
}

// Definitions lists registered tool definitions in registration order.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// ReadOnlyView returns a registry restricted to read-only tools, for
// analysis mode.
func (r *Registry) ReadOnlyView() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := NewRegistry()
	for _, name := range r.order {
		tool := r.tools[name]
		if tool.Definition().Classification == models.ClassReadOnly {
			view.Register(tool)
		}
	}
	return view
}

// IsExclusive reports whether a tool is barred from parallel batches.
func IsExclusive(name string) bool {
	_, ok := exclusiveTools[CanonicalName(name)]
	return ok
}

// CanParallelize reports whether a batch of calls may run
// concurrently: every call must resolve to a ReadOnly tool and none
// may be in the exclusive set.
func (r *Registry) CanParallelize(calls []models.ToolCall) bool {
	if len(calls) < 2 {
		return false
	}
	for _, call := range calls {
		if IsExclusive(call.Name) {
			return false
		}
		tool, ok := r.Get(call.Name)
		if !ok || tool.Definition().Classification != models.ClassReadOnly {
			return false
		}
	}
	return true
}

// Names returns the canonical registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
