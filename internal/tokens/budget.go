// Package tokens tracks the model-context token budget and provides
// token estimation for curation decisions.
package tokens

import (
	"sync/atomic"

	"github.com/vtcode-ai/vtcode/pkg/models"
)

// Budget tracks context-window consumption for one session. Counters
// are atomic; Record is called once per completed provider call.
type Budget struct {
	model             string
	contextWindow     int64
	reservedForOutput int64

	usedInput     atomic.Int64
	usedOutput    atomic.Int64
	lastCacheHits atomic.Int64
}

// NewBudget creates a budget for the given model window.
func NewBudget(model string, contextWindow, reservedForOutput int) *Budget {
	return &Budget{
		model:             model,
		contextWindow:     int64(contextWindow),
		reservedForOutput: int64(reservedForOutput),
	}
}

// Model returns the model this budget tracks.
func (b *Budget) Model() string { return b.model }

// ContextWindow returns the configured window size.
func (b *Budget) ContextWindow() int { return int(b.contextWindow) }

// Remaining returns the input tokens still available:
// max(0, window - reserved - used_input).
func (b *Budget) Remaining() int {
	remaining := b.contextWindow - b.reservedForOutput - b.usedInput.Load()
	if remaining < 0 {
		return 0
	}
	return int(remaining)
}

// Record accumulates usage from one completed call.
func (b *Budget) Record(usage models.Usage) {
	b.usedInput.Store(int64(usage.InputTokens))
	b.usedOutput.Add(int64(usage.OutputTokens))
	if usage.CacheReadTokens > 0 {
		b.lastCacheHits.Store(int64(usage.CacheReadTokens))
	}
}

// UsedInput returns the input tokens of the most recent call; input
// usage is a point-in-time prompt size, not a running sum.
func (b *Budget) UsedInput() int { return int(b.usedInput.Load()) }

// UsedOutput returns cumulative output tokens.
func (b *Budget) UsedOutput() int { return int(b.usedOutput.Load()) }

// LastCacheHitTokens returns the most recent cache-read count.
func (b *Budget) LastCacheHitTokens() int { return int(b.lastCacheHits.Load()) }

// WithinWindow reports whether the recorded usage still fits the
// window; the engine asserts this after every provider call.
func (b *Budget) WithinWindow() bool {
	return b.usedInput.Load()+b.usedOutput.Load() <= b.contextWindow
}
