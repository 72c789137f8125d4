package engine

import (
	"github.com/vtcode-ai/vtcode/internal/tools"
)

// Sink receives user-visible engine events. The CLI installs a
// terminal renderer; tests install recorders. Implementations must be
// fast; the engine calls them inline on the streaming path.
type Sink interface {
	// Delta delivers incremental assistant text.
	Delta(text string)

	// Reasoning delivers incremental reasoning text.
	Reasoning(text string)

	// ToolEvent delivers a tool lifecycle notification.
	ToolEvent(event tools.Event)

	// Warning delivers a non-fatal notice.
	Warning(message string)

	// TurnDone delivers the final assistant text of the turn.
	TurnDone(content string)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Delta(string)           {}
func (NopSink) Reasoning(string)       {}
func (NopSink) ToolEvent(tools.Event)  {}
func (NopSink) Warning(string)         {}
func (NopSink) TurnDone(string)        {}
