package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/vtcode-ai/vtcode/internal/tools"
)

// ANSI colors for the inline renderer.
const (
	colorReset  = "\x1b[0m"
	colorDim    = "\x1b[2m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
	colorCyan   = "\x1b[36m"
)

// terminalSink renders engine events inline on stdout.
type terminalSink struct {
	color     bool
	streaming bool
}

func newTerminalSink(flags *rootFlags) *terminalSink {
	color := !flags.noColor && term.IsTerminal(int(os.Stdout.Fd()))
	return &terminalSink{color: color}
}

func (s *terminalSink) paint(code, text string) string {
	if !s.color {
		return text
	}
	return code + text + colorReset
}

// Delta implements engine.Sink.
func (s *terminalSink) Delta(text string) {
	s.streaming = true
	fmt.Print(text)
}

// Reasoning implements engine.Sink.
func (s *terminalSink) Reasoning(text string) {
	fmt.Print(s.paint(colorDim, text))
}

// ToolEvent implements engine.Sink.
func (s *terminalSink) ToolEvent(event tools.Event) {
	switch event.Stage {
	case tools.StageStarted:
		fmt.Println(s.paint(colorCyan, "→ "+event.ToolName))
	case tools.StageOutput:
		fmt.Print(s.paint(colorDim, event.Chunk))
	case tools.StageFailed:
		fmt.Println(s.paint(colorRed, "✗ "+event.ToolName+": "+event.Detail))
	case tools.StageDenied:
		fmt.Println(s.paint(colorYellow, "⊘ "+event.ToolName+" denied"))
	case tools.StageSkipped:
		fmt.Println(s.paint(colorDim, "· "+event.ToolName+" skipped"))
	}
}

// Warning implements engine.Sink.
func (s *terminalSink) Warning(message string) {
	fmt.Println(s.paint(colorYellow, "! "+message))
}

// TurnDone implements engine.Sink.
func (s *terminalSink) TurnDone(content string) {
	if s.streaming {
		// The final text already streamed as deltas.
		fmt.Println()
		s.streaming = false
		return
	}
	fmt.Println(content)
}
