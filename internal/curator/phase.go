// Package curator assembles the per-turn model context under a token
// ceiling: recent messages, active-file summaries, a decision-ledger
// brief, recent errors, and phase-filtered tool descriptions.
package curator

import (
	"strings"

	"github.com/vtcode-ai/vtcode/pkg/models"
)

// Phase classifies the current stretch of the conversation.
type Phase string

const (
	PhaseExploration    Phase = "exploration"
	PhaseImplementation Phase = "implementation"
	PhaseValidation     Phase = "validation"
	PhaseDebugging      Phase = "debugging"
	PhaseUnknown        Phase = "unknown"
)

// PhaseDetector determines the conversation phase from available
// signals.
type PhaseDetector interface {
	DetectPhase(messages []models.Message, recentErrors []ErrorContext, current Phase) Phase
}

// HeuristicPhaseDetector matches keywords in the latest user utterance.
// Ambiguous turns with recent errors resolve to debugging; otherwise
// the previous phase is kept.
type HeuristicPhaseDetector struct{}

var phaseKeywords = []struct {
	phase Phase
	words []string
}{
	{PhaseExploration, []string{"search", "find", "list"}},
	{PhaseImplementation, []string{"edit", "write", "create", "modify"}},
	{PhaseValidation, []string{"test", "run", "check", "verify"}},
	{PhaseDebugging, []string{"error", "fix", "debug"}},
}

// DetectPhase implements PhaseDetector.
func (HeuristicPhaseDetector) DetectPhase(messages []models.Message, recentErrors []ErrorContext, current Phase) Phase {
	detected := PhaseUnknown

	if len(messages) > 0 {
		content := strings.ToLower(messages[len(messages)-1].Text())
		for _, pk := range phaseKeywords {
			for _, w := range pk.words {
				if strings.Contains(content, w) {
					detected = pk.phase
					break
				}
			}
			if detected != PhaseUnknown {
				break
			}
		}
	}

	if detected == PhaseUnknown && len(recentErrors) > 0 {
		return PhaseDebugging
	}
	if detected == PhaseUnknown {
		return current
	}
	return detected
}

// toolMatchesPhase reports whether a tool name fits the phase's
// priority set.
func toolMatchesPhase(name string, phase Phase) bool {
	switch phase {
	case PhaseExploration:
		return strings.Contains(name, "grep") ||
			strings.Contains(name, "list") ||
			strings.Contains(name, "search") ||
			strings.Contains(name, "ast_grep")
	case PhaseImplementation:
		return strings.Contains(name, "edit") ||
			strings.Contains(name, "write") ||
			strings.Contains(name, "read")
	case PhaseValidation:
		return strings.Contains(name, "run") ||
			strings.Contains(name, "terminal") ||
			strings.Contains(name, "pty") ||
			strings.Contains(name, "shell")
	default:
		// Debugging and unknown phases take the head of the list.
		return true
	}
}
