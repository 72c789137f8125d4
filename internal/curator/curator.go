package curator

import (
	"context"
	"time"

	"github.com/vtcode-ai/vtcode/internal/config"
	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/tokens"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// ErrorContext is a recent failure retained for debugging context.
type ErrorContext struct {
	Tool    string
	Message string
	At      time.Time
}

// FileSummary is a condensed view of a file active this turn.
type FileSummary struct {
	Path    string
	Summary string
}

// CuratedMessage pairs a conversation entry with its token estimate.
type CuratedMessage struct {
	Message         models.Message
	EstimatedTokens int
}

// CuratedTool pairs a tool definition with its token estimate.
type CuratedTool struct {
	Definition      models.ToolDefinition
	EstimatedTokens int
}

// CuratedContext is the selection emitted for one model call.
type CuratedContext struct {
	Phase           Phase
	Messages        []CuratedMessage
	Files           []FileSummary
	LedgerSummary   string
	Errors          []ErrorContext
	Tools           []CuratedTool
	EstimatedTokens int
}

// ToolDefinitions extracts the selected tool definitions in order.
func (c *CuratedContext) ToolDefinitions() []models.ToolDefinition {
	out := make([]models.ToolDefinition, len(c.Tools))
	for i, t := range c.Tools {
		out[i] = t.Definition
	}
	return out
}

// ConversationMessages extracts the selected messages in order.
func (c *CuratedContext) ConversationMessages() []models.Message {
	out := make([]models.Message, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Message
	}
	return out
}

// Curator selects messages, files, errors, and tools for each model
// call under the effective budget min(remaining, max_tokens_per_turn).
// Not safe for concurrent use; the engine owns it for the session.
type Curator struct {
	cfg       config.ContextConfig
	budget    *tokens.Budget
	estimator tokens.Estimator
	detector  PhaseDetector
	ledger    *DecisionLedger
	logger    *observability.Logger

	activeFiles   map[string]struct{}
	fileSummaries map[string]FileSummary
	recentErrors  []ErrorContext
	currentPhase  Phase
}

// New creates a curator. A nil estimator falls back to the character
// ratio; phase detection uses the keyword heuristic.
func New(cfg config.ContextConfig, budget *tokens.Budget, ledger *DecisionLedger, estimator tokens.Estimator, logger *observability.Logger) *Curator {
	if estimator == nil {
		estimator = tokens.CharacterRatioEstimator{}
	}
	if logger == nil {
		logger = observability.Discard()
	}
	if ledger == nil {
		ledger = NewDecisionLedger(0)
	}
	return &Curator{
		cfg:           cfg,
		budget:        budget,
		estimator:     estimator,
		detector:      HeuristicPhaseDetector{},
		ledger:        ledger,
		logger:        logger,
		activeFiles:   make(map[string]struct{}),
		fileSummaries: make(map[string]FileSummary),
		currentPhase:  PhaseUnknown,
	}
}

// MarkFileActive flags a file as part of the current work set.
func (c *Curator) MarkFileActive(path string) {
	c.activeFiles[path] = struct{}{}
}

// AddFileSummary stores a file summary keyed by path.
func (c *Curator) AddFileSummary(s FileSummary) {
	c.fileSummaries[s.Path] = s
}

// AddError retains a recent failure; errors shift the phase to
// debugging immediately.
func (c *Curator) AddError(e ErrorContext) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	c.recentErrors = append(c.recentErrors, e)
	if len(c.recentErrors) > c.cfg.MaxRecentErrors && c.cfg.MaxRecentErrors > 0 {
		c.recentErrors = c.recentErrors[len(c.recentErrors)-c.cfg.MaxRecentErrors:]
	}
	c.currentPhase = PhaseDebugging
}

// Ledger exposes the decision ledger for engine recording.
func (c *Curator) Ledger() *DecisionLedger { return c.ledger }

// CurrentPhase returns the last detected phase.
func (c *Curator) CurrentPhase() Phase { return c.currentPhase }

// ClearActiveFiles resets the active work set after task completion.
func (c *Curator) ClearActiveFiles() {
	c.activeFiles = make(map[string]struct{})
}

// ClearErrors drops retained errors after resolution.
func (c *Curator) ClearErrors() {
	c.recentErrors = nil
}

// Curate builds the context for the next model call.
func (c *Curator) Curate(ctx context.Context, conversation []models.Message, availableTools []models.ToolDefinition) *CuratedContext {
	out := &CuratedContext{}

	if !c.cfg.Enabled {
		for _, m := range conversation {
			out.Messages = append(out.Messages, CuratedMessage{Message: m, EstimatedTokens: c.estimator.Estimate(m.Text())})
		}
		for _, t := range availableTools {
			out.Tools = append(out.Tools, CuratedTool{Definition: t, EstimatedTokens: c.toolTokens(t)})
		}
		return out
	}

	budget := c.cfg.MaxTokensPerTurn
	if c.budget != nil {
		if remaining := c.budget.Remaining(); remaining < budget {
			budget = remaining
		}
	}

	phase := c.detector.DetectPhase(conversation, c.recentErrors, c.currentPhase)
	c.currentPhase = phase
	out.Phase = phase

	// Priority 1: recent messages, always included.
	keep := c.cfg.PreserveRecentMessages
	if keep <= 0 {
		keep = 5
	}
	if keep > len(conversation) {
		keep = len(conversation)
	}
	start := alignToAssistant(conversation, len(conversation)-keep)
	for _, m := range conversation[start:] {
		est := c.estimator.Estimate(m.Text())
		out.Messages = append(out.Messages, CuratedMessage{Message: m, EstimatedTokens: est})
		out.EstimatedTokens += est
	}

	// Priority 2: summaries of files active this turn.
	for path := range c.activeFiles {
		if summary, ok := c.fileSummaries[path]; ok {
			out.Files = append(out.Files, summary)
			out.EstimatedTokens += c.estimator.Estimate(summary.Summary)
		}
	}

	// Priority 3: decision-ledger brief.
	if summary := c.ledger.Brief(c.cfg.LedgerMaxEntries); summary != "" {
		out.LedgerSummary = summary
		out.EstimatedTokens += c.estimator.Estimate(summary)
	}

	// Priority 4: recent errors, newest first.
	errCount := c.cfg.MaxRecentErrors
	if errCount > len(c.recentErrors) {
		errCount = len(c.recentErrors)
	}
	for i := 0; i < errCount; i++ {
		e := c.recentErrors[len(c.recentErrors)-1-i]
		out.Errors = append(out.Errors, e)
		out.EstimatedTokens += c.estimator.Estimate(e.Message)
	}

	// Priority 5: phase-filtered tools, filled from the remainder.
	for _, t := range c.selectTools(availableTools, phase) {
		ct := CuratedTool{Definition: t, EstimatedTokens: c.toolTokens(t)}
		out.Tools = append(out.Tools, ct)
		out.EstimatedTokens += ct.EstimatedTokens
	}

	if out.EstimatedTokens > budget {
		c.compress(ctx, out, budget)
	}

	c.logger.Debug(ctx, "curated context",
		"phase", string(phase),
		"messages", len(out.Messages),
		"tools", len(out.Tools),
		"estimated_tokens", out.EstimatedTokens,
		"budget", budget)

	return out
}

// alignToAssistant widens a tail cut that would orphan tool responses:
// the window grows backwards until it no longer opens on a RoleTool
// message, so every included tool response keeps the assistant message
// it answers.
func alignToAssistant(conversation []models.Message, start int) int {
	for start > 0 && start < len(conversation) && conversation[start].Role == models.RoleTool {
		start--
	}
	return start
}

func (c *Curator) selectTools(available []models.ToolDefinition, phase Phase) []models.ToolDefinition {
	maxTools := c.cfg.MaxToolDescriptions
	if maxTools <= 0 {
		maxTools = 10
	}

	selected := make([]models.ToolDefinition, 0, maxTools)
	for _, t := range available {
		if len(selected) >= maxTools {
			break
		}
		if toolMatchesPhase(t.Name, phase) {
			selected = append(selected, t)
		}
	}

	// Under quota: fill with the remaining tools in declaration order.
	if len(selected) < maxTools {
		seen := make(map[string]struct{}, len(selected))
		for _, t := range selected {
			seen[t.Name] = struct{}{}
		}
		for _, t := range available {
			if len(selected) >= maxTools {
				break
			}
			if _, dup := seen[t.Name]; dup {
				continue
			}
			selected = append(selected, t)
		}
	}
	return selected
}

// compress applies the drop ladder until the estimate fits: tools to a
// floor of 5, then file summaries, then errors, then oldest messages
// keeping at least 3.
func (c *Curator) compress(ctx context.Context, out *CuratedContext, budget int) {
	c.logger.Info(ctx, "context compression needed",
		"estimated_tokens", out.EstimatedTokens, "budget", budget)

	for out.EstimatedTokens > budget && len(out.Tools) > 5 {
		last := out.Tools[len(out.Tools)-1]
		out.Tools = out.Tools[:len(out.Tools)-1]
		out.EstimatedTokens -= last.EstimatedTokens
	}

	for out.EstimatedTokens > budget && len(out.Files) > 0 {
		last := out.Files[len(out.Files)-1]
		out.Files = out.Files[:len(out.Files)-1]
		out.EstimatedTokens -= c.estimator.Estimate(last.Summary)
	}

	for out.EstimatedTokens > budget && len(out.Errors) > 0 {
		last := out.Errors[len(out.Errors)-1]
		out.Errors = out.Errors[:len(out.Errors)-1]
		out.EstimatedTokens -= c.estimator.Estimate(last.Message)
	}

	for out.EstimatedTokens > budget && len(out.Messages) > 3 {
		first := out.Messages[0]
		out.Messages = out.Messages[1:]
		out.EstimatedTokens -= first.EstimatedTokens
		// Tool responses cannot open the window without the assistant
		// message that produced them.
		for len(out.Messages) > 0 && out.Messages[0].Message.Role == models.RoleTool {
			orphan := out.Messages[0]
			out.Messages = out.Messages[1:]
			out.EstimatedTokens -= orphan.EstimatedTokens
		}
	}

	if out.EstimatedTokens < 0 {
		out.EstimatedTokens = 0
	}

	c.logger.Warn(ctx, "context compressed",
		"estimated_tokens", out.EstimatedTokens, "budget", budget)
}

func (c *Curator) toolTokens(t models.ToolDefinition) int {
	return c.estimator.Estimate(t.Name) +
		c.estimator.Estimate(t.Description) +
		c.estimator.Estimate(string(t.Parameters))
}
