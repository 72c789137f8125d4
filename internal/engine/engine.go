package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vtcode-ai/vtcode/internal/config"
	"github.com/vtcode-ai/vtcode/internal/curator"
	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/snapshot"
	"github.com/vtcode-ai/vtcode/internal/tokens"
	"github.com/vtcode-ai/vtcode/internal/tools"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// TurnOutcome is the terminal state of one turn.
type TurnOutcome string

const (
	TurnCompleted TurnOutcome = "completed"
	TurnCancelled TurnOutcome = "cancelled"
	TurnExited    TurnOutcome = "exited"
	TurnError     TurnOutcome = "error"
)

// ModifiedFileSource supplies the files touched during a turn for
// snapshotting.
type ModifiedFileSource interface {
	Drain() []string
}

// Options wires the engine's collaborators.
type Options struct {
	Config    *config.Config
	Provider  llm.Provider
	Registry  *tools.Registry
	Pipeline  *tools.Pipeline
	Curator   *curator.Curator
	Budget    *tokens.Budget
	Snapshots *snapshot.Manager
	Modified  ModifiedFileSource
	Signals   *Signals
	Sink      Sink
	Metrics   *observability.Metrics
	Logger    *observability.Logger

	// SystemPrompt opens every conversation.
	SystemPrompt string
}

// Engine drives model/tool round-trips for one session. Not safe for
// concurrent RunTurn calls; one session owns one engine.
type Engine struct {
	opts         Options
	conversation []models.Message
	turnNumber   int
}

// New creates an engine. Nil optional collaborators degrade to no-ops.
func New(opts Options) *Engine {
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.Signals == nil {
		opts.Signals = NewSignals()
	}
	e := &Engine{opts: opts}
	if opts.SystemPrompt != "" {
		e.conversation = append(e.conversation, models.Message{
			Role:    models.RoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	return e
}

// Conversation returns the accumulated message history.
func (e *Engine) Conversation() []models.Message {
	out := make([]models.Message, len(e.conversation))
	copy(out, e.conversation)
	return out
}

// RestoreConversation replaces the history, for snapshot revert.
func (e *Engine) RestoreConversation(msgs []models.Message) {
	e.conversation = append([]models.Message(nil), msgs...)
}

// RunTurn satisfies one user utterance: iterate provider calls and
// tool batches until a response with no tool calls or a terminal
// condition, then checkpoint.
func (e *Engine) RunTurn(ctx context.Context, userInput string) (TurnOutcome, error) {
	signals := e.opts.Signals
	signals.ResetForNextTurn()
	if signals.Exited() {
		return TurnExited, nil
	}

	// Pre-turn checks reject input before any provider traffic.
	if e.opts.Budget != nil && e.opts.Budget.Remaining() == 0 {
		return TurnError, vterror.New(vterror.KindPolicy, "context budget exhausted; compact or revert before continuing")
	}

	e.turnNumber++
	if e.opts.Snapshots != nil && e.opts.Snapshots.Enabled() {
		e.turnNumber = e.opts.Snapshots.NextTurnNumber()
	}
	ctx = observability.WithTurn(ctx, e.turnNumber)
	ctx = observability.WithRequestID(ctx, uuid.NewString())

	turnCtx, turnSpan := observability.StartTurnSpan(ctx, e.turnNumber, e.opts.Config.Agent.Model)
	var turnErr error
	defer func() { observability.EndSpan(turnSpan, turnErr) }()

	e.conversation = append(e.conversation, models.Message{Role: models.RoleUser, Content: userInput})

	deadline := time.Time{}
	if e.opts.Config.Agent.MaxWallTime > 0 {
		deadline = time.Now().Add(e.opts.Config.Agent.MaxWallTime)
	}
	turnState := tools.NewTurnState(e.opts.Config.Agent.MaxToolCallsPerTurn, deadline)

	outcome, err := e.iterate(turnCtx, turnState, deadline)
	turnErr = err

	e.checkpoint(turnCtx, userInput)
	e.countTurn(outcome)
	return outcome, err
}

func (e *Engine) iterate(ctx context.Context, turnState *tools.TurnState, deadline time.Time) (TurnOutcome, error) {
	signals := e.opts.Signals

	for iteration := 0; iteration < e.opts.Config.Agent.MaxIterations; iteration++ {
		if signals.Cancelled() {
			return e.cancelOutcome(), nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return TurnError, vterror.New(vterror.KindPolicy, "turn wall-clock budget exceeded")
		}

		response, err := e.callProvider(ctx)
		if err != nil {
			if signals.Cancelled() {
				return e.cancelOutcome(), nil
			}
			kind := vterror.KindOf(err)
			if kind == vterror.KindCancelled {
				return TurnCancelled, nil
			}
			return TurnError, err
		}

		if e.opts.Budget != nil && response.Usage != nil {
			e.opts.Budget.Record(*response.Usage)
			e.recordTokens(response)
		}

		assistant := response.AssistantMessage()
		e.conversation = append(e.conversation, assistant)

		if len(response.ToolCalls) == 0 {
			e.opts.Sink.TurnDone(response.Content)
			return TurnCompleted, nil
		}

		batch := e.opts.Pipeline.RunBatch(ctx, turnState, response.ToolCalls, e.opts.Sink.ToolEvent)

		// Tool responses are appended in original call order, each
		// answering the immediately preceding assistant message.
		for i, result := range batch.Results {
			e.conversation = append(e.conversation, models.Message{
				Role:       models.RoleTool,
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
				OriginTool: response.ToolCalls[i].Name,
			})
			e.recordDecision(response.ToolCalls[i], result)
		}

		if batch.Exit {
			signals.Exit()
			return TurnExited, nil
		}
		if batch.BreakTurn {
			return e.cancelOutcome(), nil
		}
	}

	return TurnError, vterror.Newf(vterror.KindPolicy, "reached max iterations: %d", e.opts.Config.Agent.MaxIterations)
}

func (e *Engine) cancelOutcome() TurnOutcome {
	if e.opts.Signals.Exited() {
		return TurnExited
	}
	return TurnCancelled
}

// callProvider curates the request, validates it, and performs one
// model call, streaming when supported.
func (e *Engine) callProvider(ctx context.Context) (*llm.Response, error) {
	curated := e.opts.Curator.Curate(ctx, e.conversation, e.opts.Registry.Definitions())

	messages := curated.ConversationMessages()
	// The system prompt survives curation even when the recent tail
	// starts past it.
	if e.opts.SystemPrompt != "" && (len(messages) == 0 || messages[0].Role != models.RoleSystem) {
		messages = append([]models.Message{{Role: models.RoleSystem, Content: e.opts.SystemPrompt}}, messages...)
	}

	req := &llm.Request{
		Model:             e.opts.Config.Agent.Model,
		Messages:          messages,
		Tools:             curated.ToolDefinitions(),
		MaxTokens:         e.opts.Config.Agent.MaxTokens,
		ReasoningEffort:   llm.ReasoningEffort(e.opts.Config.Agent.ReasoningEffort),
		ParallelToolCalls: true,
		Stream:            e.opts.Config.Agent.Stream,
	}
	if e.opts.Config.Agent.PromptCache {
		req.PromptCacheKey = "vtcode-session"
	}
	if err := e.opts.Provider.ValidateRequest(req); err != nil {
		return nil, vterror.Wrap(vterror.KindValidation, "request rejected before send", err)
	}

	providerCtx, span := observability.StartProviderSpan(ctx, e.opts.Provider.Name(), req.Model)
	start := time.Now()
	response, err := e.doProviderCall(providerCtx, req)

	// One same-request retry on transient provider failures.
	if err != nil && vterror.IsRetryable(err) && vterror.KindOf(err) == vterror.KindNetwork && !e.opts.Signals.Cancelled() {
		e.opts.Logger.Warn(ctx, "retrying provider call after transient failure", "error", err)
		response, err = e.doProviderCall(providerCtx, req)
	}

	observability.EndSpan(span, err)
	e.observeProvider(req.Model, time.Since(start), err)
	return response, err
}

func (e *Engine) doProviderCall(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if !req.Stream || !e.opts.Provider.SupportsStreaming(req.Model) {
		return e.opts.Provider.Generate(ctx, req)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := e.opts.Provider.Stream(callCtx, req)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-e.opts.Signals.Done():
			cancel()
			return nil, vterror.New(vterror.KindCancelled, "turn cancelled")
		case event, ok := <-events:
			if !ok {
				return nil, vterror.New(vterror.KindProvider, "stream ended without completion")
			}
			switch {
			case event.Err != nil:
				return nil, event.Err
			case event.Completed != nil:
				return event.Completed, nil
			case event.DeltaText != "":
				e.opts.Sink.Delta(event.DeltaText)
			case event.DeltaReasoning != "":
				e.opts.Sink.Reasoning(event.DeltaReasoning)
			}
		}
	}
}

// checkpoint brackets the turn with a snapshot; failures are warnings.
func (e *Engine) checkpoint(ctx context.Context, description string) {
	if e.opts.Snapshots == nil || !e.opts.Snapshots.Enabled() {
		return
	}
	var modified []string
	if e.opts.Modified != nil {
		modified = e.opts.Modified.Drain()
	}
	if _, err := e.opts.Snapshots.Create(ctx, e.turnNumber, description, e.conversation, modified); err != nil {
		e.opts.Logger.Warn(ctx, "snapshot failed", "turn", e.turnNumber, "error", err)
		e.opts.Sink.Warning("checkpoint could not be written; revert for this turn is unavailable")
		if e.opts.Metrics != nil {
			e.opts.Metrics.SnapshotCounter.WithLabelValues("create", "error").Inc()
		}
		return
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.SnapshotCounter.WithLabelValues("create", "success").Inc()
	}
}

func (e *Engine) recordDecision(call models.ToolCall, result models.ToolResult) {
	outcome := "success"
	if result.IsError {
		outcome = "error"
		e.opts.Curator.AddError(curator.ErrorContext{Tool: call.Name, Message: result.Content})
	}
	e.opts.Curator.Ledger().Record(curator.Decision{
		Turn:    e.turnNumber,
		Tool:    call.Name,
		Outcome: outcome,
	})
}

func (e *Engine) recordTokens(response *llm.Response) {
	if e.opts.Metrics == nil || response.Usage == nil {
		return
	}
	provider := e.opts.Provider.Name()
	e.opts.Metrics.TokensUsed.WithLabelValues(provider, response.Model, "input").Add(float64(response.Usage.InputTokens))
	e.opts.Metrics.TokensUsed.WithLabelValues(provider, response.Model, "output").Add(float64(response.Usage.OutputTokens))
	if response.Usage.CacheReadTokens > 0 {
		e.opts.Metrics.TokensUsed.WithLabelValues(provider, response.Model, "cache_read").Add(float64(response.Usage.CacheReadTokens))
	}
}

func (e *Engine) observeProvider(model string, elapsed time.Duration, err error) {
	if e.opts.Metrics == nil {
		return
	}
	provider := e.opts.Provider.Name()
	e.opts.Metrics.ProviderRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	e.opts.Metrics.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
}

func (e *Engine) countTurn(outcome TurnOutcome) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.TurnCounter.WithLabelValues(string(outcome)).Inc()
	}
}
