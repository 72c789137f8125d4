package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vtcode-ai/vtcode/internal/config"
	"github.com/vtcode-ai/vtcode/internal/curator"
	"github.com/vtcode-ai/vtcode/internal/llm"
	"github.com/vtcode-ai/vtcode/internal/safety"
	"github.com/vtcode-ai/vtcode/internal/snapshot"
	"github.com/vtcode-ai/vtcode/internal/tokens"
	"github.com/vtcode-ai/vtcode/internal/tools"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// scriptedProvider returns queued responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []*llm.Request
}

func (p *scriptedProvider) Name() string                        { return "scripted" }
func (p *scriptedProvider) SupportedModels() []string           { return []string{"test-model"} }
func (p *scriptedProvider) SupportsStreaming(string) bool       { return true }
func (p *scriptedProvider) SupportsReasoning(string) bool       { return false }
func (p *scriptedProvider) SupportsReasoningEffort(string) bool { return false }
func (p *scriptedProvider) SupportsTools(string) bool           { return true }

func (p *scriptedProvider) ValidateRequest(req *llm.Request) error {
	return llm.ValidateMessages(req.Messages)
}

func (p *scriptedProvider) next(req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return nil, vterror.New(vterror.KindProvider, "script exhausted")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return p.next(req)
}

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	events := make(chan llm.StreamEvent, 4)
	if resp.Content != "" {
		events <- llm.StreamEvent{DeltaText: resp.Content}
	}
	events <- llm.StreamEvent{Completed: resp}
	close(events)
	return events, nil
}

type recordingSink struct {
	mu       sync.Mutex
	deltas   []string
	events   []tools.Event
	finals   []string
	warnings []string
}

func (s *recordingSink) Delta(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, text)
}
func (s *recordingSink) Reasoning(string) {}
func (s *recordingSink) ToolEvent(e tools.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}
func (s *recordingSink) Warning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}
func (s *recordingSink) TurnDone(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, content)
}

type listTool struct{ calls int }

func (t *listTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "list_files",
		Description:    "list",
		Parameters:     json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		Classification: models.ClassReadOnly,
	}
}

func (t *listTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	t.calls++
	return `["src/main.rs","src/lib.rs"]`, nil
}

func testEngine(t *testing.T, provider llm.Provider, registry *tools.Registry, workspace string) (*Engine, *recordingSink) {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.Provider = "scripted"
	cfg.Agent.Model = "test-model"
	cfg.Tools.Autonomy = "full"

	budget := tokens.NewBudget("test-model", cfg.Context.ContextWindow, cfg.Context.ReservedForOutput)
	cur := curator.New(cfg.Context, budget, nil, nil, nil)
	pipeline := tools.NewPipeline(
		tools.PipelineConfig{DefaultTimeout: 5 * time.Second, MaxRetries: 1, MaxOutputBytes: 1 << 20, Autonomy: "full"},
		registry,
		safety.NewCircuitBreaker(safety.DefaultBreakerConfig()),
		safety.NewRateLimiter(safety.RateLimiterConfig{TokensPerSecond: 1000, Burst: 1000}),
		safety.NewLoopDetector(safety.DefaultLoopDetectorConfig(), nil),
		safety.NewValidator(0),
		tools.NewApprovalCache(),
		nil, nil, nil, nil,
	)

	snaps := snapshot.NewManager(snapshot.Config{Workspace: workspace, Enabled: true}, nil)
	sink := &recordingSink{}
	eng := New(Options{
		Config:       cfg,
		Provider:     provider,
		Registry:     registry,
		Pipeline:     pipeline,
		Curator:      cur,
		Budget:       budget,
		Snapshots:    snaps,
		Sink:         sink,
		SystemPrompt: "You are a coding assistant.",
	})
	return eng, sink
}

func toolCallResponse(callID, tool, args string) *llm.Response {
	return &llm.Response{
		Model: "test-model",
		ToolCalls: []models.ToolCall{
			{ID: callID, Kind: "function", Name: tool, Arguments: json.RawMessage(args)},
		},
		FinishReason: llm.FinishToolCalls,
		Usage:        &models.Usage{InputTokens: 100, OutputTokens: 20},
	}
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Model:        "test-model",
		Content:      text,
		FinishReason: llm.FinishStop,
		Usage:        &models.Usage{InputTokens: 120, OutputTokens: 30},
	}
}

func TestRunTurnSimpleReadOnlyTool(t *testing.T) {
	registry := tools.NewRegistry()
	tool := &listTool{}
	registry.Register(tool)

	provider := &scriptedProvider{responses: []*llm.Response{
		toolCallResponse("c1", "list_files", `{"path":"src"}`),
		textResponse("Two rust files live in src."),
	}}

	ws := t.TempDir()
	eng, sink := testEngine(t, provider, registry, ws)

	outcome, err := eng.RunTurn(context.Background(), "list rust files in src/")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if outcome != TurnCompleted {
		t.Fatalf("outcome = %v", outcome)
	}
	if tool.calls != 1 {
		t.Errorf("tool executed %d times", tool.calls)
	}

	conv := eng.Conversation()
	// system, user, assistant(tool_calls), tool, assistant(final)
	if len(conv) != 5 {
		t.Fatalf("conversation length = %d: %+v", len(conv), conv)
	}
	if conv[2].Role != models.RoleAssistant || len(conv[2].ToolCalls) != 1 {
		t.Errorf("assistant message malformed: %+v", conv[2])
	}
	if conv[3].Role != models.RoleTool || conv[3].ToolCallID != "c1" {
		t.Errorf("tool response malformed: %+v", conv[3])
	}
	if err := llm.ValidateMessages(conv[1:]); err != nil {
		t.Errorf("history violates ordering contract: %v", err)
	}
	if len(sink.finals) != 1 || !strings.Contains(sink.finals[0], "rust files") {
		t.Errorf("finals = %v", sink.finals)
	}

	// Snapshot bracketed the turn with no file contents.
	snaps := snapshot.NewManager(snapshot.Config{Workspace: ws, Enabled: true}, nil)
	list, err := snaps.List(context.Background())
	if err != nil || len(list) != 1 {
		t.Fatalf("snapshots = %v, %v", list, err)
	}
	if list[0].FileCount != 0 {
		t.Errorf("file_count = %d, want 0", list[0].FileCount)
	}
}

func TestRunTurnBudgetExhausted(t *testing.T) {
	registry := tools.NewRegistry()
	provider := &scriptedProvider{responses: []*llm.Response{textResponse("hi")}}
	eng, _ := testEngine(t, provider, registry, t.TempDir())

	// Drain the budget entirely.
	eng.opts.Budget.Record(models.Usage{InputTokens: eng.opts.Config.Context.ContextWindow})

	outcome, err := eng.RunTurn(context.Background(), "anything")
	if outcome != TurnError || err == nil {
		t.Fatalf("outcome = %v, err = %v", outcome, err)
	}
	if vterror.KindOf(err) != vterror.KindPolicy {
		t.Errorf("kind = %v", vterror.KindOf(err))
	}
	if len(provider.requests) != 0 {
		t.Error("provider was called despite exhausted budget")
	}
}

func TestRunTurnMaxIterations(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&listTool{})

	// Every response asks for another tool call; arguments vary to
	// stay under the loop detector.
	var responses []*llm.Response
	for i := 0; i < 40; i++ {
		responses = append(responses, toolCallResponse(
			"c"+strings.Repeat("x", i+1), "list_files", `{"path":"`+strings.Repeat("d", i+1)+`"}`))
	}
	provider := &scriptedProvider{responses: responses}

	eng, _ := testEngine(t, provider, registry, t.TempDir())
	eng.opts.Config.Agent.MaxIterations = 3

	outcome, err := eng.RunTurn(context.Background(), "loop forever")
	if outcome != TurnError || err == nil {
		t.Fatalf("outcome = %v, err = %v", outcome, err)
	}
	if !strings.Contains(err.Error(), "max iterations") {
		t.Errorf("err = %v", err)
	}
}

// stalledProvider never completes its stream, so cancellation is the
// only way out.
type stalledProvider struct{ scriptedProvider }

func (p *stalledProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	return make(chan llm.StreamEvent), nil
}

func TestRunTurnCancelledMidStream(t *testing.T) {
	registry := tools.NewRegistry()
	provider := &stalledProvider{}
	eng, _ := testEngine(t, provider, registry, t.TempDir())

	go func() {
		time.Sleep(100 * time.Millisecond)
		eng.opts.Signals.Cancel()
	}()

	outcome, err := eng.RunTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("cancelled turn returned error: %v", err)
	}
	if outcome != TurnCancelled {
		t.Fatalf("outcome = %v, want cancelled", outcome)
	}
}

func TestRunTurnToolErrorContinues(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&listTool{})

	provider := &scriptedProvider{responses: []*llm.Response{
		toolCallResponse("c1", "unknown_tool", `{}`),
		textResponse("Recovered from the failed tool."),
	}}

	eng, _ := testEngine(t, provider, registry, t.TempDir())
	outcome, err := eng.RunTurn(context.Background(), "try a bad tool")
	if err != nil || outcome != TurnCompleted {
		t.Fatalf("outcome = %v, err = %v", outcome, err)
	}

	conv := eng.Conversation()
	var toolMsg *models.Message
	for i := range conv {
		if conv[i].Role == models.RoleTool {
			toolMsg = &conv[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool response message for the failed call")
	}
	var env vterror.Envelope
	if jerr := json.Unmarshal([]byte(toolMsg.Content), &env); jerr != nil {
		t.Fatalf("tool response not an envelope: %q", toolMsg.Content)
	}
	if env.FailureKind != vterror.KindValidation {
		t.Errorf("envelope = %+v", env)
	}
}

func TestRunTurnUsageRecorded(t *testing.T) {
	registry := tools.NewRegistry()
	provider := &scriptedProvider{responses: []*llm.Response{textResponse("done")}}
	eng, _ := testEngine(t, provider, registry, t.TempDir())

	if _, err := eng.RunTurn(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if eng.opts.Budget.UsedInput() != 120 || eng.opts.Budget.UsedOutput() != 30 {
		t.Errorf("budget = %d/%d", eng.opts.Budget.UsedInput(), eng.opts.Budget.UsedOutput())
	}
	if !eng.opts.Budget.WithinWindow() {
		t.Error("usage exceeds window")
	}
}

func TestSignals(t *testing.T) {
	s := NewSignals()
	if s.Cancelled() || s.Exited() {
		t.Fatal("fresh signals already set")
	}

	s.Cancel()
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after cancel")
	}

	s.ResetForNextTurn()
	if s.Cancelled() {
		t.Error("cancel survived reset")
	}

	s.Exit()
	s.ResetForNextTurn()
	if !s.Exited() || !s.Cancelled() {
		t.Error("exit must be sticky across resets")
	}
}
