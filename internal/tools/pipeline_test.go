package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vtcode-ai/vtcode/internal/safety"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

type fakeTool struct {
	def     models.ToolDefinition
	execute func(ctx context.Context, args json.RawMessage) (string, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeTool) Definition() models.ToolDefinition { return f.def }

func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return `{"ok":true}`, nil
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func readOnlyTool(name string) *fakeTool {
	return &fakeTool{def: models.ToolDefinition{
		Name:           name,
		Description:    "test tool",
		Parameters:     json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"additionalProperties":false}`),
		Classification: models.ClassReadOnly,
	}}
}

func mutatingTool(name string) *fakeTool {
	t := readOnlyTool(name)
	t.def.Classification = models.ClassMutating
	return t
}

func callFor(name, id, args string) models.ToolCall {
	return models.ToolCall{ID: id, Kind: "function", Name: name, Arguments: json.RawMessage(args)}
}

func newPipeline(reg *Registry, opts ...func(*Pipeline)) *Pipeline {
	p := NewPipeline(
		PipelineConfig{DefaultTimeout: 5 * time.Second, MaxRetries: 2, MaxOutputBytes: 1 << 20, Autonomy: "full"},
		reg,
		safety.NewCircuitBreaker(safety.DefaultBreakerConfig()),
		safety.NewRateLimiter(safety.RateLimiterConfig{TokensPerSecond: 1000, Burst: 1000}),
		safety.NewLoopDetector(safety.DefaultLoopDetectorConfig(), nil),
		safety.NewValidator(0),
		NewApprovalCache(),
		nil,
		nil,
		nil,
		nil,
	)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func decodeEnvelope(t *testing.T, res models.ToolResult) vterror.Envelope {
	t.Helper()
	var env vterror.Envelope
	if err := json.Unmarshal([]byte(res.Content), &env); err != nil {
		t.Fatalf("tool response is not an envelope: %q", res.Content)
	}
	return env
}

func TestPipelineSuccess(t *testing.T) {
	reg := NewRegistry()
	tool := readOnlyTool("list_files")
	reg.Register(tool)
	p := newPipeline(reg)

	state := NewTurnState(10, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{callFor("list_files", "c1", `{"path":"src"}`)}, nil)

	if len(out.Results) != 1 || out.Results[0].IsError {
		t.Fatalf("results = %+v", out.Results)
	}
	if out.Results[0].ToolCallID != "c1" {
		t.Errorf("tool_call_id = %q", out.Results[0].ToolCallID)
	}
}

func TestPipelineUnknownTool(t *testing.T) {
	p := newPipeline(NewRegistry())
	state := NewTurnState(10, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{callFor("nope", "c1", `{}`)}, nil)

	env := decodeEnvelope(t, out.Results[0])
	if env.FailureKind != vterror.KindValidation || env.Retryable {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPipelineSchemaRejection(t *testing.T) {
	reg := NewRegistry()
	reg.Register(readOnlyTool("list_files"))
	p := newPipeline(reg)

	state := NewTurnState(10, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{
		callFor("list_files", "c1", `{"path":123}`),
	}, nil)

	env := decodeEnvelope(t, out.Results[0])
	if env.FailureKind != vterror.KindValidation || env.ValidationStage != "schema" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPipelineBudgetGate(t *testing.T) {
	reg := NewRegistry()
	tool := readOnlyTool("list_files")
	reg.Register(tool)
	p := newPipeline(reg)

	state := NewTurnState(0, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{callFor("list_files", "c1", `{}`)}, nil)

	env := decodeEnvelope(t, out.Results[0])
	if env.FailureKind != vterror.KindPolicy || env.ValidationStage != "budget" {
		t.Errorf("envelope = %+v", env)
	}
	if tool.callCount() != 0 {
		t.Error("tool executed past budget")
	}
}

func TestPipelineRateLimitRecovery(t *testing.T) {
	reg := NewRegistry()
	tool := readOnlyTool("grep_file")
	reg.Register(tool)

	var tries atomic.Int64
	var sleeps []time.Duration
	p := newPipeline(reg)
	p.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	// Stub limiter: deny 3 times with a 200ms wait, then accept.
	p.limiter = nil
	p.limiterStub = func(toolName string) (time.Duration, bool) {
		if tries.Add(1) <= 3 {
			return 200 * time.Millisecond, false
		}
		return 0, true
	}

	state := NewTurnState(10, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{callFor("grep_file", "c1", `{}`)}, nil)

	if out.Results[0].IsError {
		t.Fatalf("result = %+v", out.Results[0])
	}
	if got := tries.Load(); got != 4 {
		t.Errorf("try_acquire calls = %d, want 4", got)
	}
	if len(sleeps) != 3 {
		t.Errorf("sleeps = %v, want 3 bounded waits", sleeps)
	}
	for _, d := range sleeps {
		if d != 200*time.Millisecond {
			t.Errorf("sleep = %v, want 200ms", d)
		}
	}
	if tool.callCount() != 1 {
		t.Error("tool did not execute after recovery")
	}
}

func TestPipelineRateLimitExhaustion(t *testing.T) {
	reg := NewRegistry()
	reg.Register(readOnlyTool("grep_file"))

	var tries atomic.Int64
	p := newPipeline(reg)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	p.limiterStub = func(string) (time.Duration, bool) {
		tries.Add(1)
		return 750 * time.Millisecond, false
	}

	state := NewTurnState(10, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{callFor("grep_file", "c1", `{}`)}, nil)

	if got := tries.Load(); got != int64(safety.MaxRateLimitAcquireAttempts) {
		t.Errorf("attempts = %d, want %d", got, safety.MaxRateLimitAcquireAttempts)
	}
	env := decodeEnvelope(t, out.Results[0])
	if env.FailureKind != vterror.KindRateLimit || env.RetryAfterMS != 750 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPipelineLoopBlockAndSpoolReuse(t *testing.T) {
	reg := NewRegistry()
	tool := readOnlyTool("grep_file")
	reg.Register(tool)
	p := newPipeline(reg, func(p *Pipeline) {
		p.loops = safety.NewLoopDetector(safety.LoopDetectorConfig{WarnThreshold: 2, BlockThreshold: 3, Window: time.Minute, SpoolWindow: 2 * time.Minute}, nil)
	})

	state := NewTurnState(100, time.Time{})
	call := callFor("grep_file", "c", `{"path":"src"}`)

	// First two calls execute and spool their output.
	for i := 0; i < 2; i++ {
		out := p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)
		if out.Results[0].IsError {
			t.Fatalf("call %d failed: %+v", i, out.Results[0])
		}
	}

	// Third identical call hits the block but reuses the spool.
	out := p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)
	res := out.Results[0]
	if res.IsError {
		t.Fatalf("blocked call with spool available errored: %+v", res)
	}
	if !strings.Contains(res.Content, `"loop_detected":true`) {
		t.Errorf("spooled reuse missing marker: %q", res.Content)
	}
	if tool.callCount() != 2 {
		t.Errorf("tool ran %d times, want 2", tool.callCount())
	}
}

func TestPipelineLoopBlockWithoutSpool(t *testing.T) {
	reg := NewRegistry()
	failing := readOnlyTool("grep_file")
	failing.execute = func(context.Context, json.RawMessage) (string, error) {
		return "", vterror.New(vterror.KindTool, "boom")
	}
	reg.Register(failing)
	p := newPipeline(reg, func(p *Pipeline) {
		p.loops = safety.NewLoopDetector(safety.LoopDetectorConfig{WarnThreshold: 2, BlockThreshold: 3, Window: time.Minute}, nil)
		p.breaker = nil
	})

	state := NewTurnState(100, time.Time{})
	call := callFor("grep_file", "c", `{}`)
	var last models.ToolResult
	for i := 0; i < 3; i++ {
		out := p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)
		last = out.Results[0]
	}

	env := decodeEnvelope(t, last)
	if env.FailureKind != vterror.KindLoopDetection {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPipelineSessionLimitPrompt(t *testing.T) {
	reg := NewRegistry()
	tool := readOnlyTool("list_files")
	reg.Register(tool)

	prompted := false
	p := newPipeline(reg, func(p *Pipeline) {
		p.validator = safety.NewValidator(1)
		p.RaisePrompt = func(ctx context.Context, current int) int {
			prompted = true
			return current + 10
		}
	})

	state := NewTurnState(100, time.Time{})
	call := callFor("list_files", "c", `{}`)

	p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)
	out := p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)

	if !prompted {
		t.Fatal("raise prompt never shown")
	}
	if out.Results[0].IsError {
		t.Errorf("call after raise failed: %+v", out.Results[0])
	}
}

func TestPipelineSessionLimitDeclined(t *testing.T) {
	reg := NewRegistry()
	reg.Register(readOnlyTool("list_files"))
	p := newPipeline(reg, func(p *Pipeline) {
		p.validator = safety.NewValidator(1)
		p.RaisePrompt = func(ctx context.Context, current int) int { return 0 }
	})

	state := NewTurnState(100, time.Time{})
	call := callFor("list_files", "c", `{}`)
	p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)
	out := p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)

	env := decodeEnvelope(t, out.Results[0])
	if env.FailureKind != vterror.KindPolicy || env.ValidationStage != "safety" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPipelinePermissionFlow(t *testing.T) {
	reg := NewRegistry()
	tool := mutatingTool("write_file")
	reg.Register(tool)

	decisions := []ApprovalDecision{ApprovalDenied, ApprovalApprovedForSession}
	idx := 0
	p := newPipeline(reg, func(p *Pipeline) {
		p.cfg.Autonomy = "hitl"
		p.approver = ApproverFunc(func(ctx context.Context, req ApprovalRequest) ApprovalDecision {
			d := decisions[idx]
			idx++
			return d
		})
	})

	state := NewTurnState(100, time.Time{})
	call := callFor("write_file", "c", `{"path":"a.txt"}`)

	out := p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)
	env := decodeEnvelope(t, out.Results[0])
	if env.FailureKind != vterror.KindPermission {
		t.Fatalf("first call envelope = %+v", env)
	}

	out = p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)
	if out.Results[0].IsError {
		t.Fatalf("approved call failed: %+v", out.Results[0])
	}

	// Session approval is cached: no further prompt.
	out = p.RunBatch(context.Background(), state, []models.ToolCall{call}, nil)
	if out.Results[0].IsError {
		t.Fatalf("cached-approved call failed: %+v", out.Results[0])
	}
	if idx != 2 {
		t.Errorf("approver consulted %d times, want 2", idx)
	}
}

func TestPipelineExitBreaksBatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(mutatingTool("write_file"))
	second := readOnlyTool("list_files")
	reg.Register(second)

	p := newPipeline(reg, func(p *Pipeline) {
		p.cfg.Autonomy = "hitl"
		p.approver = ApproverFunc(func(context.Context, ApprovalRequest) ApprovalDecision {
			return ApprovalExit
		})
	})

	state := NewTurnState(100, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{
		callFor("write_file", "c1", `{"path":"a"}`),
		callFor("list_files", "c2", `{}`),
	}, nil)

	if !out.BreakTurn || !out.Exit {
		t.Errorf("outcome = %+v", out)
	}
	if second.callCount() != 0 {
		t.Error("call after exit executed")
	}
	if out.Results[1].ToolCallID != "c2" {
		t.Error("skipped call missing its response")
	}
}

func TestPipelineParallelReadOnlyBatch(t *testing.T) {
	reg := NewRegistry()

	var active atomic.Int32
	var peak atomic.Int32
	slowRO := func(name string) *fakeTool {
		tool := readOnlyTool(name)
		tool.execute = func(ctx context.Context, _ json.RawMessage) (string, error) {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			active.Add(-1)
			return `{"name":"` + name + `"}`, nil
		}
		return tool
	}
	reg.Register(slowRO("grep_file"))
	reg.Register(slowRO("list_files"))
	reg.Register(slowRO("read_file"))

	p := newPipeline(reg)
	state := NewTurnState(100, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{
		callFor("grep_file", "c1", `{}`),
		callFor("list_files", "c2", `{}`),
		callFor("read_file", "c3", `{}`),
	}, nil)

	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak.Load())
	}
	// Results in original call order regardless of completion order.
	wantIDs := []string{"c1", "c2", "c3"}
	for i, res := range out.Results {
		if res.ToolCallID != wantIDs[i] {
			t.Errorf("result %d id = %q, want %q", i, res.ToolCallID, wantIDs[i])
		}
	}
}

func TestPipelineMixedBatchSequential(t *testing.T) {
	reg := NewRegistry()
	var maxActive atomic.Int32
	var active atomic.Int32
	mk := func(name string, class models.ToolClassification) *fakeTool {
		tool := readOnlyTool(name)
		tool.def.Classification = class
		tool.execute = func(context.Context, json.RawMessage) (string, error) {
			cur := active.Add(1)
			if cur > maxActive.Load() {
				maxActive.Store(cur)
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return `{}`, nil
		}
		return tool
	}
	reg.Register(mk("grep_file", models.ClassReadOnly))
	reg.Register(mk("write_file", models.ClassMutating))

	p := newPipeline(reg)
	state := NewTurnState(100, time.Time{})
	p.RunBatch(context.Background(), state, []models.ToolCall{
		callFor("grep_file", "c1", `{}`),
		callFor("write_file", "c2", `{"path":"x"}`),
	}, nil)

	if maxActive.Load() != 1 {
		t.Errorf("mixed batch ran concurrently: peak %d", maxActive.Load())
	}
}

func TestPipelineExclusiveToolNotParallel(t *testing.T) {
	reg := NewRegistry()
	shell := readOnlyTool("shell") // read-only classification, still exclusive
	reg.Register(shell)
	reg.Register(readOnlyTool("grep_file"))

	if reg.CanParallelize([]models.ToolCall{
		callFor("shell", "c1", `{}`),
		callFor("grep_file", "c2", `{}`),
	}) {
		t.Error("batch containing an exclusive tool marked parallelizable")
	}
}

func TestPipelineRetriesTransient(t *testing.T) {
	reg := NewRegistry()
	flaky := readOnlyTool("grep_file")
	var attempts atomic.Int32
	flaky.execute = func(context.Context, json.RawMessage) (string, error) {
		if attempts.Add(1) < 3 {
			return "", vterror.New(vterror.KindNetwork, "transient").WithRetryable()
		}
		return `{"ok":true}`, nil
	}
	reg.Register(flaky)

	p := newPipeline(reg)
	state := NewTurnState(100, time.Time{})
	out := p.RunBatch(context.Background(), state, []models.ToolCall{callFor("grep_file", "c", `{}`)}, nil)

	if out.Results[0].IsError {
		t.Fatalf("result = %+v", out.Results[0])
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestPipelineNoRetryForValidation(t *testing.T) {
	reg := NewRegistry()
	failing := readOnlyTool("grep_file")
	var attempts atomic.Int32
	failing.execute = func(context.Context, json.RawMessage) (string, error) {
		attempts.Add(1)
		return "", vterror.New(vterror.KindValidation, "bad")
	}
	reg.Register(failing)

	p := newPipeline(reg)
	state := NewTurnState(100, time.Time{})
	p.RunBatch(context.Background(), state, []models.ToolCall{callFor("grep_file", "c", `{}`)}, nil)

	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestCircuitBreakerGatesAfterFailures(t *testing.T) {
	reg := NewRegistry()
	failing := readOnlyTool("grep_file")
	failing.execute = func(context.Context, json.RawMessage) (string, error) {
		return "", vterror.New(vterror.KindTool, "boom")
	}
	reg.Register(failing)

	p := newPipeline(reg, func(p *Pipeline) {
		p.breaker = safety.NewCircuitBreaker(safety.BreakerConfig{FailureRatio: 0.5, WindowSize: 10, MinSamples: 3, Cooldown: time.Minute, MaxBackoff: time.Hour})
		p.loops = nil
	})

	state := NewTurnState(100, time.Time{})
	var last models.ToolResult
	for i := 0; i < 5; i++ {
		out := p.RunBatch(context.Background(), state, []models.ToolCall{
			{ID: "c", Kind: "function", Name: "grep_file", Arguments: json.RawMessage(`{"path":"` + strings.Repeat("x", i+1) + `"}`)},
		}, nil)
		last = out.Results[0]
	}

	env := decodeEnvelope(t, last)
	if env.FailureKind != vterror.KindCircuitBreaker {
		t.Errorf("envelope = %+v", env)
	}
}
