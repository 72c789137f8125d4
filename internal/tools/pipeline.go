package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/safety"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// EventStage marks a tool lifecycle event delivered to the UI sink.
type EventStage string

const (
	StageStarted   EventStage = "started"
	StageOutput    EventStage = "output"
	StageSucceeded EventStage = "succeeded"
	StageFailed    EventStage = "failed"
	StageDenied    EventStage = "denied"
	StageSkipped   EventStage = "skipped"
)

// Event is a tool lifecycle notification.
type Event struct {
	Stage      EventStage
	ToolName   string
	ToolCallID string
	Chunk      string
	Detail     string
}

// EventSink receives tool lifecycle events; nil sinks are permitted.
type EventSink func(Event)

// PipelineConfig bounds pipeline execution.
type PipelineConfig struct {
	DefaultTimeout time.Duration
	ToolTimeouts   map[string]time.Duration
	MaxRetries     int
	MaxOutputBytes int

	// Autonomy is full, hitl, or readonly.
	Autonomy string
}

// TurnState carries the per-turn budget the pipeline consumes.
type TurnState struct {
	mu sync.Mutex

	// RemainingToolCalls counts down per executed or rejected call.
	RemainingToolCalls int

	// Deadline is the turn wall-clock bound; zero means unbounded.
	Deadline time.Time

	// retriesByTool counts pipeline-level retries per tool name.
	retriesByTool map[string]int
}

// NewTurnState creates the per-turn budget.
func NewTurnState(maxToolCalls int, deadline time.Time) *TurnState {
	return &TurnState{
		RemainingToolCalls: maxToolCalls,
		Deadline:           deadline,
		retriesByTool:      make(map[string]int),
	}
}

func (t *TurnState) consumeCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RemainingToolCalls <= 0 {
		return false
	}
	t.RemainingToolCalls--
	return true
}

func (t *TurnState) pastDeadline(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

func (t *TurnState) takeRetry(tool string, max int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retriesByTool[tool] >= max {
		return false
	}
	t.retriesByTool[tool]++
	return true
}

// BatchOutcome is the result of running one tool-call batch.
type BatchOutcome struct {
	// Results are tool responses in original call order.
	Results []models.ToolResult

	// BreakTurn is set when an approval outcome ended the turn.
	BreakTurn bool

	// Exit is set when the user chose to end the session.
	Exit bool
}

// ModifiedFileRecorder receives paths mutated by tools, feeding the
// snapshot modified set.
type ModifiedFileRecorder interface {
	Mark(relPath string)
}

// Pipeline runs validated tool calls through the guard stages. One
// pipeline serves the whole session.
type Pipeline struct {
	cfg       PipelineConfig
	registry  *Registry
	breaker   *safety.CircuitBreaker
	limiter   *safety.RateLimiter
	loops     *safety.LoopDetector
	validator *safety.Validator
	approvals *ApprovalCache
	approver  Approver
	recorder  ModifiedFileRecorder
	metrics   *observability.Metrics
	logger    *observability.Logger

	// RaisePrompt asks the user to raise the session cap; returns the
	// new cap or 0 to decline. Nil declines silently.
	RaisePrompt func(ctx context.Context, current int) int

	// sleep is injectable for rate-limit tests.
	sleep func(ctx context.Context, d time.Duration) error

	// limiterStub overrides the rate limiter in tests.
	limiterStub func(tool string) (time.Duration, bool)

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewPipeline wires the pipeline with its guard components.
func NewPipeline(cfg PipelineConfig, registry *Registry, breaker *safety.CircuitBreaker, limiter *safety.RateLimiter, loops *safety.LoopDetector, validator *safety.Validator, approvals *ApprovalCache, approver Approver, recorder ModifiedFileRecorder, metrics *observability.Metrics, logger *observability.Logger) *Pipeline {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 256 << 10
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &Pipeline{
		cfg:       cfg,
		registry:  registry,
		breaker:   breaker,
		limiter:   limiter,
		loops:     loops,
		validator: validator,
		approvals: approvals,
		approver:  approver,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// RunBatch executes one assistant message's tool calls. Calls run
// concurrently iff every call is ReadOnly and none is exclusive;
// results always land in original call order.
func (p *Pipeline) RunBatch(ctx context.Context, state *TurnState, calls []models.ToolCall, sink EventSink) BatchOutcome {
	outcome := BatchOutcome{Results: make([]models.ToolResult, len(calls))}
	if len(calls) == 0 {
		return outcome
	}

	if p.registry.CanParallelize(calls) {
		var wg sync.WaitGroup
		results := make([]models.ToolResult, len(calls))
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, tc models.ToolCall) {
				defer wg.Done()
				res, _ := p.runOne(ctx, state, tc, sink)
				results[idx] = res
			}(i, call)
		}
		wg.Wait()
		outcome.Results = results
		return outcome
	}

	for i, call := range calls {
		res, disposition := p.runOne(ctx, state, call, sink)
		outcome.Results[i] = res
		switch disposition {
		case dispositionExit:
			outcome.BreakTurn = true
			outcome.Exit = true
		case dispositionInterrupt:
			outcome.BreakTurn = true
		}
		if outcome.BreakTurn {
			// Remaining calls are skipped with an explicit marker.
			for j := i + 1; j < len(calls); j++ {
				outcome.Results[j] = p.errorResult(calls[j],
					vterror.New(vterror.KindCancelled, "turn ended before this call executed"))
				p.emit(sink, Event{Stage: StageSkipped, ToolName: calls[j].Name, ToolCallID: calls[j].ID})
			}
			break
		}
	}
	return outcome
}

type disposition int

const (
	dispositionContinue disposition = iota
	dispositionInterrupt
	dispositionExit
)

// runOne executes the nine pipeline stages for a single call.
func (p *Pipeline) runOne(ctx context.Context, state *TurnState, call models.ToolCall, sink EventSink) (models.ToolResult, disposition) {
	name := CanonicalName(call.Name)
	fingerprint := call.Fingerprint()

	// Stage 1: budget gates.
	if state.pastDeadline(time.Now()) {
		p.reject("budget")
		return p.errorResult(call, vterror.New(vterror.KindPolicy, "turn wall-clock budget exhausted").WithStage("budget")), dispositionContinue
	}
	if !state.consumeCall() {
		p.reject("budget")
		return p.errorResult(call, vterror.New(vterror.KindPolicy, "per-turn tool-call budget exhausted").WithStage("budget")), dispositionContinue
	}

	// Stage 2: pre-flight schema validation.
	tool, ok := p.registry.Get(name)
	if !ok {
		p.reject("schema")
		return p.errorResult(call, vterror.Newf(vterror.KindValidation, "unknown tool %q", call.Name).WithStage("schema")), dispositionContinue
	}
	if err := p.validateArgs(tool.Definition(), call.Arguments); err != nil {
		p.reject("schema")
		return p.errorResult(call, vterror.Wrap(vterror.KindValidation, "arguments rejected by schema", err).WithStage("schema")), dispositionContinue
	}

	// Stage 3: circuit breaker.
	if p.breaker != nil && !p.breaker.Allow(name) {
		p.reject("circuit")
		return p.errorResult(call, vterror.Newf(vterror.KindCircuitBreaker, "tool %s temporarily gated after repeated failures", name).WithStage("circuit")), dispositionContinue
	}

	// Stage 4: rate limiter with bounded waits.
	if p.limiter != nil || p.limiterStub != nil {
		if res, rejected := p.acquireRate(ctx, call, name); rejected != nil {
			return *rejected, dispositionContinue
		} else if res != nil {
			return *res, dispositionInterrupt
		}
	}

	// Stage 5: loop detector.
	if p.loops != nil {
		switch p.loops.Record(name, fingerprint) {
		case safety.LoopWarn:
			p.logger.Warn(ctx, "tool repetition warning", "tool", name, "hint", p.loops.WarnMessage(name))
		case safety.LoopBlock:
			if content, ok := p.loops.ReuseSpooled(fingerprint); ok {
				p.emit(sink, Event{Stage: StageSucceeded, ToolName: name, ToolCallID: call.ID, Detail: "loop_detected"})
				return models.ToolResult{
					ToolCallID: call.ID,
					Content:    spooledEnvelope(content),
				}, dispositionContinue
			}
			p.reject("loop")
			return p.errorResult(call, vterror.New(vterror.KindLoopDetection, p.loops.BlockMessage(name)).WithStage("loop")), dispositionContinue
		}
	}

	// Stage 6: session safety validator.
	if p.validator != nil {
		if err := p.validator.Check(); err != nil {
			raised := false
			if p.RaisePrompt != nil {
				if newMax := p.RaisePrompt(ctx, p.validator.Max()); newMax > p.validator.Max() {
					p.validator.Raise(newMax)
					raised = p.validator.Check() == nil
				}
			}
			if !raised {
				p.reject("safety")
				return p.errorResult(call, vterror.Wrap(vterror.KindPolicy, "session tool-call limit", err).WithStage("safety")), dispositionContinue
			}
		}
	}

	// Stage 7: permission check.
	if res, disp := p.checkPermission(ctx, call, tool.Definition(), fingerprint, sink); disp != dispositionContinue || res != nil {
		if res != nil {
			return *res, disp
		}
		return p.errorResult(call, vterror.New(vterror.KindCancelled, "approval interrupted")), disp
	}

	// Stage 8: execution (with stage 9 recording).
	return p.execute(ctx, state, call, tool, name, fingerprint, sink), dispositionContinue
}

// acquireRate implements the bounded-wait retry protocol. Returns
// (interruptResult, nil) on cancellation, (nil, rejection) on final
// denial, (nil, nil) on success.
func (p *Pipeline) acquireRate(ctx context.Context, call models.ToolCall, name string) (*models.ToolResult, *models.ToolResult) {
	tryAcquire := p.limiterStub
	if tryAcquire == nil {
		tryAcquire = p.limiter.TryAcquire
	}

	var lastWait time.Duration
	for attempt := 0; attempt < safety.MaxRateLimitAcquireAttempts; attempt++ {
		wait, ok := tryAcquire(name)
		if ok {
			return nil, nil
		}
		lastWait = safety.BoundWait(wait)
		if attempt == safety.MaxRateLimitAcquireAttempts-1 {
			break
		}
		if err := p.sleep(ctx, lastWait); err != nil {
			res := p.errorResult(call, vterror.Wrap(vterror.KindCancelled, "cancelled during rate-limit wait", err))
			return &res, nil
		}
	}
	p.reject("rate")
	res := p.errorResult(call, vterror.New(vterror.KindRateLimit, "local rate limit for tool "+name).
		WithRetryable().
		WithRetryAfter(lastWait.Milliseconds()).
		WithStage("rate"))
	return nil, &res
}

func (p *Pipeline) checkPermission(ctx context.Context, call models.ToolCall, def models.ToolDefinition, fingerprint string, sink EventSink) (*models.ToolResult, disposition) {
	name := CanonicalName(def.Name)

	// Read-only tools and full autonomy skip prompting.
	if def.Classification == models.ClassReadOnly || p.cfg.Autonomy == "full" {
		return nil, dispositionContinue
	}
	if p.cfg.Autonomy == "readonly" {
		p.reject("permission")
		res := p.errorResult(call, vterror.New(vterror.KindPermission, "mutating tools are disabled in read-only mode").WithStage("permission"))
		p.emit(sink, Event{Stage: StageDenied, ToolName: name, ToolCallID: call.ID})
		return &res, dispositionContinue
	}

	if p.approvals != nil {
		if approved, hit := p.approvals.Lookup(name, fingerprint); hit {
			if approved {
				return nil, dispositionContinue
			}
			p.reject("permission")
			res := p.errorResult(call, vterror.New(vterror.KindPermission, "previously denied for identical arguments").WithStage("permission"))
			return &res, dispositionContinue
		}
	}

	if p.approver == nil {
		// HITL with no prompter: deny mutating calls.
		p.reject("permission")
		res := p.errorResult(call, vterror.New(vterror.KindPermission, "no approver available for mutating tool").WithStage("permission"))
		return &res, dispositionContinue
	}

	decision := p.approver.RequestApproval(ctx, ApprovalRequest{
		ToolName:       name,
		Classification: def.Classification,
		ArgumentsJSON:  models.CanonicalJSON(call.Arguments),
	})
	switch decision {
	case ApprovalApproved:
		return nil, dispositionContinue
	case ApprovalApprovedForSession:
		if p.approvals != nil {
			p.approvals.Store(name, fingerprint, true)
		}
		return nil, dispositionContinue
	case ApprovalDenied:
		p.reject("permission")
		p.emit(sink, Event{Stage: StageDenied, ToolName: name, ToolCallID: call.ID})
		res := p.errorResult(call, vterror.New(vterror.KindPermission, "denied by user").WithStage("permission"))
		return &res, dispositionContinue
	case ApprovalExit:
		res := p.errorResult(call, vterror.New(vterror.KindCancelled, "user exited during approval"))
		return &res, dispositionExit
	default: // ApprovalInterrupted
		res := p.errorResult(call, vterror.New(vterror.KindCancelled, "approval interrupted"))
		return &res, dispositionInterrupt
	}
}

func (p *Pipeline) execute(ctx context.Context, state *TurnState, call models.ToolCall, tool Tool, name, fingerprint string, sink EventSink) models.ToolResult {
	p.emit(sink, Event{Stage: StageStarted, ToolName: name, ToolCallID: call.ID})

	timeout := p.cfg.DefaultTimeout
	if override, ok := p.cfg.ToolTimeouts[name]; ok && override > 0 {
		timeout = override
	}

	for {
		content, err := p.executeOnce(ctx, call, tool, timeout, sink)
		if err == nil {
			if p.breaker != nil {
				p.breaker.RecordSuccess(name)
			}
			if p.loops != nil {
				p.loops.SpoolOutput(fingerprint, content)
			}
			p.markModified(tool, call)
			p.countExec(name, "success")
			p.emit(sink, Event{Stage: StageSucceeded, ToolName: name, ToolCallID: call.ID})

			truncated := false
			if len(content) > p.cfg.MaxOutputBytes {
				content = content[:p.cfg.MaxOutputBytes] + "\n...(truncated)"
				truncated = true
			}
			return models.ToolResult{ToolCallID: call.ID, Content: content, Truncated: truncated}
		}

		if p.breaker != nil {
			p.breaker.RecordFailure(name)
		}

		kind := vterror.KindOf(err)
		retryable := vterror.IsRetryable(err) && (kind == vterror.KindNetwork || kind == vterror.KindTimeout)
		if retryable && ctx.Err() == nil && state.takeRetry(name, p.cfg.MaxRetries) {
			p.logger.Warn(ctx, "retrying tool after transient failure", "tool", name, "error", err)
			continue
		}

		p.countExec(name, "error")
		p.emit(sink, Event{Stage: StageFailed, ToolName: name, ToolCallID: call.ID, Detail: err.Error()})
		return p.errorResult(call, err)
	}
}

func (p *Pipeline) executeOnce(ctx context.Context, call models.ToolCall, tool Tool, timeout time.Duration, sink EventSink) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var timerStop func()
	if p.metrics != nil {
		timer := prometheus.NewTimer(p.metrics.ToolExecutionDuration.WithLabelValues(CanonicalName(call.Name)))
		timerStop = func() { timer.ObserveDuration() }
	}
	if timerStop != nil {
		defer timerStop()
	}

	type result struct {
		content string
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: vterror.Newf(vterror.KindTool, "tool panicked: %v", r)}
			}
		}()
		if streaming, ok := tool.(StreamingTool); ok && sink != nil {
			content, err := streaming.ExecuteStreaming(execCtx, call.Arguments, func(chunk string) {
				p.emit(sink, Event{Stage: StageOutput, ToolName: call.Name, ToolCallID: call.ID, Chunk: chunk})
			})
			resultCh <- result{content: content, err: err}
			return
		}
		content, err := tool.Execute(execCtx, call.Arguments)
		resultCh <- result{content: content, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.content, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return "", vterror.Wrap(vterror.KindCancelled, "tool cancelled", ctx.Err())
		}
		return "", vterror.Newf(vterror.KindTimeout, "tool exceeded %s", timeout).WithRetryable()
	}
}

func (p *Pipeline) validateArgs(def models.ToolDefinition, args json.RawMessage) error {
	if len(def.Parameters) == 0 {
		return nil
	}
	schema, err := p.compiledSchema(def)
	if err != nil {
		return err
	}
	var doc any
	payload := args
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

func (p *Pipeline) compiledSchema(def models.ToolDefinition) (*jsonschema.Schema, error) {
	name := CanonicalName(def.Name)
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	if schema, ok := p.schemas[name]; ok {
		return schema, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "vtcode://tools/" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(def.Parameters))); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	p.schemas[name] = schema
	return schema, nil
}

func (p *Pipeline) markModified(tool Tool, call models.ToolCall) {
	if p.recorder == nil {
		return
	}
	def := tool.Definition()
	if def.Classification == models.ClassReadOnly {
		return
	}
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err == nil && args.Path != "" {
		p.recorder.Mark(args.Path)
	}
}

func (p *Pipeline) errorResult(call models.ToolCall, err error) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    vterror.EnvelopeJSON(err),
		IsError:    true,
	}
}

func (p *Pipeline) emit(sink EventSink, event Event) {
	if sink != nil {
		sink(event)
	}
}

func (p *Pipeline) reject(stage string) {
	if p.metrics != nil {
		p.metrics.PipelineRejections.WithLabelValues(stage).Inc()
	}
}

func (p *Pipeline) countExec(tool, status string) {
	if p.metrics != nil {
		p.metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	}
}

func spooledEnvelope(content string) string {
	payload, err := json.Marshal(map[string]any{
		"loop_detected": true,
		"result":        json.RawMessage(content),
	})
	if err != nil {
		// Non-JSON spooled content is wrapped as a string.
		payload, _ = json.Marshal(map[string]any{
			"loop_detected": true,
			"result":        content,
		})
	}
	return string(payload)
}
