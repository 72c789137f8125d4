package safety

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoopDetectorVerdicts(t *testing.T) {
	d := NewLoopDetector(LoopDetectorConfig{WarnThreshold: 3, BlockThreshold: 5, Window: time.Minute}, nil)

	fp := "fingerprint-a"
	verdicts := make([]LoopVerdict, 0, 5)
	for i := 0; i < 5; i++ {
		verdicts = append(verdicts, d.Record("grep_file", fp))
	}

	want := []LoopVerdict{LoopNormal, LoopNormal, LoopWarn, LoopWarn, LoopBlock}
	for i, v := range verdicts {
		if v != want[i] {
			t.Errorf("call %d verdict = %v, want %v", i+1, v, want[i])
		}
	}
}

func TestLoopDetectorDistinctFingerprints(t *testing.T) {
	d := NewLoopDetector(LoopDetectorConfig{WarnThreshold: 3, BlockThreshold: 5, Window: time.Minute}, nil)
	for i := 0; i < 10; i++ {
		fp := string(rune('a' + i))
		if v := d.Record("grep_file", fp); v != LoopNormal {
			t.Errorf("distinct call %d verdict = %v", i, v)
		}
	}
}

func TestLoopDetectorWindowExpiry(t *testing.T) {
	d := NewLoopDetector(LoopDetectorConfig{WarnThreshold: 2, BlockThreshold: 3, Window: time.Minute}, nil)
	current := time.Now()
	d.now = func() time.Time { return current }

	d.Record("t", "fp")
	d.Record("t", "fp")
	current = current.Add(2 * time.Minute)
	if v := d.Record("t", "fp"); v != LoopNormal {
		t.Errorf("verdict after window expiry = %v", v)
	}
}

func TestLoopDetectorSpoolReuse(t *testing.T) {
	d := NewLoopDetector(DefaultLoopDetectorConfig(), nil)
	current := time.Now()
	d.now = func() time.Time { return current }

	d.SpoolOutput("fp", "cached output")
	if got, ok := d.ReuseSpooled("fp"); !ok || got != "cached output" {
		t.Errorf("ReuseSpooled = %q, %v", got, ok)
	}

	current = current.Add(3 * time.Minute)
	if _, ok := d.ReuseSpooled("fp"); ok {
		t.Error("spooled output reused past the window")
	}
}

func TestLoopDetectorBlockMessageHint(t *testing.T) {
	withHint := NewLoopDetector(DefaultLoopDetectorConfig(), func(string) string { return "narrow the pattern" })
	if msg := withHint.BlockMessage("grep_file"); !strings.Contains(msg, "narrow the pattern") {
		t.Errorf("hint missing: %q", msg)
	}

	noHint := NewLoopDetector(DefaultLoopDetectorConfig(), nil)
	if msg := noHint.BlockMessage("grep_file"); strings.Contains(msg, "consider") {
		t.Errorf("suggestion clause present without a hint: %q", msg)
	}
}

func TestCircuitBreakerTripsAndProbes(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureRatio: 0.5, WindowSize: 10, MinSamples: 4, Cooldown: 30 * time.Second, MaxBackoff: 5 * time.Minute})
	current := time.Now()
	cb.now = func() time.Time { return current }

	for i := 0; i < 4; i++ {
		if !cb.Allow("shell") {
			t.Fatal("closed breaker rejected a call")
		}
		cb.RecordFailure("shell")
	}
	if cb.State("shell") != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State("shell"))
	}
	if cb.Allow("shell") {
		t.Error("open breaker admitted a call before cooldown")
	}

	current = current.Add(31 * time.Second)
	if !cb.Allow("shell") {
		t.Fatal("half-open probe denied")
	}
	if cb.State("shell") != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State("shell"))
	}
	if cb.Allow("shell") {
		t.Error("second probe admitted while one is in flight")
	}

	cb.RecordSuccess("shell")
	if cb.State("shell") != BreakerClosed {
		t.Errorf("state after probe success = %v", cb.State("shell"))
	}
}

func TestCircuitBreakerBackoffDoubles(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{FailureRatio: 0.5, WindowSize: 10, MinSamples: 2, Cooldown: 10 * time.Second, MaxBackoff: 30 * time.Second})
	current := time.Now()
	cb.now = func() time.Time { return current }

	cb.RecordFailure("t")
	cb.RecordFailure("t")
	if cb.State("t") != BreakerOpen {
		t.Fatal("breaker did not trip")
	}

	// First probe fails: cooldown doubles to 20s.
	current = current.Add(11 * time.Second)
	if !cb.Allow("t") {
		t.Fatal("probe denied")
	}
	cb.RecordFailure("t")

	current = current.Add(11 * time.Second)
	if cb.Allow("t") {
		t.Error("re-opened breaker admitted before doubled cooldown")
	}
	current = current.Add(10 * time.Second)
	if !cb.Allow("t") {
		t.Error("probe denied after doubled cooldown")
	}
}

func TestRateLimiterBurstThenDeny(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{TokensPerSecond: 1, Burst: 2})
	current := time.Now()
	l.now = func() time.Time { return current }

	for i := 0; i < 2; i++ {
		if wait, ok := l.TryAcquire("grep"); !ok || wait != 0 {
			t.Fatalf("burst acquire %d failed: wait=%v ok=%v", i, wait, ok)
		}
	}

	wait, ok := l.TryAcquire("grep")
	if ok {
		t.Fatal("acquire succeeded past burst")
	}
	if wait <= 0 || wait > time.Second+time.Millisecond {
		t.Errorf("wait = %v, want about 1s", wait)
	}

	current = current.Add(time.Second)
	if _, ok := l.TryAcquire("grep"); !ok {
		t.Error("acquire failed after refill interval")
	}
}

func TestRateLimiterIndependentKeys(t *testing.T) {
	l := NewRateLimiter(RateLimiterConfig{TokensPerSecond: 1, Burst: 1})
	if _, ok := l.TryAcquire("a"); !ok {
		t.Fatal("first acquire on a failed")
	}
	if _, ok := l.TryAcquire("b"); !ok {
		t.Error("tool b throttled by tool a's bucket")
	}
}

func TestBoundWait(t *testing.T) {
	if got := BoundWait(10 * time.Second); got != MaxRateLimitWait {
		t.Errorf("BoundWait(10s) = %v", got)
	}
	if got := BoundWait(0); got != time.Millisecond {
		t.Errorf("BoundWait(0) = %v", got)
	}
	if got := BoundWait(200 * time.Millisecond); got != 200*time.Millisecond {
		t.Errorf("BoundWait passthrough = %v", got)
	}
}

func TestValidatorCapAndRaise(t *testing.T) {
	v := NewValidator(3)
	for i := 0; i < 3; i++ {
		if err := v.Check(); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}

	err := v.Check()
	var limitErr *SessionLimitError
	if !errors.As(err, &limitErr) || limitErr.Max != 3 {
		t.Fatalf("expected SessionLimitError{3}, got %v", err)
	}

	v.Raise(5)
	if err := v.Check(); err != nil {
		t.Errorf("check after raise: %v", err)
	}

	// Lowering is ignored.
	v.Raise(1)
	if v.Max() != 5 {
		t.Errorf("Max = %d after no-op raise", v.Max())
	}
}

func TestValidatorUnlimited(t *testing.T) {
	v := NewValidator(0)
	for i := 0; i < 500; i++ {
		if err := v.Check(); err != nil {
			t.Fatalf("unlimited validator rejected call %d: %v", i, err)
		}
	}
}
