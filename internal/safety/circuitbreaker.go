package safety

import (
	"sync"
	"time"
)

// BreakerState is the classic three-state circuit position.
type BreakerState int

const (
	// BreakerClosed passes calls through.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen admits a single probe.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig bounds the per-tool failure gate.
type BreakerConfig struct {
	// FailureRatio trips the breaker when failures/total meets it
	// within the window.
	FailureRatio float64

	// WindowSize is the rolling sample count; the ratio is evaluated
	// only once the window holds at least MinSamples outcomes.
	WindowSize int

	// MinSamples avoids tripping on a tiny sample.
	MinSamples int

	// Cooldown is the initial open duration before a half-open probe.
	Cooldown time.Duration

	// MaxBackoff caps the doubling applied on repeated re-opens.
	MaxBackoff time.Duration
}

// DefaultBreakerConfig returns the default gate parameters.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRatio: 0.5,
		WindowSize:   20,
		MinSamples:   5,
		Cooldown:     30 * time.Second,
		MaxBackoff:   5 * time.Minute,
	}
}

type breaker struct {
	state      BreakerState
	outcomes   []bool // true = failure
	openedAt   time.Time
	cooldown   time.Duration
	probeInUse bool
}

// CircuitBreaker gates each tool independently. Safe for concurrent
// use; locks are never held across suspension points.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

// NewCircuitBreaker creates the per-tool gate set.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = 0.5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &CircuitBreaker{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

func (cb *CircuitBreaker) get(tool string) *breaker {
	b, ok := cb.breakers[tool]
	if !ok {
		b = &breaker{state: BreakerClosed, cooldown: cb.cfg.Cooldown}
		cb.breakers[tool] = b
	}
	return b
}

// Allow reports whether a call to tool may proceed. An open breaker
// past its cooldown transitions to half-open and admits one probe.
func (cb *CircuitBreaker) Allow(tool string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b := cb.get(tool)
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.probeInUse = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probeInUse {
			return false
		}
		b.probeInUse = true
		return true
	}
	return false
}

// RecordSuccess notes a successful execution. A half-open probe
// success closes the breaker and resets its backoff.
func (cb *CircuitBreaker) RecordSuccess(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b := cb.get(tool)
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.cooldown = cb.cfg.Cooldown
		b.outcomes = nil
		b.probeInUse = false
		return
	}
	cb.push(b, false)
}

// RecordFailure notes a failed execution. A half-open probe failure
// re-opens with doubled backoff, capped.
func (cb *CircuitBreaker) RecordFailure(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b := cb.get(tool)
	if b.state == BreakerHalfOpen {
		b.cooldown *= 2
		if b.cooldown > cb.cfg.MaxBackoff {
			b.cooldown = cb.cfg.MaxBackoff
		}
		b.state = BreakerOpen
		b.openedAt = cb.now()
		b.probeInUse = false
		return
	}

	cb.push(b, true)
	if b.state != BreakerClosed {
		return
	}
	if len(b.outcomes) < cb.cfg.MinSamples {
		return
	}
	failures := 0
	for _, failed := range b.outcomes {
		if failed {
			failures++
		}
	}
	if float64(failures)/float64(len(b.outcomes)) >= cb.cfg.FailureRatio {
		b.state = BreakerOpen
		b.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) push(b *breaker, failed bool) {
	b.outcomes = append(b.outcomes, failed)
	if len(b.outcomes) > cb.cfg.WindowSize {
		b.outcomes = b.outcomes[len(b.outcomes)-cb.cfg.WindowSize:]
	}
}

// State reports the breaker position for tool.
func (cb *CircuitBreaker) State(tool string) BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.get(tool).state
}
