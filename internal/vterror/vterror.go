// Package vterror defines the failure-kind taxonomy shared by the turn
// engine, the tool pipeline, and the provider adapters, plus the stable
// machine-readable envelope persisted into tool-response content.
package vterror

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation policy decisions.
type Kind string

const (
	// KindPolicy covers budget exhaustion, autonomy limits, dotfile
	// blocks, and sandbox denial without escalation.
	KindPolicy Kind = "policy"

	// KindValidation covers schema mismatches, path traversal, and
	// unknown tools. Never retryable.
	KindValidation Kind = "validation"

	// KindPermission covers user denials and HITL refusals.
	KindPermission Kind = "permission"

	// KindRateLimit covers remote 429s and local limiter denials.
	KindRateLimit Kind = "rate_limit"

	// KindCircuitBreaker marks a tool gated by its breaker.
	KindCircuitBreaker Kind = "circuit_breaker"

	// KindLoopDetection marks a repetition cap hit.
	KindLoopDetection Kind = "loop_detection"

	// KindTimeout marks a deadline expiry.
	KindTimeout Kind = "timeout"

	// KindNetwork covers transport failures, DNS, and HTTP 5xx.
	KindNetwork Kind = "network"

	// KindAuthentication covers HTTP 401/403 and missing keys.
	KindAuthentication Kind = "authentication"

	// KindProvider covers malformed provider responses and parse failures.
	KindProvider Kind = "provider"

	// KindTool is a runtime error inside a tool.
	KindTool Kind = "tool"

	// KindCancelled marks user cancellation.
	KindCancelled Kind = "cancelled"

	// KindInternal marks violated invariants; should be unreachable.
	KindInternal Kind = "internal"
)

// E is the typed error carried across component boundaries.
type E struct {
	Kind      Kind
	Message   string
	Retryable bool

	// RetryAfterMillis is a positive hint for KindRateLimit errors.
	RetryAfterMillis int64

	// ValidationStage names the pipeline stage that rejected the call.
	ValidationStage string

	cause error
}

// New constructs an error of the given kind.
func New(kind Kind, msg string) *E {
	return &E{Kind: kind, Message: msg}
}

// Newf constructs an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, msg string, cause error) *E {
	return &E{Kind: kind, Message: msg, cause: cause}
}

func (e *E) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *E) Unwrap() error { return e.cause }

// WithRetryable marks the error retryable.
func (e *E) WithRetryable() *E {
	e.Retryable = true
	return e
}

// WithRetryAfter attaches a rate-limit wait hint.
func (e *E) WithRetryAfter(millis int64) *E {
	e.RetryAfterMillis = millis
	return e
}

// WithStage records the validation stage that produced the error.
func (e *E) WithStage(stage string) *E {
	e.ValidationStage = stage
	return e
}

// KindOf extracts the Kind from any error, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ve *E
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err carries a retryable marking.
func IsRetryable(err error) bool {
	var ve *E
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// Envelope is the stable machine-readable form persisted in tool
// responses so the model can recover from failures.
type Envelope struct {
	Error           string `json:"error"`
	FailureKind     Kind   `json:"failure_kind"`
	Retryable       bool   `json:"retryable"`
	RetryAfterMS    int64  `json:"retry_after_ms,omitempty"`
	ValidationStage string `json:"validation_stage,omitempty"`
}

// EnvelopeFor renders err as the persisted envelope. Non-taxonomy
// errors are reported as KindTool failures.
func EnvelopeFor(err error) Envelope {
	var ve *E
	if errors.As(err, &ve) {
		return Envelope{
			Error:           ve.Message,
			FailureKind:     ve.Kind,
			Retryable:       ve.Retryable,
			RetryAfterMS:    ve.RetryAfterMillis,
			ValidationStage: ve.ValidationStage,
		}
	}
	return Envelope{Error: err.Error(), FailureKind: KindTool}
}

// EnvelopeJSON renders err as the JSON envelope string stored in
// tool-response content.
func EnvelopeJSON(err error) string {
	data, marshalErr := json.Marshal(EnvelopeFor(err))
	if marshalErr != nil {
		return `{"error":"envelope encoding failed","failure_kind":"internal","retryable":false}`
	}
	return string(data)
}
