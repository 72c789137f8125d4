// Package providers implements the LLM backend adapters: Anthropic,
// the OpenAI-compatible family, Gemini, Bedrock, Ollama, and the
// Harmony token-level protocol. Each adapter normalizes its backend's
// request/response/stream shapes to the llm.Provider contract.
package providers

import (
	"context"
	"time"

	"github.com/vtcode-ai/vtcode/internal/llm"
)

// retryPolicy holds shared transient-failure retry settings.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
}

func newRetryPolicy(maxRetries int, baseDelay time.Duration) retryPolicy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return retryPolicy{maxRetries: maxRetries, baseDelay: baseDelay}
}

// do runs op with exponential backoff while isRetryable approves.
func (r retryPolicy) do(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
			if isRetryable == nil || !isRetryable(err) {
				return err
			}
			if attempt >= r.maxRetries {
				break
			}
			backoff := r.baseDelay << uint(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// collectStream drains a stream into a blocking response, for adapters
// whose Generate is implemented over Stream.
func collectStream(ctx context.Context, events <-chan llm.StreamEvent) (*llm.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil, llm.MapTransportError(context.Canceled)
			}
			if event.Err != nil {
				return nil, event.Err
			}
			if event.Completed != nil {
				return event.Completed, nil
			}
		}
	}
}
