package models

// Usage reports token consumption for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// CacheReadTokens counts prompt tokens served from the provider's
	// prompt cache, when the provider reports them.
	CacheReadTokens int `json:"cache_read_tokens,omitempty"`

	// CacheWriteTokens counts prompt tokens written to the cache.
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`

	// ReasoningTokens counts tokens spent on reasoning traces, when
	// reported separately from output.
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.ReasoningTokens += other.ReasoningTokens
}
