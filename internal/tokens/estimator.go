package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator produces token counts for text when the provider does not
// return exact usage. Implementations must be deterministic.
type Estimator interface {
	Estimate(text string) int
}

// CharacterRatioEstimator divides the rune count by a fixed ratio.
// It is the cheap fallback used for curation arithmetic.
type CharacterRatioEstimator struct {
	// RunesPerToken defaults to 4 when zero.
	RunesPerToken int
}

// Estimate returns ceil(runes / ratio), minimum 1 for non-empty text.
func (e CharacterRatioEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	ratio := e.RunesPerToken
	if ratio <= 0 {
		ratio = 4
	}
	runes := utf8.RuneCountInString(text)
	return (runes + ratio - 1) / ratio
}

// EncodingEstimator counts tokens with a tiktoken BPE encoding when one
// is known for the model, falling back to the character ratio when the
// encoding cannot be resolved.
type EncodingEstimator struct {
	model    string
	fallback CharacterRatioEstimator

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEncodingEstimator creates an estimator for the given model name.
func NewEncodingEstimator(model string) *EncodingEstimator {
	return &EncodingEstimator{model: model}
}

// Estimate counts tokens via the resolved encoding, or falls back.
func (e *EncodingEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		if enc, err := tiktoken.EncodingForModel(e.model); err == nil {
			e.enc = enc
			return
		}
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			e.enc = enc
		}
	})
	if e.enc == nil {
		return e.fallback.Estimate(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}
