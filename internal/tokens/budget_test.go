package tokens

import (
	"sync"
	"testing"

	"github.com/vtcode-ai/vtcode/pkg/models"
)

func TestBudgetRemaining(t *testing.T) {
	b := NewBudget("claude-sonnet-4-20250514", 1000, 200)
	if got := b.Remaining(); got != 800 {
		t.Errorf("Remaining() = %d, want 800", got)
	}

	b.Record(models.Usage{InputTokens: 500, OutputTokens: 100})
	if got := b.Remaining(); got != 300 {
		t.Errorf("Remaining() after record = %d, want 300", got)
	}
	if !b.WithinWindow() {
		t.Error("usage should fit the window")
	}
}

func TestBudgetRemainingNeverNegative(t *testing.T) {
	b := NewBudget("m", 100, 40)
	b.Record(models.Usage{InputTokens: 90})
	if got := b.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
}

func TestBudgetOutputAccumulates(t *testing.T) {
	b := NewBudget("m", 10_000, 0)
	b.Record(models.Usage{InputTokens: 100, OutputTokens: 50})
	b.Record(models.Usage{InputTokens: 180, OutputTokens: 70})
	if got := b.UsedOutput(); got != 120 {
		t.Errorf("UsedOutput() = %d, want 120", got)
	}
	// Input reflects the latest prompt size, not a sum.
	if got := b.UsedInput(); got != 180 {
		t.Errorf("UsedInput() = %d, want 180", got)
	}
}

func TestBudgetConcurrentRecord(t *testing.T) {
	b := NewBudget("m", 1_000_000, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Record(models.Usage{InputTokens: 10, OutputTokens: 2})
		}()
	}
	wg.Wait()
	if got := b.UsedOutput(); got != 100 {
		t.Errorf("UsedOutput() = %d, want 100", got)
	}
}

func TestCharacterRatioEstimator(t *testing.T) {
	e := CharacterRatioEstimator{}
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"abcdefgh", 2},
	}
	for _, tt := range tests {
		if got := e.Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEncodingEstimatorDeterministic(t *testing.T) {
	e := NewEncodingEstimator("gpt-4o")
	a := e.Estimate("list the rust files in src, please")
	b := e.Estimate("list the rust files in src, please")
	if a != b {
		t.Errorf("estimates differ: %d vs %d", a, b)
	}
	if a <= 0 {
		t.Errorf("estimate = %d, want positive", a)
	}
}
