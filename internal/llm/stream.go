package llm

import "strings"

// DeltaAccumulator absorbs the accumulated-vs-delta streaming
// conventions of heterogeneous backends. Some providers send pure
// deltas, some re-send the full accumulated text, and some overlap.
// Feed every chunk through Absorb and emit only what it returns.
type DeltaAccumulator struct {
	acc strings.Builder
}

// Absorb merges one provider chunk and returns the net new suffix:
//
//   - a chunk that is a prefix of what was already seen yields ""
//   - a chunk extending the accumulated text yields only the new suffix
//   - a disjoint chunk yields itself in full
func (d *DeltaAccumulator) Absorb(chunk string) string {
	if chunk == "" {
		return ""
	}
	current := d.acc.String()
	if current == "" {
		d.acc.WriteString(chunk)
		return chunk
	}
	if strings.HasPrefix(current, chunk) {
		// Re-sent prefix; already emitted.
		return ""
	}
	if strings.HasPrefix(chunk, current) {
		suffix := chunk[len(current):]
		d.acc.WriteString(suffix)
		return suffix
	}
	d.acc.WriteString(chunk)
	return chunk
}

// String returns the accumulated text.
func (d *DeltaAccumulator) String() string {
	return d.acc.String()
}

// Len returns the accumulated length in bytes.
func (d *DeltaAccumulator) Len() int {
	return d.acc.Len()
}

// NormalizeReasoning strips a reasoning trace that duplicates the
// content after trimming; providers that echo reasoning into content
// would otherwise double-render it.
func NormalizeReasoning(content, reasoning string) string {
	trimmed := strings.TrimSpace(reasoning)
	if trimmed == "" || trimmed == strings.TrimSpace(content) {
		return ""
	}
	return reasoning
}
