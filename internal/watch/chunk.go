package watch

import "errors"

// MaxChunkLen is the platform message-size ceiling in runes. This is an
// external Telegram constraint, not a tunable.
const MaxChunkLen = 2000

// ErrEmptyDiff is returned when a renderer is invoked on an empty diff.
// Callers must check Diff.Empty() first; hitting this is a programming error,
// not a runtime condition to recover from.
var ErrEmptyDiff = errors.New("cannot render an empty diff")

// ChunkBuilder accumulates newline-terminated units into message chunks.
// A chunk never reaches MaxChunkLen and is only ever cut at a unit boundary,
// so no line is split mid-way. A single unit longer than MaxChunkLen is
// unsupported and is emitted as its own (oversized) chunk rather than split.
type ChunkBuilder struct {
	done []string
	cur  []rune
}

func NewChunkBuilder() *ChunkBuilder {
	return &ChunkBuilder{}
}

// Add appends one unit (typically a single line ending in '\n') to the
// current chunk, closing the chunk first if the unit would make it reach or
// exceed MaxChunkLen.
func (b *ChunkBuilder) Add(unit string) {
	rs := []rune(unit)
	if len(b.cur) > 0 && len(b.cur)+len(rs) >= MaxChunkLen {
		b.done = append(b.done, string(b.cur))
		b.cur = nil
	}
	b.cur = append(b.cur, rs...)
}

// Newline appends a blank separator line to the current chunk.
func (b *ChunkBuilder) Newline() {
	b.Add("\n")
}

// Chunks returns the accumulated chunks in delivery order.
func (b *ChunkBuilder) Chunks() []string {
	out := make([]string, 0, len(b.done)+1)
	out = append(out, b.done...)
	if len(b.cur) > 0 {
		out = append(out, string(b.cur))
	}
	return out
}
