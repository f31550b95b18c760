package watch

import (
	"strings"
	"testing"
)

func TestChunkBuilderSingleSmallChunk(t *testing.T) {
	b := NewChunkBuilder()
	b.Add("header\n\n")
	b.Add("line one\n")
	b.Add("line two\n")

	chunks := b.Chunks()
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != "header\n\nline one\nline two\n" {
		t.Fatalf("chunk = %q", chunks[0])
	}
}

func TestChunkBuilderEmpty(t *testing.T) {
	if chunks := NewChunkBuilder().Chunks(); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestChunkBuilderSplitsAtUnitBoundary(t *testing.T) {
	unit := strings.Repeat("x", 120) + "\n"
	b := NewChunkBuilder()
	total := 0
	for total < 3*MaxChunkLen {
		b.Add(unit)
		total += len(unit)
	}

	chunks := b.Chunks()
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) >= MaxChunkLen {
			t.Fatalf("chunk %d has %d runes, limit is %d", i, len([]rune(c)), MaxChunkLen)
		}
		if !strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d does not end on a line boundary: %q", i, c[len(c)-10:])
		}
		if strings.Count(c, "\n") != len(c)/len(unit) {
			t.Fatalf("chunk %d contains a split line", i)
		}
	}

	// Reassembled chunks must be the original stream, nothing lost or reordered.
	if got := strings.Join(chunks, ""); len(got) != total {
		t.Fatalf("reassembly lost data: %d != %d", len(got), total)
	}
}

func TestChunkBuilderCountsRunesNotBytes(t *testing.T) {
	// 4-byte rune; 600 of them per unit is 2400 bytes but 601 runes.
	unit := strings.Repeat("\U0001F600", 600) + "\n"
	b := NewChunkBuilder()
	b.Add(unit)
	b.Add(unit)
	b.Add(unit)
	b.Add(unit)

	chunks := b.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n >= MaxChunkLen {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}
}

func TestChunkBuilderOversizedUnitEmittedWhole(t *testing.T) {
	huge := strings.Repeat("y", MaxChunkLen+100) + "\n"
	b := NewChunkBuilder()
	b.Add("small\n")
	b.Add(huge)

	chunks := b.Chunks()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1] != huge {
		t.Fatalf("oversized unit must not be split")
	}
}
