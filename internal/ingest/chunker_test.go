package ingest

import (
	"strings"
	"testing"
)

func TestChunkerSplit(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		overlap int
		words   int
		want    []int // expected chunk sizes in tokens
	}{
		{name: "fits in one window", size: 10, overlap: 0, words: 7, want: []int{7}},
		{name: "exact multiple", size: 5, overlap: 0, words: 10, want: []int{5, 5}},
		{name: "trailing partial window", size: 5, overlap: 0, words: 12, want: []int{5, 5, 2}},
		{name: "overlap repeats tokens", size: 4, overlap: 2, words: 8, want: []int{4, 4, 4}},
		{name: "empty input", size: 5, overlap: 0, words: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words := make([]string, tt.words)
			for i := range words {
				words[i] = "w" + string(rune('a'+i))
			}
			chunks := NewChunker(tt.size, tt.overlap).Split(strings.Join(words, " "))

			if len(chunks) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.want))
			}
			for i, c := range chunks {
				if n := len(strings.Fields(c)); n != tt.want[i] {
					t.Errorf("chunk %d has %d tokens, want %d", i, n, tt.want[i])
				}
			}
		})
	}
}

func TestChunkerOverlapContent(t *testing.T) {
	chunks := NewChunker(4, 2).Split("a b c d e f")
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0] != "a b c d" || chunks[1] != "c d e f" {
		t.Errorf("chunks = %q, want overlapping windows", chunks)
	}
}

func TestChunkerInvalidOverlap(t *testing.T) {
	// Overlap >= size would loop forever; it falls back to zero.
	chunks := NewChunker(3, 5).Split("a b c d e f")
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0] != "a b c" || chunks[1] != "d e f" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestChunkerNormalizesWhitespace(t *testing.T) {
	chunks := NewChunker(10, 0).Split("  hello \n\t world  ")
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Errorf("chunks = %q, want [\"hello world\"]", chunks)
	}
}
