package ingest

import "strings"

// Chunker splits text into fixed-size token windows with overlap. Tokens
// are whitespace-separated words; windows never span documents.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a Chunker. overlap must be smaller than size; an
// invalid overlap falls back to zero.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 512
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split returns the token windows of text. Empty or whitespace-only input
// yields nil.
func (c *Chunker) Split(text string) []string {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + c.size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, strings.Join(tokens[start:end], " "))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
