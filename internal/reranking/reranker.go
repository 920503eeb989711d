// Package reranking re-scores retrieved chunks by query relevance with a
// local LLM, truncating to the most relevant few before prompt assembly.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/engine"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
)

const defaultConcurrency = 3

// Reranker re-scores retrieved chunks by query relevance and keeps the
// topN most relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []index.ScoredChunk) ([]index.ScoredChunk, error)
}

// NewReranker returns an LLMReranker if enabled, NoOpReranker otherwise.
// topN bounds the result size; 0 keeps everything.
func NewReranker(eng engine.Engine, model string, enabled bool, timeout time.Duration, topN int) Reranker {
	if !enabled {
		return &NoOpReranker{topN: topN}
	}
	return &LLMReranker{
		engine:  eng,
		model:   model,
		timeout: timeout,
		topN:    topN,
	}
}

// LLMReranker uses a local LLM to score (query, chunk) relevance pairs.
// Scoring runs concurrently (bounded to defaultConcurrency goroutines).
// Mixed retrieval scores (cosine vs BM25) are replaced by a single 0..1
// scale so the final ordering is comparable across legs.
type LLMReranker struct {
	engine  engine.Engine
	model   string
	timeout time.Duration
	topN    int
}

// Rerank scores each chunk against the query and returns the topN sorted
// by score descending. If the timeout fires before scoring completes, the
// original chunk order is returned truncated to topN (graceful degradation).
func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []index.ScoredChunk) ([]index.ScoredChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Buffered channel prevents goroutines from blocking on send after we stop reading.
	results := make(chan index.ScoredChunk, len(chunks))
	sem := make(chan struct{}, defaultConcurrency)

	var wg sync.WaitGroup
	for _, ch := range chunks {
		wg.Add(1)
		go func(chunk index.ScoredChunk) {
			defer wg.Done()
			// Acquire concurrency slot or bail on cancellation.
			select {
			case sem <- struct{}{}:
			case <-timeoutCtx.Done():
				return
			}
			defer func() { <-sem }()

			score, err := r.scoreChunk(timeoutCtx, query, chunk)
			if err != nil {
				if timeoutCtx.Err() != nil {
					return // context cancelled, don't send partial result
				}
				slog.Debug("reranker: score failed, retaining original", "error", err)
				results <- chunk // original score preserved
				return
			}
			chunk.Score = float32(score)
			results <- chunk
		}(ch)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	scored := make([]index.ScoredChunk, 0, len(chunks))
collect:
	for {
		select {
		case ch, ok := <-results:
			if !ok {
				break collect // all goroutines finished
			}
			scored = append(scored, ch)
		case <-timeoutCtx.Done():
			// Hard timeout hit before scoring completed: graceful degradation.
			return truncate(chunks, r.topN), nil
		}
	}

	if len(scored) == 0 {
		return truncate(chunks, r.topN), nil
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	return truncate(scored, r.topN), nil
}

func (r *LLMReranker) scoreChunk(ctx context.Context, query string, chunk index.ScoredChunk) (float64, error) {
	prompt := "Rate the relevance of the following text to the query on a scale of 0.0 to 1.0.\n" +
		"Query: " + query + "\n" +
		"Text: " + chunk.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	schema := &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"score": {Type: "number", Description: "Relevance score 0.0 to 1.0"},
		},
		Required: []string{"score"},
	}

	resp, err := r.engine.Chat(ctx, r.model, []engine.Message{
		{Role: "user", Content: prompt},
	}, schema)
	if err != nil {
		return float64(chunk.Score), err
	}

	score, parseErr := parseScore(resp, chunk.Score)
	if parseErr != nil {
		slog.Debug("reranker: parse failed, using original score", "resp", resp, "error", parseErr)
		return float64(chunk.Score), nil
	}
	return score, nil
}

// parseScore robustly extracts a relevance score float from an LLM response.
// Small local models frequently wrap JSON in markdown code fences or prepend
// conversational filler. The parser:
//  1. Strips markdown code fences if present (```json ... ```)
//  2. Finds the first { and last } to extract the JSON object
//  3. Attempts json.Unmarshal on the extracted substring
//  4. On failure: returns originalScore so the chunk is not penalised
func parseScore(resp string, originalScore float32) (float64, error) {
	s := strings.TrimSpace(resp)

	// Strip markdown code fences.
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	// Extract JSON object by brace position.
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return float64(originalScore), fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return float64(originalScore), fmt.Errorf("unmarshal score: %w", err)
	}
	return obj.Score, nil
}

func truncate(chunks []index.ScoredChunk, n int) []index.ScoredChunk {
	if n > 0 && len(chunks) > n {
		return chunks[:n]
	}
	return chunks
}

// NoOpReranker passes chunks through in their retrieval order, still
// honoring the topN bound. Used when reranking is disabled.
type NoOpReranker struct {
	topN int
}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, chunks []index.ScoredChunk) ([]index.ScoredChunk, error) {
	return truncate(chunks, n.topN), nil
}
