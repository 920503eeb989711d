package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
)

// Search modes. Hybrid runs both legs concurrently and merges.
const (
	SearchVector  = "Vector"
	SearchKeyword = "Keyword"
	SearchHybrid  = "Hybrid"
)

// Searcher runs access-filtered queries against one corpus of the index.
// The access filter is built by the caller from an already-authorized
// scope; the searcher never widens it.
type Searcher struct {
	embedder *Embedder
	idx      index.Adapter
	corpus   string

	topK      int
	overfetch int // vector candidate multiplier, topK*overfetch rows examined
	timeout   time.Duration
}

// NewSearcher creates a Searcher over one index corpus.
func NewSearcher(embedder *Embedder, idx index.Adapter, corpus string, topK, overfetch int, timeout time.Duration) *Searcher {
	if overfetch <= 0 {
		overfetch = 15
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Searcher{
		embedder:  embedder,
		idx:       idx,
		corpus:    corpus,
		topK:      topK,
		overfetch: overfetch,
		timeout:   timeout,
	}
}

// Search dispatches the query to the configured leg(s).
func (s *Searcher) Search(ctx context.Context, searchType, query string, filter index.Filter) ([]index.ScoredChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch searchType {
	case SearchVector:
		return s.vector(ctx, query, filter)
	case SearchKeyword:
		return s.keyword(ctx, query, filter)
	case SearchHybrid:
		return s.hybrid(ctx, query, filter), nil
	}
	return nil, fmt.Errorf("unknown search type %q", searchType)
}

func (s *Searcher) vector(ctx context.Context, query string, filter index.Filter) ([]index.ScoredChunk, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.idx.VectorQuery(ctx, s.corpus, vec, filter, s.topK, s.topK*s.overfetch)
}

func (s *Searcher) keyword(ctx context.Context, query string, filter index.Filter) ([]index.ScoredChunk, error) {
	return s.idx.KeywordQuery(ctx, s.corpus, query, filter, s.topK)
}

// hybrid runs the vector and keyword legs concurrently and merges their
// results. A failed leg degrades to the other leg's results; when both
// fail the outcome is an empty set, logged, not an error. Each leg keeps
// its own error slot so one failure cannot cancel the other.
func (s *Searcher) hybrid(ctx context.Context, query string, filter index.Filter) []index.ScoredChunk {
	var (
		wg            sync.WaitGroup
		vecRes, kwRes []index.ScoredChunk
		vecErr, kwErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vecRes, vecErr = s.vector(ctx, query, filter)
	}()
	go func() {
		defer wg.Done()
		kwRes, kwErr = s.keyword(ctx, query, filter)
	}()
	wg.Wait()

	if vecErr != nil {
		slog.Warn("hybrid search: vector leg failed", "corpus", s.corpus, "error", vecErr)
	}
	if kwErr != nil {
		slog.Warn("hybrid search: keyword leg failed", "corpus", s.corpus, "error", kwErr)
	}
	if vecErr != nil && kwErr != nil {
		slog.Error("hybrid search: both legs failed", "corpus", s.corpus)
		return nil
	}

	return mergeResults(kwRes, vecRes)
}

// mergeResults deduplicates by chunk id, keyword entries taking precedence
// over vector entries for the same chunk. Order is keyword results first,
// then vector-only results; scores are left as produced, the two legs'
// scales are not comparable and the reranker re-scores downstream.
func mergeResults(keyword, vector []index.ScoredChunk) []index.ScoredChunk {
	merged := make([]index.ScoredChunk, 0, len(keyword)+len(vector))
	seen := make(map[string]struct{}, len(keyword))
	for _, c := range keyword {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		merged = append(merged, c)
	}
	for _, c := range vector {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		merged = append(merged, c)
	}
	return merged
}
