// Package index defines the search index adapter: the contract the
// retrieval and ingestion layers use to store and query permission-tagged
// chunks, plus its SQLite implementation.
package index

import (
	"context"
	"errors"
	"time"
)

// Corpus names the two logical collections held by the index.
const (
	CorpusFiles = "files"
	CorpusChat  = "chat"
)

// ErrNotFound is returned when a lookup matches no chunks.
var ErrNotFound = errors.New("not found")

// Chunk is the atomic indexed unit: one token window of a document or chat
// turn, carrying denormalized scope and permission metadata for filtering
// at query time.
type Chunk struct {
	ID             string
	FileID         string
	FileName       string
	OwnerUserID    string
	AppliedUserIDs []string // empty means public
	AgentID        string   // exactly one of AgentID/ThreadID is set
	ThreadID       string
	TurnID         int // chat corpus only
	Text           string
	Embedding      []float32
	CreatedAt      time.Time
}

// ScoredChunk is a Chunk with a retrieval score attached. The score's
// meaning depends on the query that produced it: cosine similarity for
// vector queries, full-text relevance for keyword queries. Scores from
// different query types are not comparable.
type ScoredChunk struct {
	Chunk
	Score float32
}

// Filter restricts a query or deletion to matching chunks. Zero-valued
// fields are ignored. AccessibleBy additionally requires the chunk to be
// public or to name the given user in its applied list.
type Filter struct {
	AgentID      string
	ThreadID     string
	FileID       string
	OwnerUserID  string
	AccessibleBy string
}

// FileInfo is a logical file recovered by aggregating chunks sharing a
// file_id.
type FileInfo struct {
	FileID         string
	FileName       string
	OwnerUserID    string
	AppliedUserIDs []string
}

// Adapter is the search index contract. Implementations must support the
// "empty applied list = public" semantics in AccessibleBy filtering.
type Adapter interface {
	// EnsureIndexes creates the chunk tables and the vector/full-text
	// indexes if missing. Idempotent: existing indexes are success, any
	// other failure is fatal.
	EnsureIndexes(ctx context.Context) error

	// InsertBatch inserts chunks into the given corpus.
	InsertBatch(ctx context.Context, corpus string, chunks []Chunk) error

	// VectorQuery returns the topK chunks most similar to the embedding,
	// restricted by filter. numCandidates is the over-fetch bound for
	// backends with approximate indexes.
	VectorQuery(ctx context.Context, corpus string, embedding []float32, filter Filter, topK, numCandidates int) ([]ScoredChunk, error)

	// KeywordQuery returns the topK chunks most relevant to the query text,
	// restricted by filter.
	KeywordQuery(ctx context.Context, corpus, text string, filter Filter, topK int) ([]ScoredChunk, error)

	// DeleteByFilter removes all chunks matching filter and returns the
	// number deleted. An empty filter is rejected.
	DeleteByFilter(ctx context.Context, corpus string, filter Filter) (int64, error)

	// ListFiles aggregates chunks matching filter into logical files.
	ListFiles(ctx context.Context, corpus string, filter Filter) ([]FileInfo, error)

	// GetFileMeta returns the owner and applied access list of a file,
	// or ErrNotFound.
	GetFileMeta(ctx context.Context, fileID string) (string, []string, error)
}
