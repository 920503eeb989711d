package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/lromeo-lab/assistant-toolkit-api/internal/access"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/index"
	"github.com/lromeo-lab/assistant-toolkit-api/internal/storage"
)

const (
	insertAttempts = 3
	baseRetryDelay = 4 * time.Second
	maxRetryDelay  = 10 * time.Second
)

// Embedder generates embeddings for chunk texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkIndex is the subset of the search index the pipeline writes to.
type ChunkIndex interface {
	EnsureIndexes(ctx context.Context) error
	InsertBatch(ctx context.Context, corpus string, chunks []index.Chunk) error
}

// Scope is the single parent an ingestion call is restricted to. Exactly
// one of AgentID/ThreadID is set. AgentUserIDs carries the agent's
// membership list so permission resolution happens inside the pipeline.
type Scope struct {
	AgentID      string
	AgentUserIDs []string
	ThreadID     string
}

func (s Scope) resolve(ownerUserID string, requested []string) access.Resolution {
	if s.ThreadID != "" {
		return access.ResolveFromThread(ownerUserID, requested)
	}
	return access.ResolveFromAgent(s.AgentUserIDs, requested, ownerUserID)
}

// File is one uploaded document. Path is the deduplication key and the
// source of the display name.
type File struct {
	Path string
	Data []byte
}

// FileResult describes one successfully chunked file.
type FileResult struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	Chunks   int    `json:"chunks"`
}

// FileFailure records a file whose content could not be loaded.
type FileFailure struct {
	FileName string `json:"file_name"`
	Error    string `json:"error"`
}

// BatchFailure records one batch abandoned after retries were exhausted.
type BatchFailure struct {
	Batch  int    `json:"batch"`
	Chunks int    `json:"chunks"`
	Error  string `json:"error"`
}

// IngestReport summarizes one ingestion call. Partial outcomes stay
// visible: unreadable files and abandoned batches are listed while
// committed batches remain committed.
type IngestReport struct {
	Files           []FileResult   `json:"files"`
	ChunksInserted  int            `json:"chunks_inserted"`
	FailedFiles     []FileFailure  `json:"failed_files,omitempty"`
	FailedBatches   []BatchFailure `json:"failed_batches,omitempty"`
	ExcludedUserIDs []string       `json:"excluded_user_ids"`
}

// Pipeline chunks documents and writes them to the search index in
// sequential fixed-size batches with bounded retry.
type Pipeline struct {
	embedder  Embedder
	idx       ChunkIndex
	chunker   *Chunker
	batchSize int

	sleep func(time.Duration) // replaced in tests
}

// NewPipeline creates a Pipeline with the given chunking and batching
// parameters.
func NewPipeline(embedder Embedder, idx ChunkIndex, chunkSize, chunkOverlap, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Pipeline{
		embedder:  embedder,
		idx:       idx,
		chunker:   NewChunker(chunkSize, chunkOverlap),
		batchSize: batchSize,
		sleep:     time.Sleep,
	}
}

// IngestFiles deduplicates the uploads by path (first occurrence wins),
// resolves the effective access list from the scope, chunks each file,
// and inserts the chunks into the files corpus. The report lists what
// was inserted and what failed; the returned error covers only the
// final index ensure step.
func (p *Pipeline) IngestFiles(ctx context.Context, files []File, ownerUserID string, scope Scope, requestedUserIDs []string) (IngestReport, error) {
	res := scope.resolve(ownerUserID, requestedUserIDs)
	report := IngestReport{ExcludedUserIDs: res.Excluded}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(files))
	var chunks []index.Chunk
	for _, f := range files {
		if _, dup := seen[f.Path]; dup {
			continue
		}
		seen[f.Path] = struct{}{}

		name := filepath.Base(f.Path)
		text, err := ExtractText(f.Path, f.Data)
		if err != nil {
			slog.Warn("ingest: loading file failed", "file", name, "error", err)
			report.FailedFiles = append(report.FailedFiles, FileFailure{FileName: name, Error: err.Error()})
			continue
		}

		fileID := storage.NewID("file")
		pieces := p.chunker.Split(text)
		for _, piece := range pieces {
			chunks = append(chunks, index.Chunk{
				ID:             storage.NewID("chk"),
				FileID:         fileID,
				FileName:       name,
				OwnerUserID:    ownerUserID,
				AppliedUserIDs: res.Applied,
				AgentID:        scope.AgentID,
				ThreadID:       scope.ThreadID,
				Text:           piece,
				CreatedAt:      now,
			})
		}
		report.Files = append(report.Files, FileResult{FileID: fileID, FileName: name, Chunks: len(pieces)})
	}

	p.insertBatches(ctx, index.CorpusFiles, chunks, &report)

	// Data already inserted is not rolled back on ensure failure.
	if err := p.idx.EnsureIndexes(ctx); err != nil {
		return report, fmt.Errorf("ensuring indexes: %w", err)
	}
	return report, nil
}

// IngestTurn writes one chat turn into the long-term chat corpus. Scope
// is fixed to the owning thread and no deduplication applies.
func (p *Pipeline) IngestTurn(ctx context.Context, threadID, ownerUserID string, turnID int, userMessage, agentMessage string) error {
	text := fmt.Sprintf("User: %s\nAgent: %s", userMessage, agentMessage)
	now := time.Now().UTC()

	var chunks []index.Chunk
	for _, piece := range p.chunker.Split(text) {
		chunks = append(chunks, index.Chunk{
			ID:             storage.NewID("chk"),
			OwnerUserID:    ownerUserID,
			AppliedUserIDs: []string{ownerUserID},
			ThreadID:       threadID,
			TurnID:         turnID,
			Text:           piece,
			CreatedAt:      now,
		})
	}
	if len(chunks) == 0 {
		return nil
	}

	if err := p.insertWithRetry(ctx, index.CorpusChat, chunks); err != nil {
		return fmt.Errorf("ingesting turn %d: %w", turnID, err)
	}
	if err := p.idx.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensuring indexes: %w", err)
	}
	return nil
}

// insertBatches writes chunks sequentially in batchSize groups. A batch
// that exhausts its retries is reported and skipped; later batches still
// run.
func (p *Pipeline) insertBatches(ctx context.Context, corpus string, chunks []index.Chunk, report *IngestReport) {
	for i := 0; i < len(chunks); i += p.batchSize {
		end := i + p.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]
		n := i/p.batchSize + 1

		if err := p.insertWithRetry(ctx, corpus, batch); err != nil {
			slog.Error("ingest: batch abandoned", "batch", n, "chunks", len(batch), "error", err)
			report.FailedBatches = append(report.FailedBatches, BatchFailure{
				Batch:  n,
				Chunks: len(batch),
				Error:  err.Error(),
			})
			continue
		}
		report.ChunksInserted += len(batch)
	}
}

func (p *Pipeline) insertWithRetry(ctx context.Context, corpus string, batch []index.Chunk) error {
	delay := baseRetryDelay
	var err error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		if err = p.embedAndInsert(ctx, corpus, batch); err == nil {
			return nil
		}
		if attempt < insertAttempts {
			slog.Warn("ingest: batch insert failed, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			p.sleep(delay)
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}
	return err
}

// embedAndInsert fills in missing embeddings, then inserts the batch.
// Chunks embedded on an earlier attempt keep their vectors, so a retry
// after an insert failure does not re-embed.
func (p *Pipeline) embedAndInsert(ctx context.Context, corpus string, batch []index.Chunk) error {
	var texts []string
	var missing []int
	for i, c := range batch {
		if c.Embedding == nil {
			texts = append(texts, c.Text)
			missing = append(missing, i)
		}
	}
	if len(texts) > 0 {
		vecs, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch: %w", err)
		}
		for j, i := range missing {
			batch[i].Embedding = vecs[j]
		}
	}
	return p.idx.InsertBatch(ctx, corpus, batch)
}
