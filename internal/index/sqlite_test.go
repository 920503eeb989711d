package index

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	idx := NewSQLiteIndex(db)
	if err := idx.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	return idx
}

func chunk(id, fileID, agentID, text string, embedding []float32, applied []string) Chunk {
	return Chunk{
		ID:             id,
		FileID:         fileID,
		FileName:       fileID + ".txt",
		OwnerUserID:    "u1",
		AppliedUserIDs: applied,
		AgentID:        agentID,
		Text:           text,
		Embedding:      embedding,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestEnsureIndexesIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	// Second call over an existing schema must succeed.
	if err := idx.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("second EnsureIndexes: %v", err)
	}
}

func TestVectorQuery(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	chunks := []Chunk{
		chunk("chk_1", "file_a", "agt_1", "about dogs", []float32{1, 0, 0}, nil),
		chunk("chk_2", "file_a", "agt_1", "about cats", []float32{0, 1, 0}, nil),
		chunk("chk_3", "file_b", "agt_1", "mostly dogs", []float32{0.9, 0.1, 0}, nil),
		chunk("chk_4", "file_c", "agt_2", "other agent", []float32{1, 0, 0}, nil),
	}
	if err := idx.InsertBatch(ctx, CorpusFiles, chunks); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	results, err := idx.VectorQuery(ctx, CorpusFiles, []float32{1, 0, 0}, Filter{AgentID: "agt_1"}, 2, 30)
	if err != nil {
		t.Fatalf("VectorQuery: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "chk_1" {
		t.Errorf("top result = %s, want chk_1", results[0].ID)
	}
	if results[1].ID != "chk_3" {
		t.Errorf("second result = %s, want chk_3", results[1].ID)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("results not sorted by score: %v < %v", results[0].Score, results[1].Score)
	}
	// chk_4 belongs to another agent and must not leak through the filter.
	for _, r := range results {
		if r.AgentID != "agt_1" {
			t.Errorf("result %s from wrong agent %s", r.ID, r.AgentID)
		}
	}
}

func TestVectorQueryAccessFilter(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	chunks := []Chunk{
		chunk("chk_pub", "file_a", "agt_1", "public text", []float32{1, 0, 0}, nil),
		chunk("chk_priv", "file_b", "agt_1", "private text", []float32{1, 0, 0}, []string{"u1", "u2"}),
	}
	if err := idx.InsertBatch(ctx, CorpusFiles, chunks); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	// A member sees both chunks.
	member, err := idx.VectorQuery(ctx, CorpusFiles, []float32{1, 0, 0}, Filter{AgentID: "agt_1", AccessibleBy: "u2"}, 10, 150)
	if err != nil {
		t.Fatalf("VectorQuery: %v", err)
	}
	if len(member) != 2 {
		t.Errorf("member got %d results, want 2", len(member))
	}

	// An outsider sees only the public chunk.
	outsider, err := idx.VectorQuery(ctx, CorpusFiles, []float32{1, 0, 0}, Filter{AgentID: "agt_1", AccessibleBy: "u3"}, 10, 150)
	if err != nil {
		t.Fatalf("VectorQuery: %v", err)
	}
	if len(outsider) != 1 || outsider[0].ID != "chk_pub" {
		t.Errorf("outsider results = %v, want only chk_pub", ids(outsider))
	}
}

func TestKeywordQuery(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	chunks := []Chunk{
		chunk("chk_1", "file_a", "agt_1", "the quarterly revenue report", []float32{1, 0, 0}, nil),
		chunk("chk_2", "file_a", "agt_1", "vacation policy handbook", []float32{0, 1, 0}, nil),
	}
	if err := idx.InsertBatch(ctx, CorpusFiles, chunks); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	results, err := idx.KeywordQuery(ctx, CorpusFiles, "revenue report", Filter{AgentID: "agt_1"}, 10)
	if err != nil {
		t.Fatalf("KeywordQuery: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no keyword results")
	}
	if results[0].ID != "chk_1" {
		t.Errorf("top result = %s, want chk_1", results[0].ID)
	}

	// Query punctuation must not break FTS syntax.
	if _, err := idx.KeywordQuery(ctx, CorpusFiles, `"revenue" AND (report)`, Filter{}, 10); err != nil {
		t.Errorf("quoted query: %v", err)
	}

	empty, err := idx.KeywordQuery(ctx, CorpusFiles, "   ", Filter{}, 10)
	if err != nil || empty != nil {
		t.Errorf("blank query: got (%v, %v), want (nil, nil)", empty, err)
	}
}

func TestDeleteByFilter(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	chunks := []Chunk{
		chunk("chk_1", "file_a", "agt_1", "one", []float32{1, 0, 0}, nil),
		chunk("chk_2", "file_a", "agt_1", "two", []float32{0, 1, 0}, nil),
		chunk("chk_3", "file_b", "agt_1", "three", []float32{0, 0, 1}, nil),
	}
	if err := idx.InsertBatch(ctx, CorpusFiles, chunks); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	if _, err := idx.DeleteByFilter(ctx, CorpusFiles, Filter{}); err == nil {
		t.Error("empty filter should be rejected")
	}

	count, err := idx.DeleteByFilter(ctx, CorpusFiles, Filter{FileID: "file_a"})
	if err != nil {
		t.Fatalf("DeleteByFilter: %v", err)
	}
	if count != 2 {
		t.Errorf("deleted %d, want 2", count)
	}

	// Zero matching rows is success.
	count, err = idx.DeleteByFilter(ctx, CorpusFiles, Filter{FileID: "file_a"})
	if err != nil || count != 0 {
		t.Errorf("retry: got (%d, %v), want (0, nil)", count, err)
	}

	// Deleted chunks no longer match keyword search (FTS stays in sync).
	results, err := idx.KeywordQuery(ctx, CorpusFiles, "one two", Filter{AgentID: "agt_1"}, 10)
	if err != nil {
		t.Fatalf("KeywordQuery: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("keyword search found deleted chunks: %v", ids(results))
	}
}

func TestListFilesAndMeta(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	chunks := []Chunk{
		chunk("chk_1", "file_a", "agt_1", "part one", []float32{1, 0, 0}, []string{"u1", "u2"}),
		chunk("chk_2", "file_a", "agt_1", "part two", []float32{0, 1, 0}, []string{"u1", "u2"}),
		chunk("chk_3", "file_b", "agt_1", "other file", []float32{0, 0, 1}, nil),
	}
	if err := idx.InsertBatch(ctx, CorpusFiles, chunks); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	files, err := idx.ListFiles(ctx, CorpusFiles, Filter{AgentID: "agt_1"})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}

	// Restricted file is hidden from an outsider, public one is not.
	visible, err := idx.ListFiles(ctx, CorpusFiles, Filter{AgentID: "agt_1", AccessibleBy: "u3"})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(visible) != 1 || visible[0].FileID != "file_b" {
		t.Errorf("outsider sees %+v, want only file_b", visible)
	}

	owner, applied, err := idx.GetFileMeta(ctx, "file_a")
	if err != nil {
		t.Fatalf("GetFileMeta: %v", err)
	}
	if owner != "u1" || len(applied) != 2 {
		t.Errorf("meta = (%s, %v)", owner, applied)
	}

	if _, _, err := idx.GetFileMeta(ctx, "file_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file: got %v, want ErrNotFound", err)
	}
}

func ids(chunks []ScoredChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}
