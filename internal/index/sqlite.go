package index

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Compile-time check that SQLiteIndex implements Adapter.
var _ Adapter = (*SQLiteIndex)(nil)

// SQLiteIndex stores chunks in SQLite: keyword search runs on an FTS5
// table kept in sync by triggers, vector search is a brute-force cosine
// scan over embedding blobs.
//
// Brute force is exact, so the numCandidates over-fetch bound is accepted
// for Adapter compatibility but has no effect. When chunk counts make scan
// latency noticeable, swap in an ANN-backed Adapter.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for chunk operations. Call
// EnsureIndexes before the first insert or query.
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// EnsureIndexes creates the chunks table, the FTS5 index, and its sync
// triggers if missing. Every statement uses IF NOT EXISTS, so a second
// call over an existing schema succeeds; any other failure is fatal and
// already-inserted data is left untouched.
func (s *SQLiteIndex) EnsureIndexes(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			corpus TEXT NOT NULL,
			file_id TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			owner_user_id TEXT NOT NULL DEFAULT '',
			applied_user_ids TEXT NOT NULL DEFAULT '[]',
			agent_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			turn_id INTEGER NOT NULL DEFAULT 0,
			text_chunk TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_scope ON chunks (corpus, agent_id, thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks (file_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text_chunk, content='chunks', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_fts_ai AFTER INSERT ON chunks BEGIN
			INSERT INTO chunks_fts(rowid, text_chunk) VALUES (new.rowid, new.text_chunk);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_fts_ad AFTER DELETE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text_chunk) VALUES ('delete', old.rowid, old.text_chunk);
		END`,
		`CREATE TRIGGER IF NOT EXISTS chunks_fts_au AFTER UPDATE ON chunks BEGIN
			INSERT INTO chunks_fts(chunks_fts, rowid, text_chunk) VALUES ('delete', old.rowid, old.text_chunk);
			INSERT INTO chunks_fts(rowid, text_chunk) VALUES (new.rowid, new.text_chunk);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring chunk indexes: %w", err)
		}
	}
	return nil
}

// InsertBatch inserts chunks into the given corpus inside one transaction.
func (s *SQLiteIndex) InsertBatch(ctx context.Context, corpus string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, corpus, file_id, file_name, owner_user_id, applied_user_ids,
			agent_id, thread_id, turn_id, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		// A nil list must land as '[]', the marker the access filter reads
		// as public; json.Marshal would emit 'null'.
		applied := []byte("[]")
		if len(c.AppliedUserIDs) > 0 {
			applied, err = json.Marshal(c.AppliedUserIDs)
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("marshaling applied_user_ids for chunk %s: %w", c.ID, err)
			}
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		blob := encodeFloat32s(c.Embedding)
		if _, err := stmt.Exec(c.ID, corpus, c.FileID, c.FileName, c.OwnerUserID, string(applied),
			c.AgentID, c.ThreadID, c.TurnID, c.Text, blob, createdAt.UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// where translates a Filter into SQL clauses over the aliased chunks table.
func (f Filter) where(alias, corpus string) (string, []any) {
	clauses := []string{alias + ".corpus = ?"}
	args := []any{corpus}
	if f.AgentID != "" {
		clauses = append(clauses, alias+".agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ThreadID != "" {
		clauses = append(clauses, alias+".thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.FileID != "" {
		clauses = append(clauses, alias+".file_id = ?")
		args = append(args, f.FileID)
	}
	if f.OwnerUserID != "" {
		clauses = append(clauses, alias+".owner_user_id = ?")
		args = append(args, f.OwnerUserID)
	}
	if f.AccessibleBy != "" {
		clauses = append(clauses, "("+alias+".applied_user_ids = '[]' OR EXISTS ("+
			"SELECT 1 FROM json_each("+alias+".applied_user_ids) WHERE json_each.value = ?))")
		args = append(args, f.AccessibleBy)
	}
	return strings.Join(clauses, " AND "), args
}

func (f Filter) empty() bool {
	return f == Filter{}
}

// idScore holds only the row id and score during the scan phase of
// VectorQuery. Full chunks are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// VectorQuery performs an exact cosine similarity scan over all chunks
// matching the filter, returning the topK most similar.
func (s *SQLiteIndex) VectorQuery(ctx context.Context, corpus string, embedding []float32, filter Filter, topK, numCandidates int) ([]ScoredChunk, error) {
	_ = numCandidates // exact scan examines every matching row

	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(embedding)
	if queryNorm == 0 {
		return nil, nil
	}

	where, args := filter.where("chunks", corpus)
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(embedding, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	scores := make(map[string]float32, h.Len())
	topIDs := make([]string, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	chunks, err := s.chunksByIDs(ctx, topIDs)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		results = append(results, ScoredChunk{Chunk: c, Score: scores[c.ID]})
	}
	sortByScore(results)
	return results, nil
}

// KeywordQuery performs an FTS5 full-text search restricted by the filter,
// returning the topK most relevant chunks. Scores are BM25-derived text
// relevance, not comparable with cosine similarity.
func (s *SQLiteIndex) KeywordQuery(ctx context.Context, corpus, text string, filter Filter, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		return nil, nil
	}
	match := ftsQuery(text)
	if match == "" {
		return nil, nil
	}

	where, args := filter.where("c", corpus)
	query := `
		SELECT c.id, c.file_id, c.file_name, c.owner_user_id, c.applied_user_ids,
			c.agent_id, c.thread_id, c.turn_id, c.text_chunk, c.embedding, c.created_at,
			bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ? AND ` + where + `
		ORDER BY rank LIMIT ?`
	queryArgs := append([]any{match}, args...)
	queryArgs = append(queryArgs, topK)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("keyword query: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var c Chunk
		var rank float64
		if err := scanChunk(rows, &c, &rank); err != nil {
			return nil, err
		}
		// bm25 ranks ascending (more negative = more relevant); negate so
		// higher score means more relevant, like the vector leg.
		results = append(results, ScoredChunk{Chunk: c, Score: float32(-rank)})
	}
	return results, rows.Err()
}

// ftsQuery turns free text into an FTS5 OR-query of quoted tokens so user
// input cannot inject FTS syntax.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f != "" {
			tokens = append(tokens, `"`+f+`"`)
		}
	}
	return strings.Join(tokens, " OR ")
}

// DeleteByFilter removes all chunks matching the filter. The empty filter
// is rejected to prevent accidental mass deletion. Deleting zero rows is
// success, so cascade sagas can retry safely.
func (s *SQLiteIndex) DeleteByFilter(ctx context.Context, corpus string, filter Filter) (int64, error) {
	if filter.empty() {
		return 0, fmt.Errorf("refusing to delete with an empty filter")
	}
	where, args := filter.where("chunks", corpus)
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return res.RowsAffected()
}

// ListFiles recovers logical files by grouping chunks on file_id.
func (s *SQLiteIndex) ListFiles(ctx context.Context, corpus string, filter Filter) ([]FileInfo, error) {
	where, args := filter.where("chunks", corpus)
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, MIN(file_name), MIN(owner_user_id), MIN(applied_user_ids)
		FROM chunks WHERE file_id != '' AND `+where+`
		GROUP BY file_id ORDER BY MIN(created_at) ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var files []FileInfo
	for rows.Next() {
		var f FileInfo
		var applied string
		if err := rows.Scan(&f.FileID, &f.FileName, &f.OwnerUserID, &applied); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(applied), &f.AppliedUserIDs); err != nil {
			return nil, fmt.Errorf("parsing applied_user_ids for file %s: %w", f.FileID, err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFileMeta returns the owner and applied access list denormalized onto
// a file's chunks, or ErrNotFound when no chunk carries the file_id.
func (s *SQLiteIndex) GetFileMeta(ctx context.Context, fileID string) (string, []string, error) {
	var owner, applied string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_user_id, applied_user_ids FROM chunks WHERE file_id = ? LIMIT 1`,
		fileID).Scan(&owner, &applied)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(applied), &ids); err != nil {
		return "", nil, fmt.Errorf("parsing applied_user_ids for file %s: %w", fileID, err)
	}
	return owner, ids, nil
}

func (s *SQLiteIndex) chunksByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `
		SELECT id, file_id, file_name, owner_user_id, applied_user_ids,
			agent_id, thread_id, turn_id, text_chunk, embedding, created_at
		FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching chunks by id: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := scanChunk(rows, &c, nil); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// scanChunk reads one full chunk row; rank, when non-nil, receives a
// trailing relevance column.
func scanChunk(rows *sql.Rows, c *Chunk, rank *float64) error {
	var applied, createdAt string
	var blob []byte
	dest := []any{&c.ID, &c.FileID, &c.FileName, &c.OwnerUserID, &applied,
		&c.AgentID, &c.ThreadID, &c.TurnID, &c.Text, &blob, &createdAt}
	if rank != nil {
		dest = append(dest, rank)
	}
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("scanning chunk: %w", err)
	}
	if err := json.Unmarshal([]byte(applied), &c.AppliedUserIDs); err != nil {
		return fmt.Errorf("parsing applied_user_ids for chunk %s: %w", c.ID, err)
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
	}
	c.Embedding = embedding
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return fmt.Errorf("parsing created_at for chunk %s: %w", c.ID, err)
	}
	c.CreatedAt = t
	return nil
}

// sortByScore sorts ScoredChunks by Score descending. Used for small slices (topK).
func sortByScore(results []ScoredChunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// idScoreHeap is a min-heap of idScore ordered by Score, tracking top-K
// candidates during the scan phase of VectorQuery.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
