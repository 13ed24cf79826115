// Package vectorstore implements the Vector Store component (C6): a
// persistent fragment + vector store with similarity query, backed by
// SQLite with the sqlite-vec virtual table as durable storage and an
// in-memory HNSW index layered on top for ANN search (§4.6).
package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ptolemies/ptolemies"
)

func init() {
	sqlite_vec.Auto()
}

// ChunkRecord is the Vector Store's row shape for a Chunk (§3, §6).
type ChunkRecord struct {
	ChunkID           string
	DocumentID        string
	SourceID          string
	Content           string
	ChunkIndex        int
	TotalChunks       int
	QualityScore      float64
	Topics            []string
	ExtractionVersion int
	Active            bool
	CreatedAt         time.Time
	HasEmbedding      bool
}

// DocumentRecord is the Vector Store's row shape for a Document (§3).
type DocumentRecord struct {
	DocumentID              string
	SourceID                string
	URL                     string
	Title                   string
	FetchedAt               time.Time
	HTTPStatus              int
	ContentHash             string
	ExtractionVersion       int
	ActiveExtractionVersion int
}

// SourceRecord is the Vector Store's row shape for a Source (§3).
type SourceRecord struct {
	SourceID      string
	DisplayName   string
	SeedURL       string
	Category      string
	Priority      string
	ChunkCount    int
	AvgQuality    float64
	LastCrawledAt time.Time
}

// Filters is the conjunction over source_id, category, min_quality applied
// by similarity_search (§4.6).
type Filters struct {
	SourceIDs  []string
	Category   string
	MinQuality float64
}

// Scored is one similarity_search hit.
type Scored struct {
	ChunkID string
	Score   float64
}

// Stats is the C6 stats() result (§4.6, §6).
type Stats struct {
	NChunks   int
	NEmbedded int
	PerSource map[string]int
}

// Store is the durable Vector Store, combining a SQLite backing (source of
// truth, including the sqlite-vec vec0 table) with an in-memory ANN index
// rebuilt from it at startup.
type Store struct {
	db           *sql.DB
	embeddingDim int
	ann          *annIndex
}

// Open opens (or creates) a SQLite database at dbPath and initializes the
// Vector Store schema, then rebuilds the in-memory ANN index from the
// durable embeddings table (§5: "this index is rebuilt from it at
// startup").
func Open(ctx context.Context, dbPath string, embeddingDim int) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ptolemies.StoreError{Op: "open", Err: err}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &ptolemies.StoreError{Op: "open", Err: err}
	}
	if _, err := db.ExecContext(ctx, schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, &ptolemies.StoreError{Op: "schema", Err: err}
	}

	// Connection pool size = 2 x fetch parallelism default (§5); callers
	// with a non-default concurrent_requests may call SetPoolSize after Open.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim, ann: newANNIndex()}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, &ptolemies.StoreError{Op: "migrate", Err: err}
	}
	if err := s.rebuildANN(ctx); err != nil {
		db.Close()
		return nil, &ptolemies.StoreError{Op: "rebuild-ann", Err: err}
	}
	return s, nil
}

// SetPoolSize overrides the connection pool size (§5: "size = 2 x fetch
// parallelism").
func (s *Store) SetPoolSize(n int) {
	if n <= 0 {
		n = 2
	}
	s.db.SetMaxOpenConns(n)
	s.db.SetMaxIdleConns(n)
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB for diagnostic use (e.g. `verify`).
func (s *Store) DB() *sql.DB { return s.db }

// EmbeddingDim returns the process-wide constant D (§3).
func (s *Store) EmbeddingDim() int { return s.embeddingDim }

func (s *Store) rebuildANN(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.chunk_id, v.embedding FROM embeddings e
		JOIN vec_embeddings v ON v.chunk_id = e.chunk_id
		JOIN chunks c ON c.chunk_id = e.chunk_id
		WHERE c.active = 1
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var chunkID string
		var raw []byte
		if err := rows.Scan(&chunkID, &raw); err != nil {
			return err
		}
		s.ann.Upsert(chunkID, deserializeFloat32(raw))
	}
	return rows.Err()
}

// UpsertSource registers or refreshes a Source (§3).
func (s *Store) UpsertSource(ctx context.Context, src SourceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (source_id, display_name, seed_url, category, priority)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			display_name = excluded.display_name,
			seed_url = excluded.seed_url,
			category = excluded.category,
			priority = excluded.priority
	`, src.SourceID, src.DisplayName, src.SeedURL, src.Category, src.Priority)
	return err
}

// GetSource returns a Source by id, or nil if unknown.
func (s *Store) GetSource(ctx context.Context, sourceID string) (*SourceRecord, error) {
	var r SourceRecord
	var lastCrawled sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, display_name, seed_url, category, priority, chunk_count, avg_quality, last_crawled_at
		FROM sources WHERE source_id = ?
	`, sourceID).Scan(&r.SourceID, &r.DisplayName, &r.SeedURL, &r.Category, &r.Priority,
		&r.ChunkCount, &r.AvgQuality, &lastCrawled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastCrawled.Valid {
		r.LastCrawledAt = lastCrawled.Time
	}
	return &r, nil
}

// RecomputeSourceStats recomputes Source.chunk_count and Source.avg_quality
// from the active chunk set and stamps last_crawled_at (§3 invariant 3,
// §4.8: "final counters are written back to the Source record").
func (s *Store) RecomputeSourceStats(ctx context.Context, sourceID string) error {
	var count int
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(quality_score) FROM chunks WHERE source_id = ? AND active = 1
	`, sourceID).Scan(&count, &avg); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sources SET chunk_count = ?, avg_quality = ?, last_crawled_at = CURRENT_TIMESTAMP
		WHERE source_id = ?
	`, count, avg.Float64, sourceID)
	return err
}

// UpsertDocument records a successful fetch+extract (§3: "A document is
// created by a successful fetch+extract"). It does not flip
// active_extraction_version; UpsertChunks, called after it, does that.
func (s *Store) UpsertDocument(ctx context.Context, doc DocumentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (document_id, source_id, url, title, fetched_at, http_status, content_hash, extraction_version, active_extraction_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(document_id) DO UPDATE SET
			url = excluded.url,
			title = excluded.title,
			fetched_at = excluded.fetched_at,
			http_status = excluded.http_status,
			content_hash = excluded.content_hash,
			extraction_version = excluded.extraction_version
	`, doc.DocumentID, doc.SourceID, doc.URL, doc.Title, doc.FetchedAt, doc.HTTPStatus, doc.ContentHash, doc.ExtractionVersion)
	return err
}

// GetDocument returns a Document by id, or nil if unknown.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*DocumentRecord, error) {
	var d DocumentRecord
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, source_id, url, title, fetched_at, http_status, content_hash, extraction_version, active_extraction_version
		FROM documents WHERE document_id = ?
	`, documentID).Scan(&d.DocumentID, &d.SourceID, &d.URL, &title, &d.FetchedAt, &d.HTTPStatus,
		&d.ContentHash, &d.ExtractionVersion, &d.ActiveExtractionVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Title = title.String
	return &d, nil
}

// UpsertChunks atomically commits the chunk set for (document_id,
// extraction_version): either all chunks are committed or none (§4.6).
// Pre-existing active chunks for document_id with a lower extraction_version
// are tombstoned in the same transaction, and the document's
// active_extraction_version pointer is flipped, satisfying the §5
// within-document atomicity requirement via a single SQLite transaction.
// An empty chunks slice is legal (§4.3: "a Document with zero chunks is
// still recorded").
func (s *Store) UpsertChunks(ctx context.Context, documentID, sourceID string, extractionVersion int, chunks []ChunkRecord) error {
	seen := make(map[int]bool, len(chunks))
	for _, c := range chunks {
		if seen[c.ChunkIndex] {
			return &ptolemies.InvariantError{Invariant: "chunk_index_unique", Detail: fmt.Sprintf("document %s has duplicate chunk_index %d", documentID, c.ChunkIndex)}
		}
		seen[c.ChunkIndex] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ptolemies.StoreError{Op: "upsert_chunks", Err: err}
	}
	defer tx.Rollback()

	now := time.Now()
	for _, c := range chunks {
		topicsJSON := encodeTopics(c.Topics)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (chunk_id, document_id, source_id, content, chunk_index, total_chunks,
				quality_score, topics, extraction_version, active, pending, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				content = excluded.content,
				total_chunks = excluded.total_chunks,
				quality_score = excluded.quality_score,
				topics = excluded.topics,
				extraction_version = excluded.extraction_version,
				active = 1,
				pending = 0,
				tombstoned_at = NULL
		`, c.ChunkID, documentID, sourceID, c.Content, c.ChunkIndex, c.TotalChunks,
			c.QualityScore, topicsJSON, extractionVersion, now); err != nil {
			return &ptolemies.StoreError{Op: "upsert_chunks", Err: err}
		}
	}

	// Tombstone any pre-existing active chunks superseded by this commit:
	// every active chunk of the document not in the new set, whether from
	// a lower extraction_version or from a re-extraction that produced
	// fewer chunks at the same version (§4.6, §8 scenario 4).
	newIDs := make([]string, len(chunks))
	for i, c := range chunks {
		newIDs[i] = c.ChunkID
	}
	tombQuery := "UPDATE chunks SET active = 0, tombstoned_at = ? WHERE document_id = ? AND active = 1"
	tombArgs := []interface{}{now, documentID}
	if len(newIDs) > 0 {
		placeholders, idArgs := inClause(newIDs)
		tombQuery += " AND chunk_id NOT IN (" + placeholders + ")"
		tombArgs = append(tombArgs, idArgs...)
	}
	if _, err := tx.ExecContext(ctx, tombQuery, tombArgs...); err != nil {
		return &ptolemies.StoreError{Op: "upsert_chunks", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET extraction_version = ?, active_extraction_version = ?
		WHERE document_id = ?
	`, extractionVersion, extractionVersion, documentID); err != nil {
		return &ptolemies.StoreError{Op: "upsert_chunks", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &ptolemies.StoreError{Op: "upsert_chunks", Err: err}
	}

	for _, c := range chunks {
		s.ann.Delete(c.ChunkID) // stale vector, if any, is superseded below once embedded
	}
	return nil
}

// UpsertEmbedding idempotently replaces the embedding for chunkID (§4.6).
// vector must already be L2-normalized (§3 Embedding invariant) and of
// length EmbeddingDim.
func (s *Store) UpsertEmbedding(ctx context.Context, chunkID string, vector []float32, model string) error {
	if len(vector) != s.embeddingDim {
		return ptolemies.ErrDimensionMismatch
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &ptolemies.StoreError{Op: "upsert_embedding", Err: err}
	}
	defer tx.Rollback()

	// vec0 tables do not honor INSERT OR REPLACE, so replace by delete+insert.
	if _, err := tx.ExecContext(ctx, "DELETE FROM vec_embeddings WHERE chunk_id = ?", chunkID); err != nil {
		return &ptolemies.StoreError{Op: "upsert_embedding", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO vec_embeddings (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(vector)); err != nil {
		return &ptolemies.StoreError{Op: "upsert_embedding", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings (chunk_id, model, dimension) VALUES (?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET model = excluded.model, dimension = excluded.dimension
	`, chunkID, model, s.embeddingDim); err != nil {
		return &ptolemies.StoreError{Op: "upsert_embedding", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &ptolemies.StoreError{Op: "upsert_embedding", Err: err}
	}

	s.ann.Upsert(chunkID, vector)
	return nil
}

// SimilaritySearch returns the top-k chunks by cosine similarity to
// queryVector, filtered per Filters (§4.6). All filters are applied after
// the ANN search, which over-fetches k*4 candidates: those are intersected
// with the chunk_ids matching source_id/category and checked against
// min_quality. A matching chunk outside the over-fetched candidates is not
// returned.
func (s *Store) SimilaritySearch(ctx context.Context, queryVector []float32, k int, filters Filters) ([]Scored, error) {
	if k <= 0 {
		return nil, nil
	}

	const overFetch = 4
	fetchK := k * overFetch
	hits := s.ann.Search(queryVector, fetchK)
	if len(hits) == 0 {
		return s.exactScan(ctx, queryVector, k, filters)
	}

	allowed, err := s.allowedChunkIDs(ctx, filters)
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "similarity_search", Err: err}
	}

	qualities, err := s.qualityByID(ctx, hitIDs(hits))
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "similarity_search", Err: err}
	}

	scored := make([]Scored, 0, len(hits))
	for _, h := range hits {
		if allowed != nil && !allowed[h.ChunkID] {
			continue
		}
		q, ok := qualities[h.ChunkID]
		if !ok || q < filters.MinQuality {
			continue
		}
		scored = append(scored, Scored{ChunkID: h.ChunkID, Score: h.Score})
	}
	sortScored(scored, qualities)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// exactScan is the fallback for a cold or empty ANN index (§4.6: "exact
// scan if corpus is small").
func (s *Store) exactScan(ctx context.Context, queryVector []float32, k int, filters Filters) ([]Scored, error) {
	where, args := filterClause(filters)
	query := fmt.Sprintf(`
		SELECT c.chunk_id, v.embedding, c.quality_score
		FROM vec_embeddings v
		JOIN chunks c ON c.chunk_id = v.chunk_id
		WHERE c.active = 1 %s
	`, where)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "similarity_search", Err: err}
	}
	defer rows.Close()

	qualities := make(map[string]float64)
	var scored []Scored
	for rows.Next() {
		var chunkID string
		var raw []byte
		var quality float64
		if err := rows.Scan(&chunkID, &raw, &quality); err != nil {
			return nil, &ptolemies.StoreError{Op: "similarity_search", Err: err}
		}
		if quality < filters.MinQuality {
			continue
		}
		sim := cosine(queryVector, deserializeFloat32(raw))
		qualities[chunkID] = quality
		scored = append(scored, Scored{ChunkID: chunkID, Score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, &ptolemies.StoreError{Op: "similarity_search", Err: err}
	}
	sortScored(scored, qualities)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// allowedChunkIDs returns the set of chunk_ids matching the source_id and
// category filters, or nil when no such filter is set (meaning "no
// restriction").
func (s *Store) allowedChunkIDs(ctx context.Context, filters Filters) (map[string]bool, error) {
	if len(filters.SourceIDs) == 0 && filters.Category == "" {
		return nil, nil
	}
	where, args := filterClause(filters)
	rows, err := s.db.QueryContext(ctx, "SELECT chunk_id FROM chunks c WHERE c.active = 1 "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) qualityByID(ctx context.Context, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_id, quality_score FROM chunks WHERE active = 1 AND chunk_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var q float64
		if err := rows.Scan(&id, &q); err != nil {
			return nil, err
		}
		out[id] = q
	}
	return out, rows.Err()
}

func filterClause(filters Filters) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if len(filters.SourceIDs) > 0 {
		placeholders, sourceArgs := inClause(filters.SourceIDs)
		clauses = append(clauses, "c.source_id IN ("+placeholders+")")
		args = append(args, sourceArgs...)
	}
	if filters.Category != "" {
		clauses = append(clauses, "c.source_id IN (SELECT source_id FROM sources WHERE category = ?)")
		args = append(args, filters.Category)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	out := " AND "
	for i, c := range clauses {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out, args
}

func inClause(vals []string) (string, []interface{}) {
	args := make([]interface{}, len(vals))
	ph := ""
	for i, v := range vals {
		if i > 0 {
			ph += ", "
		}
		ph += "?"
		args[i] = v
	}
	return ph, args
}

func hitIDs(hits []annHit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return ids
}

// sortScored sorts by score descending, ties broken by higher quality_score
// then lexicographic chunk_id (§4.6).
func sortScored(scored []Scored, qualities map[string]float64) {
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		qi, qj := qualities[scored[i].ChunkID], qualities[scored[j].ChunkID]
		if qi != qj {
			return qi > qj
		}
		return scored[i].ChunkID < scored[j].ChunkID
	})
}

// GetChunks returns the ChunkRecords for the given ids, in no particular
// order; ids with no matching active row are silently omitted.
func (s *Store) GetChunks(ctx context.Context, chunkIDs []string) ([]ChunkRecord, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(chunkIDs)
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_id, c.document_id, c.source_id, c.content, c.chunk_index, c.total_chunks,
			c.quality_score, c.topics, c.extraction_version, c.active, c.created_at,
			EXISTS(SELECT 1 FROM embeddings e WHERE e.chunk_id = c.chunk_id)
		FROM chunks c WHERE c.chunk_id IN (`+placeholders+`) AND c.active = 1
	`, args...)
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "get_chunks", Err: err}
	}
	defer rows.Close()

	var out []ChunkRecord
	for rows.Next() {
		var r ChunkRecord
		var topicsJSON string
		var active int
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.SourceID, &r.Content, &r.ChunkIndex, &r.TotalChunks,
			&r.QualityScore, &topicsJSON, &r.ExtractionVersion, &active, &r.CreatedAt, &r.HasEmbedding); err != nil {
			return nil, &ptolemies.StoreError{Op: "get_chunks", Err: err}
		}
		r.Active = active == 1
		r.Topics = decodeTopics(topicsJSON)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TombstoneDocument marks every active chunk of documentID as tombstoned
// (§4.6, §4.8: "the old document's chunks ... are tombstoned atomically").
func (s *Store) TombstoneDocument(ctx context.Context, documentID string) error {
	var ids []string
	rows, err := s.db.QueryContext(ctx, "SELECT chunk_id FROM chunks WHERE document_id = ? AND active = 1", documentID)
	if err != nil {
		return &ptolemies.StoreError{Op: "tombstone_document", Err: err}
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return &ptolemies.StoreError{Op: "tombstone_document", Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET active = 0, tombstoned_at = CURRENT_TIMESTAMP WHERE document_id = ? AND active = 1",
		documentID); err != nil {
		return &ptolemies.StoreError{Op: "tombstone_document", Err: err}
	}
	for _, id := range ids {
		s.ann.Delete(id)
	}
	return nil
}

// GC permanently deletes chunks tombstoned for longer than retention (§3
// invariant 5, §4.6). Returns the number of rows deleted.
func (s *Store) GC(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chunks WHERE active = 0 AND tombstoned_at IS NOT NULL AND tombstoned_at < ?
	`, cutoff)
	if err != nil {
		return 0, &ptolemies.StoreError{Op: "gc", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM vec_embeddings WHERE chunk_id NOT IN (SELECT chunk_id FROM chunks)
	`); err != nil {
		return 0, &ptolemies.StoreError{Op: "gc", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM embeddings WHERE chunk_id NOT IN (SELECT chunk_id FROM chunks)
	`); err != nil {
		return 0, &ptolemies.StoreError{Op: "gc", Err: err}
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats returns vector-store-wide counters (§4.6, §6).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	st.PerSource = make(map[string]int)

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE active = 1").Scan(&st.NChunks); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks c WHERE c.active = 1 AND EXISTS (SELECT 1 FROM embeddings e WHERE e.chunk_id = c.chunk_id)
	`).Scan(&st.NEmbedded); err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT source_id, COUNT(*) FROM chunks WHERE active = 1 GROUP BY source_id")
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return st, err
		}
		st.PerSource[src] = n
	}
	return st, rows.Err()
}

// ActiveChunkIndexes returns the set of chunk_index values active for
// documentID, used by `verify` to check §3 invariant 2 (contiguous range).
func (s *Store) ActiveChunkIndexes(ctx context.Context, documentID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chunk_index FROM chunks WHERE document_id = ? AND active = 1 ORDER BY chunk_index", documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// AllActiveChunkIDs returns every active chunk_id, used by `verify` to
// cross-check graph-store referential integrity (§3 invariant 1).
func (s *Store) AllActiveChunkIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT chunk_id FROM chunks WHERE active = 1")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MissingEmbeddings returns active chunks with no embedding yet, oldest
// first, for the re-embed sweep that fills in vectors after an embedding
// outage without creating new chunks (§8 scenario 6).
func (s *Store) MissingEmbeddings(ctx context.Context, limit int) ([]ChunkRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.chunk_id, c.document_id, c.source_id, c.content, c.chunk_index, c.total_chunks,
			c.quality_score, c.topics, c.extraction_version, c.active, c.created_at
		FROM chunks c
		WHERE c.active = 1 AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.chunk_id = c.chunk_id)
		ORDER BY c.created_at LIMIT ?
	`, limit)
	if err != nil {
		return nil, &ptolemies.StoreError{Op: "missing_embeddings", Err: err}
	}
	defer rows.Close()
	var out []ChunkRecord
	for rows.Next() {
		var r ChunkRecord
		var topicsJSON string
		var active int
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.SourceID, &r.Content, &r.ChunkIndex, &r.TotalChunks,
			&r.QualityScore, &topicsJSON, &r.ExtractionVersion, &active, &r.CreatedAt); err != nil {
			return nil, &ptolemies.StoreError{Op: "missing_embeddings", Err: err}
		}
		r.Active = active == 1
		r.Topics = decodeTopics(topicsJSON)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllDocumentIDs returns every document_id, used by `verify`.
func (s *Store) AllDocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT document_id FROM documents")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AllSources returns every Source record, used by `verify` and `stats`.
func (s *Store) AllSources(ctx context.Context) ([]SourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, display_name, seed_url, category, priority, chunk_count, avg_quality, last_crawled_at
		FROM sources ORDER BY source_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SourceRecord
	for rows.Next() {
		var r SourceRecord
		var lastCrawled sql.NullTime
		if err := rows.Scan(&r.SourceID, &r.DisplayName, &r.SeedURL, &r.Category, &r.Priority,
			&r.ChunkCount, &r.AvgQuality, &lastCrawled); err != nil {
			return nil, err
		}
		if lastCrawled.Valid {
			r.LastCrawledAt = lastCrawled.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveChunkCountBySource returns source_id -> active chunk count, used
// by `verify` to check §3 invariant 3 against the counters stored on each
// Source record.
func (s *Store) ActiveChunkCountBySource(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source_id, COUNT(*) FROM chunks WHERE active = 1 GROUP BY source_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[src] = n
	}
	return out, rows.Err()
}

// DuplicateChunkCoordinates returns the chunk_ids of active rows sharing a
// (document_id, chunk_index) pair with another active row (§3 invariant 4).
func (s *Store) DuplicateChunkCoordinates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id FROM chunks
		WHERE active = 1 AND (document_id, chunk_index) IN (
			SELECT document_id, chunk_index FROM chunks
			WHERE active = 1 GROUP BY document_id, chunk_index HAVING COUNT(*) > 1
		)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// EmbeddingDimensionOf returns the recorded dimension for chunkID's
// embedding, used by `verify` to check §8's "len(vector) == D".
func (s *Store) EmbeddingDimensionOf(ctx context.Context, chunkID string) (int, bool, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, "SELECT dimension FROM embeddings WHERE chunk_id = ?", chunkID).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return dim, true, nil
}

// VectorNorm returns ‖vector‖₂ for chunkID's embedding, used by `verify`.
func (s *Store) VectorNorm(ctx context.Context, chunkID string) (float64, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT embedding FROM vec_embeddings WHERE chunk_id = ?", chunkID).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v := deserializeFloat32(raw)
	var sumSquares float64
	for _, f := range v {
		sumSquares += float64(f) * float64(f)
	}
	return sumSquaresSqrt(sumSquares), true, nil
}
