package vectorstore

import "fmt"

// schemaSQL returns the DDL for the Vector Store's tables (§6: "Persisted
// state (a) Vector store"), plus the intent-log table used for the
// two-phase cross-store commit (§5, §C.1 of SPEC_FULL.md) and a sources
// summary table backing Source.chunk_count / Source.avg_quality (§3).
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS sources (
    source_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    seed_url TEXT NOT NULL,
    category TEXT NOT NULL,
    priority TEXT NOT NULL,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    avg_quality REAL NOT NULL DEFAULT 0,
    last_crawled_at DATETIME
);

CREATE TABLE IF NOT EXISTS documents (
    document_id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL REFERENCES sources(source_id),
    url TEXT NOT NULL,
    title TEXT,
    fetched_at DATETIME NOT NULL,
    http_status INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    extraction_version INTEGER NOT NULL,
    active_extraction_version INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL REFERENCES documents(document_id),
    source_id TEXT NOT NULL,
    content TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    total_chunks INTEGER NOT NULL,
    quality_score REAL NOT NULL,
    topics TEXT NOT NULL DEFAULT '[]',
    extraction_version INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    pending INTEGER NOT NULL DEFAULT 0,
    tombstoned_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_embeddings USING vec0(
    chunk_id TEXT PRIMARY KEY,
    embedding float[%d]
);

CREATE TABLE IF NOT EXISTS embeddings (
    chunk_id TEXT PRIMARY KEY REFERENCES chunks(chunk_id),
    model TEXT NOT NULL,
    dimension INTEGER NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS intent_log (
    id INTEGER PRIMARY KEY,
    document_id TEXT NOT NULL,
    extraction_version INTEGER NOT NULL,
    phase TEXT NOT NULL, -- staged_vector | staged_graph | committed
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id);
CREATE INDEX IF NOT EXISTS idx_chunks_active ON chunks(active);
CREATE INDEX IF NOT EXISTS idx_chunks_tombstoned ON chunks(tombstoned_at);
CREATE INDEX IF NOT EXISTS idx_intent_log_document ON intent_log(document_id, extraction_version);
`, embeddingDim)
}
