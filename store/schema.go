package store

import "fmt"

// schemaSQL returns the DDL for a per-notebook database. embeddingDim
// controls the vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry with hash-based change detection.
CREATE TABLE IF NOT EXISTS documents (
    doc_id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    filepath TEXT NOT NULL,
    file_hash TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    title TEXT,
    authors_json JSON,
    year INTEGER,
    source TEXT,
    is_enabled INTEGER NOT NULL DEFAULT 1,
    is_indexed INTEGER NOT NULL DEFAULT 0,
    index_error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    indexed_at DATETIME
);

-- Chunks belonging to a document, in one of the five chunking-strategy shapes.
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    page_number INTEGER,
    chunk_type TEXT NOT NULL,
    section_header TEXT,
    parent_header TEXT,
    chunk_text TEXT NOT NULL,
    is_enabled INTEGER NOT NULL DEFAULT 1,
    token_count INTEGER NOT NULL DEFAULT 0,
    embedding_text TEXT,
    parent_chunk_id TEXT
);

-- Dense vector storage via sqlite-vec, keyed by the chunks table's rowid.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_rowid INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

-- Full-text index over chunk_text + section_header, BM25-ranked.
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    chunk_text,
    section_header,
    content='chunks',
    content_rowid='rowid',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, chunk_text, section_header) VALUES (new.rowid, new.chunk_text, new.section_header);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, chunk_text, section_header) VALUES ('delete', old.rowid, old.chunk_text, old.section_header);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, chunk_text, section_header) VALUES ('delete', old.rowid, old.chunk_text, old.section_header);
    INSERT INTO chunks_fts(rowid, chunk_text, section_header) VALUES (new.rowid, new.chunk_text, new.section_header);
END;

-- Per-notebook tags; disabling a tag hides every document carrying it from retrieval.
CREATE TABLE IF NOT EXISTS tags (
    tag TEXT PRIMARY KEY,
    is_enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS document_tags (
    doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
    tag TEXT NOT NULL REFERENCES tags(tag) ON DELETE CASCADE,
    PRIMARY KEY (doc_id, tag)
);

-- Chat history and stream-cancellation bookkeeping.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- User-saved pointers back into a source passage.
CREATE TABLE IF NOT EXISTS citations (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    chunk_id TEXT NOT NULL,
    snippet TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
CREATE INDEX IF NOT EXISTS idx_chunks_parent ON chunks(parent_chunk_id);
CREATE INDEX IF NOT EXISTS idx_chunks_type ON chunks(chunk_type);
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_id);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(file_hash);
CREATE INDEX IF NOT EXISTS idx_document_tags_tag ON document_tags(tag);
`, embeddingDim)
}
