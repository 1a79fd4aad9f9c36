// Package store persists one notebook's documents, chunks, embeddings,
// and tags in a single SQLite file, and provides the vector/full-text
// retrieval primitives HybridSearch fuses.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Document mirrors a row in the documents table. IDs are the caller's
// (Orchestrator-assigned) opaque strings, not SQLite rowids.
type Document struct {
	DocID       string
	SourceID    string
	Filename    string
	Filepath    string
	FileHash    string
	SizeBytes   int64
	Title       string
	AuthorsJSON string
	Year        int
	Source      string
	IsEnabled   bool
	IsIndexed   bool
	IndexError  string
	CreatedAt   time.Time
	IndexedAt   *time.Time
}

// Chunk mirrors a row in the chunks table.
type Chunk struct {
	ChunkID       string
	DocID         string
	ChunkIndex    int
	PageNumber    *int
	ChunkType     string
	SectionHeader string
	ParentHeader  string
	ChunkText     string
	IsEnabled     bool
	TokenCount    int
	EmbeddingText string
	ParentChunkID string
}

// EmbeddedChunk pairs a Chunk with its dense vector. A nil or all-zero
// Vector means the chunk has no usable embedding.
type EmbeddedChunk struct {
	Chunk
	Vector []float32
}

// RetrievalResult is what VectorSearch and FTSSearch both project to,
// ready for Reciprocal Rank Fusion.
type RetrievalResult struct {
	ChunkID       string
	DocID         string
	SourceID      string
	Page          *int
	ChunkType     string
	SectionHeader string
	ParentHeader  string
	Filename      string
	Text          string
	Score         float64
}

// Store wraps one notebook's SQLite database.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a notebook database at dbPath and initialises
// its schema, sqlite-vec and FTS5 virtual tables, and pending migrations.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocument atomically replaces a document's full state: the
// document row itself, every chunk, FTS row, and embedding belonging to
// it, and its tag set. A crashed write leaves either the prior version
// or the new one, never a partial mix.
func (s *Store) UpsertDocument(ctx context.Context, doc Document, chunks []EmbeddedChunk, tags []string, isEnabled bool, indexError string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		doc.IsEnabled = isEnabled
		doc.IndexError = indexError
		doc.IsIndexed = indexError == "" && len(chunks) > 0

		var indexedAt any
		if doc.IsIndexed {
			indexedAt = time.Now().UTC()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (doc_id, source_id, filename, filepath, file_hash, size_bytes,
				title, authors_json, year, source, is_enabled, is_indexed, index_error, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(doc_id) DO UPDATE SET
				source_id = excluded.source_id,
				filename = excluded.filename,
				filepath = excluded.filepath,
				file_hash = excluded.file_hash,
				size_bytes = excluded.size_bytes,
				title = excluded.title,
				authors_json = excluded.authors_json,
				year = excluded.year,
				source = excluded.source,
				is_enabled = excluded.is_enabled,
				is_indexed = excluded.is_indexed,
				index_error = excluded.index_error,
				indexed_at = excluded.indexed_at
		`, doc.DocID, doc.SourceID, doc.Filename, doc.Filepath, doc.FileHash, doc.SizeBytes,
			doc.Title, doc.AuthorsJSON, doc.Year, doc.Source, doc.IsEnabled, doc.IsIndexed,
			doc.IndexError, indexedAt); err != nil {
			return fmt.Errorf("upserting document row: %w", err)
		}

		if err := deleteDocumentDataTx(ctx, tx, doc.DocID); err != nil {
			return err
		}

		if err := insertChunksTx(ctx, tx, doc.DocID, chunks); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM document_tags WHERE doc_id = ?", doc.DocID); err != nil {
			return fmt.Errorf("clearing tag set: %w", err)
		}
		for _, t := range tags {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO tags (tag) VALUES (?)", t); err != nil {
				return fmt.Errorf("ensuring tag %q: %w", t, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO document_tags (doc_id, tag) VALUES (?, ?)", doc.DocID, t); err != nil {
				return fmt.Errorf("tagging document with %q: %w", t, err)
			}
		}

		return nil
	})
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, docID string) (*Document, error) {
	d := &Document{}
	var title, authorsJSON, source, indexError sql.NullString
	var year sql.NullInt64
	var indexedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, source_id, filename, filepath, file_hash, size_bytes,
			title, authors_json, year, source, is_enabled, is_indexed, index_error, created_at, indexed_at
		FROM documents WHERE doc_id = ?
	`, docID).Scan(&d.DocID, &d.SourceID, &d.Filename, &d.Filepath, &d.FileHash, &d.SizeBytes,
		&title, &authorsJSON, &year, &source, &d.IsEnabled, &d.IsIndexed, &indexError, &d.CreatedAt, &indexedAt)
	if err != nil {
		return nil, err
	}
	d.Title, d.AuthorsJSON, d.Source, d.IndexError = title.String, authorsJSON.String, source.String, indexError.String
	d.Year = int(year.Int64)
	if indexedAt.Valid {
		d.IndexedAt = &indexedAt.Time
	}
	return d, nil
}

// ListDocuments returns all documents for the notebook ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, source_id, filename, filepath, file_hash, size_bytes,
			title, authors_json, year, source, is_enabled, is_indexed, index_error, created_at, indexed_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var title, authorsJSON, source, indexError sql.NullString
		var year sql.NullInt64
		var indexedAt sql.NullTime
		if err := rows.Scan(&d.DocID, &d.SourceID, &d.Filename, &d.Filepath, &d.FileHash, &d.SizeBytes,
			&title, &authorsJSON, &year, &source, &d.IsEnabled, &d.IsIndexed, &indexError, &d.CreatedAt, &indexedAt); err != nil {
			return nil, err
		}
		d.Title, d.AuthorsJSON, d.Source, d.IndexError = title.String, authorsJSON.String, source.String, indexError.String
		d.Year = int(year.Int64)
		if indexedAt.Valid {
			d.IndexedAt = &indexedAt.Time
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocumentData removes chunks, FTS rows, and embeddings for a
// document, keeping the document row itself (used for "erase-data").
func (s *Store) DeleteDocumentData(ctx context.Context, docID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return deleteDocumentDataTx(ctx, tx, docID)
	})
}

func deleteDocumentDataTx(ctx context.Context, tx *sql.Tx, docID string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM vec_chunks WHERE chunk_rowid IN (
			SELECT rowid FROM chunks WHERE doc_id = ?
		)`, docID); err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}
	// FTS rows are removed by the chunks_ad trigger as each chunk is deleted.
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// DeleteDocumentFully removes the document row along with all its data.
func (s *Store) DeleteDocumentFully(ctx context.Context, docID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteDocumentDataTx(ctx, tx, docID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM document_tags WHERE doc_id = ?", docID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE doc_id = ?", docID)
		return err
	})
}

// --- Chunk + embedding operations ---

func insertChunksTx(ctx context.Context, tx *sql.Tx, docID string, chunks []EmbeddedChunk) error {
	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (chunk_id, doc_id, chunk_index, page_number, chunk_type,
			section_header, parent_header, chunk_text, is_enabled, token_count,
			embedding_text, parent_chunk_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer chunkStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO vec_chunks (chunk_rowid, embedding) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("preparing embedding insert: %w", err)
	}
	defer vecStmt.Close()

	for i, c := range chunks {
		c.ChunkIndex = i
		res, err := chunkStmt.ExecContext(ctx, c.ChunkID, docID, c.ChunkIndex, c.PageNumber, c.ChunkType,
			c.SectionHeader, c.ParentHeader, c.ChunkText, c.TokenCount, c.EmbeddingText, c.ParentChunkID)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ChunkID, err)
		}
		if hasNonZeroVector(c.Vector) {
			rowID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading chunk rowid for %s: %w", c.ChunkID, err)
			}
			if _, err := vecStmt.ExecContext(ctx, rowID, serializeFloat32(c.Vector)); err != nil {
				return fmt.Errorf("inserting embedding for %s: %w", c.ChunkID, err)
			}
		}
	}
	return nil
}

func hasNonZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return true
		}
	}
	return false
}

// GetChunksByDocument returns all chunks for a document, ordered by position.
func (s *Store) GetChunksByDocument(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, doc_id, chunk_index, page_number, chunk_type, section_header,
			parent_header, chunk_text, is_enabled, token_count, embedding_text, parent_chunk_id
		FROM chunks WHERE doc_id = ? ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var page sql.NullInt64
		var sectionHeader, parentHeader, embeddingText, parentChunkID sql.NullString
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.ChunkIndex, &page, &c.ChunkType, &sectionHeader,
			&parentHeader, &c.ChunkText, &c.IsEnabled, &c.TokenCount, &embeddingText, &parentChunkID); err != nil {
			return nil, err
		}
		if page.Valid {
			p := int(page.Int64)
			c.PageNumber = &p
		}
		c.SectionHeader, c.ParentHeader = sectionHeader.String, parentHeader.String
		c.EmbeddingText, c.ParentChunkID = embeddingText.String, parentChunkID.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Retrieval ---

// RetrievalFilter builds the WHERE fragment shared by VectorSearch and
// FTSSearch: optional source_id allowlist, and exclusion of documents
// carrying any disabled tag.
type RetrievalFilter struct {
	selectedSourceIDs []string
	excludeDisabled   bool
}

func (f RetrievalFilter) clause(args *[]any) string {
	var clauses []string
	if len(f.selectedSourceIDs) > 0 {
		placeholders := make([]string, len(f.selectedSourceIDs))
		for i, id := range f.selectedSourceIDs {
			placeholders[i] = "?"
			*args = append(*args, id)
		}
		clauses = append(clauses, "d.source_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.excludeDisabled {
		clauses = append(clauses, `d.doc_id NOT IN (
			SELECT dt.doc_id FROM document_tags dt
			JOIN tags t ON t.tag = dt.tag
			WHERE t.is_enabled = 0
		)`)
	}
	clauses = append(clauses, "d.is_enabled = 1", "c.is_enabled = 1")
	return strings.Join(clauses, " AND ")
}

// VectorSearch performs a KNN scan via sqlite-vec, returning the top-k
// nearest chunks by cosine similarity. Acceptable brute force at the
// target scale of under 1e6 vectors per notebook.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int, filter RetrievalFilter) ([]RetrievalResult, error) {
	args := []any{serializeFloat32(queryEmbedding), k}
	where := filter.clause(&args)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.chunk_id, c.doc_id, d.source_id, c.page_number, c.chunk_type,
			c.section_header, c.parent_header, d.filename, c.chunk_text, v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.rowid = v.chunk_rowid
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE v.embedding MATCH ? AND k = ? AND %s
		ORDER BY v.distance
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	return scanRetrievalRows(rows, func(distance float64) float64 { return 1.0 - distance })
}

// FTSSearch performs a full-text search, falling back through BM25 match
// → LIKE OR-across-terms → a raw newest-rows listing, so the engine
// never returns nothing when matching documents exist.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int, filter RetrievalFilter) ([]RetrievalResult, error) {
	results, err := s.ftsMatchSearch(ctx, query, limit, filter)
	if err == nil && len(results) > 0 {
		return results, nil
	}

	results, likeErr := s.ftsLikeSearch(ctx, query, limit, filter)
	if likeErr == nil && len(results) > 0 {
		return results, nil
	}

	return s.ftsRawListing(ctx, limit, filter)
}

func (s *Store) ftsMatchSearch(ctx context.Context, query string, limit int, filter RetrievalFilter) ([]RetrievalResult, error) {
	args := []any{query}
	where := filter.clause(&args)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.chunk_id, c.doc_id, d.source_id, c.page_number, c.chunk_type,
			c.section_header, c.parent_header, d.filename, c.chunk_text, f.rank
		FROM chunks_fts f
		JOIN chunks c ON c.rowid = f.rowid
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE chunks_fts MATCH ? AND %s
		ORDER BY f.rank
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRetrievalRows(rows, func(rank float64) float64 { return -rank })
}

func (s *Store) ftsLikeSearch(ctx context.Context, query string, limit int, filter RetrievalFilter) ([]RetrievalResult, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var args []any
	var likeClauses []string
	for _, t := range terms {
		likeClauses = append(likeClauses, "c.chunk_text LIKE ?")
		args = append(args, "%"+t+"%")
	}
	where := filter.clause(&args)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.chunk_id, c.doc_id, d.source_id, c.page_number, c.chunk_type,
			c.section_header, c.parent_header, d.filename, c.chunk_text, 0.0
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE (%s) AND %s
		LIMIT ?
	`, strings.Join(likeClauses, " OR "), where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRetrievalRows(rows, func(score float64) float64 { return score })
}

func (s *Store) ftsRawListing(ctx context.Context, limit int, filter RetrievalFilter) ([]RetrievalResult, error) {
	var args []any
	where := filter.clause(&args)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.chunk_id, c.doc_id, d.source_id, c.page_number, c.chunk_type,
			c.section_header, c.parent_header, d.filename, c.chunk_text, 0.0
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE %s
		ORDER BY c.rowid DESC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRetrievalRows(rows, func(score float64) float64 { return score })
}

func scanRetrievalRows(rows *sql.Rows, scoreOf func(raw float64) float64) ([]RetrievalResult, error) {
	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var page sql.NullInt64
		var sectionHeader, parentHeader sql.NullString
		var raw float64
		if err := rows.Scan(&r.ChunkID, &r.DocID, &r.SourceID, &page, &r.ChunkType,
			&sectionHeader, &parentHeader, &r.Filename, &r.Text, &raw); err != nil {
			return nil, err
		}
		if page.Valid {
			p := int(page.Int64)
			r.Page = &p
		}
		r.SectionHeader, r.ParentHeader = sectionHeader.String, parentHeader.String
		r.Score = scoreOf(raw)
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Tags ---

// SetTagEnabled flips a tag's visibility flag, creating it if absent.
func (s *Store) SetTagEnabled(ctx context.Context, tag string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (tag, is_enabled) VALUES (?, ?)
		ON CONFLICT(tag) DO UPDATE SET is_enabled = excluded.is_enabled
	`, tag, enabled)
	return err
}

// ListTags returns every tag known to the notebook.
func (s *Store) ListTags(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag FROM tags ORDER BY tag")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// --- Messages ---

// Message is one persisted chat turn.
type Message struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
}

// AppendMessage persists one chat turn.
func (s *Store) AppendMessage(ctx context.Context, id, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, role, content) VALUES (?, ?, ?)", id, role, content)
	return err
}

// ListMessages returns the last n non-empty messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at FROM messages
		WHERE content != ''
		ORDER BY created_at DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearMessages deletes all chat history for the notebook.
func (s *Store) ClearMessages(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages")
	return err
}

// --- Diagnostics ---

// DBStats holds counts of key database objects.
type DBStats struct {
	Documents  int
	Chunks     int
	Embeddings int
	Tags       int
}

// Stats returns counts of documents, chunks, embeddings, and tags.
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM vec_chunks", &stats.Embeddings},
		{"SELECT COUNT(*) FROM tags", &stats.Tags},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// NewRetrievalFilter builds the shared source/tag filter used by both
// VectorSearch and FTSSearch.
func NewRetrievalFilter(selectedSourceIDs []string, excludeDisabledTags bool) RetrievalFilter {
	return RetrievalFilter{selectedSourceIDs: selectedSourceIDs, excludeDisabled: excludeDisabledTags}
}
