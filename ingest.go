package nbrag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/nbrag/chunker"
	"github.com/brunobiangulo/nbrag/parser"
	"github.com/brunobiangulo/nbrag/store"
)

// parsingSidecar is the on-disk intermediate written to
// data/parsing/{notebook}/{doc_id}.json after every (re)index.
type parsingSidecar struct {
	Metadata DocumentMetadata `json:"metadata"`
	Chunks   []ParsedChunk    `json:"chunks"`
}

// startIndexing launches one ingestion worker goroutine for a source. It
// does not wait for the worker to finish: callers observe progress through
// Source.Status / IndexStatus.
func (e *Engine) startIndexing(notebookID, sourceID string) {
	s, err := e.global.GetSource(context.Background(), sourceID)
	if err != nil {
		slog.Error("orchestrator: cannot start indexing, source vanished", "source_id", sourceID, "error", err)
		return
	}
	s.Status = string(SourceIndexing)
	s.Warning = ""
	if err := e.global.UpsertSource(context.Background(), *s); err != nil {
		slog.Error("orchestrator: marking source indexing failed", "source_id", sourceID, "error", err)
		return
	}

	go e.runIngest(notebookID, *s)
}

// runIngest is one source's Extractor -> Chunker -> Embedder -> NotebookStore
// round trip. It shares no state with other sources' workers except through
// the per-notebook Store and the GlobalStore.
func (e *Engine) runIngest(notebookID string, src store.Source) {
	ctx := context.Background()
	started := time.Now()
	log := slog.With("notebook_id", notebookID, "source_id", src.ID, "filename", src.Filename)
	log.Info("ingest: starting")

	if err := e.ingest(ctx, notebookID, src); err != nil {
		log.Error("ingest: failed", "error", err, "elapsed", time.Since(started))
		src.Status = string(SourceFailed)
		src.HasBase = false
		src.Warning = err.Error()
		if upErr := e.global.UpsertSource(ctx, src); upErr != nil {
			log.Error("ingest: recording failure status failed", "error", upErr)
		}
		return
	}

	log.Info("ingest: finished", "elapsed", time.Since(started))
}

func (e *Engine) ingest(ctx context.Context, notebookID string, src store.Source) error {
	rt, err := e.runtime(notebookID)
	if err != nil {
		return fmt.Errorf("opening notebook store: %w", err)
	}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}
	hash := fileHash(data)

	docID := "doc_" + src.ID
	if existing, err := rt.store.GetDocument(ctx, docID); err == nil && existing.FileHash == hash {
		log := slog.With("notebook_id", notebookID, "source_id", src.ID)
		log.Info("ingest: unchanged hash, skipping re-index")
		src.Status = string(SourceIndexed)
		return e.global.UpsertSource(ctx, src)
	}

	notebookSettings, err := e.GetParsingSettings(ctx, notebookID)
	if err != nil {
		return fmt.Errorf("loading parsing settings: %w", err)
	}
	effective := notebookSettings.effective(src.Override)

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(src.Filename)), ".")
	extractor, err := e.parsers.Get(format)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	parser.OCRLanguage = effective.OCRLanguage

	result, err := extractor.Extract(ctx, src.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParseError, err)
	}

	chunks := chunker.New(chunker.Settings{
		Method:          chunker.Method(effective.ChunkingMethod),
		ChunkSize:       effective.ChunkSize,
		ChunkOverlap:    effective.ChunkOverlap,
		MinChunkSize:    effective.MinChunkSize,
		ContextWindow:   effective.ContextWindow,
		DocType:         chunker.DocType(effective.DocType),
		ParentChunkSize: effective.ParentChunkSize,
		ChildChunkSize:  effective.ChildChunkSize,
		SymbolSeparator: effective.SymbolSeparator,
	}).Chunk(result.Blocks)

	parsed := stampChunks(docID, chunks)

	var embedded []EmbeddedChunk
	if e.embed != nil {
		embedded, err = e.embedChunks(ctx, parsed)
		if err != nil {
			return fmt.Errorf("embedding chunks: %w", err)
		}
	} else {
		embedded = make([]EmbeddedChunk, len(parsed))
		for i, c := range parsed {
			embedded[i] = EmbeddedChunk{ParsedChunk: c}
		}
	}

	storeChunks := make([]store.EmbeddedChunk, len(embedded))
	anyVector := false
	for i, ec := range embedded {
		storeChunks[i] = store.EmbeddedChunk{
			Chunk: store.Chunk{
				ChunkID: ec.ChunkID, DocID: ec.DocID, ChunkIndex: ec.ChunkIndex,
				PageNumber: ec.PageNumber, ChunkType: string(ec.ChunkType),
				SectionHeader: ec.SectionHeader, ParentHeader: ec.ParentHeader,
				ChunkText: ec.Text, IsEnabled: true, TokenCount: ec.TokenCount,
				EmbeddingText: ec.EmbeddingText, ParentChunkID: ec.ParentChunkID,
			},
			Vector: ec.Vector,
		}
		if !ec.EmbeddingFailed && len(ec.Vector) > 0 {
			anyVector = true
		}
	}

	doc := store.Document{
		DocID: docID, SourceID: src.ID, Filename: src.Filename, Filepath: src.Path,
		FileHash: hash, SizeBytes: src.SizeBytes, Source: string(src.Kind),
	}
	if err := rt.store.UpsertDocument(ctx, doc, storeChunks, nil, src.Enabled, ""); err != nil {
		return fmt.Errorf("persisting document: %w", err)
	}

	metadata := DocumentMetadata{
		DocID: docID, SourceID: src.ID, Hash: hash, SizeBytes: src.SizeBytes,
		PageCount: result.TotalPages, TotalChunks: len(parsed), ParserVersion: "1",
		ParsedAt: time.Now().UTC(), Settings: effective, IsEnabled: src.Enabled,
	}
	if err := e.writeParsingSidecar(notebookID, docID, metadata, parsed); err != nil {
		slog.Warn("ingest: writing parsing sidecar failed", "doc_id", docID, "error", err)
	}

	src.Status = string(SourceIndexed)
	src.HasDocs = true
	src.HasParsing = true
	src.HasBase = true
	if anyVector {
		src.EmbeddingsStatus = string(EmbeddingsAvailable)
	} else {
		src.EmbeddingsStatus = string(EmbeddingsUnavailable)
	}
	return e.global.UpsertSource(ctx, src)
}

// stampChunks assigns ChunkID/DocID/ChunkIndex to each chunker.Chunk and
// prefixes PCR parent IDs with the owning document, since the chunker emits
// bare "pcr_parent:N" IDs scoped only to its own call.
func stampChunks(docID string, chunks []chunker.Chunk) []ParsedChunk {
	out := make([]ParsedChunk, len(chunks))
	for i, c := range chunks {
		parentID := c.ParentChunkID
		if parentID != "" {
			parentID = docID + ":" + parentID
		}
		out[i] = ParsedChunk{
			ChunkID: fmt.Sprintf("%s:%d", docID, i), DocID: docID, ChunkIndex: i,
			ChunkType: ChunkType(c.Type), PageNumber: c.PageNumber,
			SectionHeader: c.SectionHeader, ParentHeader: c.ParentHeader,
			PrevTail: c.PrevTail, NextHead: c.NextHead, Text: c.Text,
			EmbeddingText: c.EmbeddingText, ParentChunkID: parentID, TokenCount: c.TokenCount,
		}
	}
	return out
}

// embedTruncateChars bounds how much of a chunk's embedding text is sent to
// the embedding endpoint per call, keeping batches well under typical
// embedding-model context limits.
const embedTruncateChars = 24000

func truncateForEmbed(text string) string {
	if len(text) <= embedTruncateChars {
		return text
	}
	cut := strings.LastIndex(text[:embedTruncateChars], " ")
	if cut <= 0 {
		cut = embedTruncateChars
	}
	return text[:cut]
}

// embedChunks embeds every chunk's embedTarget() in one batch call. If the
// batch call fails outright, it falls back to embedding each chunk one at a
// time so a single bad input doesn't sink the whole document.
func (e *Engine) embedChunks(ctx context.Context, chunks []ParsedChunk) ([]EmbeddedChunk, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = truncateForEmbed(c.embedTarget())
	}

	vectors, err := e.embed.GetEmbeddings(ctx, texts)
	if err != nil || len(vectors) != len(chunks) {
		if err != nil {
			slog.Warn("ingest: batch embedding failed, falling back to per-chunk calls", "error", err)
		}
		vectors = make([][]float32, len(chunks))
		for i, t := range texts {
			single, embErr := e.embed.GetEmbeddings(ctx, []string{t})
			if embErr != nil || len(single) != 1 {
				slog.Warn("ingest: embedding a single chunk failed", "chunk_id", chunks[i].ChunkID, "error", embErr)
				continue
			}
			vectors[i] = single[0]
		}
	}

	now := time.Now().UTC()
	out := make([]EmbeddedChunk, len(chunks))
	for i, c := range chunks {
		failed := true
		for _, v := range vectors[i] {
			if v != 0 {
				failed = false
				break
			}
		}
		out[i] = EmbeddedChunk{
			ParsedChunk: c, Vector: vectors[i], EmbeddingModel: e.cfg.Embedding.Model,
			EmbeddedAt: now, EmbeddingFailed: failed,
		}
	}
	return out, nil
}

func (e *Engine) writeParsingSidecar(notebookID, docID string, metadata DocumentMetadata, chunks []ParsedChunk) error {
	dir := e.notebookParsingDir(notebookID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(parsingSidecar{Metadata: metadata, Chunks: chunks}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, docID+".json"), data, 0o644)
}

// fileHash returns the SHA-256 hex digest of a document's bytes, used to
// short-circuit re-indexing when a source's content hasn't changed.
func fileHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
