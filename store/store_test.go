//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "notebook.db"), 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(id string) Document {
	return Document{
		DocID:     id,
		SourceID:  "src-1",
		Filename:  "manual.pdf",
		Filepath:  "/data/docs/manual.pdf",
		FileHash:  "abc123",
		SizeBytes: 1024,
		Title:     "Installation Manual",
	}
}

func sampleChunks(docID string) []EmbeddedChunk {
	return []EmbeddedChunk{
		{
			Chunk: Chunk{
				ChunkID:       docID + ":0",
				DocID:         docID,
				ChunkType:     "text",
				ChunkText:     "Connect the power supply before operating the unit.",
				SectionHeader: "Setup",
				TokenCount:    9,
			},
			Vector: []float32{0.1, 0.2, 0.3, 0.4},
		},
		{
			Chunk: Chunk{
				ChunkID:    docID + ":1",
				DocID:      docID,
				ChunkType:  "text",
				ChunkText:  "Do not exceed the rated voltage listed on the nameplate.",
				TokenCount: 10,
			},
			Vector: []float32{0.9, 0.8, 0.7, 0.6},
		},
	}
}

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("EmbeddingDim() = %d, want 4", s.EmbeddingDim())
	}
}

func TestUpsertAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := sampleDoc("doc-1")

	if err := s.UpsertDocument(ctx, doc, sampleChunks("doc-1"), []string{"safety"}, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Filename != doc.Filename || !got.IsIndexed {
		t.Fatalf("GetDocument = %+v, want filename %q and IsIndexed true", got, doc.Filename)
	}

	chunks, err := s.GetChunksByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetChunksByDocument: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
}

func TestUpsertDocumentReplacesPriorChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := sampleDoc("doc-1")

	if err := s.UpsertDocument(ctx, doc, sampleChunks("doc-1"), nil, true, ""); err != nil {
		t.Fatalf("first UpsertDocument: %v", err)
	}

	replacement := []EmbeddedChunk{{
		Chunk: Chunk{ChunkID: "doc-1:new", DocID: "doc-1", ChunkType: "text", ChunkText: "Replacement content."},
	}}
	if err := s.UpsertDocument(ctx, doc, replacement, nil, true, ""); err != nil {
		t.Fatalf("second UpsertDocument: %v", err)
	}

	chunks, err := s.GetChunksByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetChunksByDocument: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ChunkID != "doc-1:new" {
		t.Fatalf("chunks = %+v, want exactly the replacement chunk", chunks)
	}
}

func TestUpsertDocumentIndexError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := sampleDoc("doc-1")

	if err := s.UpsertDocument(ctx, doc, nil, nil, true, "ocr fallback requires pdftoppm/tesseract"); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.IsIndexed {
		t.Fatalf("IsIndexed = true, want false when index_error is set")
	}
	if got.IndexError == "" {
		t.Fatalf("IndexError not persisted")
	}
}

func TestListDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"doc-1", "doc-2"} {
		if err := s.UpsertDocument(ctx, sampleDoc(id), sampleChunks(id), nil, true, ""); err != nil {
			t.Fatalf("UpsertDocument(%s): %v", id, err)
		}
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2", len(docs))
	}
}

func TestDeleteDocumentData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertDocument(ctx, sampleDoc("doc-1"), sampleChunks("doc-1"), nil, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	if err := s.DeleteDocumentData(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocumentData: %v", err)
	}

	chunks, err := s.GetChunksByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetChunksByDocument: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("got %d chunks after DeleteDocumentData, want 0", len(chunks))
	}

	if _, err := s.GetDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("document row should survive DeleteDocumentData: %v", err)
	}
}

func TestDeleteDocumentFully(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertDocument(ctx, sampleDoc("doc-1"), sampleChunks("doc-1"), []string{"safety"}, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	if err := s.DeleteDocumentFully(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocumentFully: %v", err)
	}

	if _, err := s.GetDocument(ctx, "doc-1"); err == nil {
		t.Fatalf("expected error fetching deleted document, got nil")
	}
}

func TestVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertDocument(ctx, sampleDoc("doc-1"), sampleChunks("doc-1"), nil, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	results, err := s.VectorSearch(ctx, []float32{0.1, 0.2, 0.3, 0.4}, 2, NewRetrievalFilter(nil, false))
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("got 0 results, want at least 1")
	}
	if results[0].ChunkID != "doc-1:0" {
		t.Fatalf("top result = %s, want the closest vector doc-1:0", results[0].ChunkID)
	}
}

func TestFTSSearchMatchesKnownTerm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertDocument(ctx, sampleDoc("doc-1"), sampleChunks("doc-1"), nil, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	// "voltage" is an FTS token of the sample chunks, so the BM25 MATCH
	// query answers it without falling back.
	results, err := s.FTSSearch(ctx, "voltage", 5, NewRetrievalFilter(nil, false))
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("got 0 results for a known term")
	}
}

func TestFTSSearchRawListingWhenNothingMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertDocument(ctx, sampleDoc("doc-1"), sampleChunks("doc-1"), nil, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	results, err := s.FTSSearch(ctx, "zzz_no_such_term_anywhere", 5, NewRetrievalFilter(nil, false))
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("raw-listing fallback should still return rows when documents exist")
	}
}

func TestTagsExcludeDisabledDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertDocument(ctx, sampleDoc("doc-1"), sampleChunks("doc-1"), []string{"draft"}, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if err := s.SetTagEnabled(ctx, "draft", false); err != nil {
		t.Fatalf("SetTagEnabled: %v", err)
	}

	results, err := s.FTSSearch(ctx, "voltage", 5, NewRetrievalFilter(nil, true))
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("got %d results, want 0 once the document's only tag is disabled", len(results))
	}
}

func TestMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AppendMessage(ctx, "m1", "user", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.AppendMessage(ctx, "m2", "assistant", "hi there"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.ListMessages(ctx, 5)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("ListMessages = %+v, want chronological [m1, m2]", msgs)
	}

	if err := s.ClearMessages(ctx); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	msgs, err = s.ListMessages(ctx, 5)
	if err != nil {
		t.Fatalf("ListMessages after clear: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages after ClearMessages, want 0", len(msgs))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.UpsertDocument(ctx, sampleDoc("doc-1"), sampleChunks("doc-1"), []string{"safety"}, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Documents != 1 || stats.Chunks != 2 || stats.Embeddings != 2 || stats.Tags != 1 {
		t.Fatalf("Stats = %+v, want {1 2 2 1}", stats)
	}
}
