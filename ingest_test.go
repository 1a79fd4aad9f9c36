//go:build cgo

package nbrag

import (
	"context"
	"strings"
	"testing"

	"github.com/brunobiangulo/nbrag/chunker"
)

func TestIngestChunksAndPersistsDocument(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	nb, err := e.CreateNotebook(ctx, "Ingest")
	if err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	settings, _ := e.GetParsingSettings(ctx, nb.ID)
	settings.AutoParseOnUpload = false
	_ = e.SetParsingSettings(ctx, nb.ID, settings)

	body := strings.Repeat("This is a line of body text about turbine maintenance.\n", 20)
	content := "# Overview\n" + body + "\n## Maintenance\n" + body
	added, err := e.AddSource(ctx, nb.ID, "manual.md", []byte(content))
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	src, err := e.global.GetSource(ctx, added.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}

	if err := e.ingest(ctx, nb.ID, *src); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	sources, err := e.ListSources(ctx, nb.ID)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	got := sources[0]
	if got.Status != SourceIndexed {
		t.Errorf("Status = %q, want %q", got.Status, SourceIndexed)
	}
	if !got.HasDocs || !got.HasParsing || !got.HasBase {
		t.Errorf("expected HasDocs/HasParsing/HasBase all true, got %+v", got)
	}
	if got.EmbeddingsStatus != EmbeddingsUnavailable {
		t.Errorf("EmbeddingsStatus = %q, want %q (embedding disabled)", got.EmbeddingsStatus, EmbeddingsUnavailable)
	}

	rt, err := e.runtime(nb.ID)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	docID := "doc_" + added.ID
	doc, err := rt.store.GetDocument(ctx, docID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.FileHash == "" {
		t.Error("expected non-empty FileHash on persisted document")
	}
}

func TestIngestSkipsReindexWhenHashUnchanged(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	nb, _ := e.CreateNotebook(ctx, "Reindex")
	settings, _ := e.GetParsingSettings(ctx, nb.ID)
	settings.AutoParseOnUpload = false
	_ = e.SetParsingSettings(ctx, nb.ID, settings)

	added, err := e.AddSource(ctx, nb.ID, "note.txt", []byte("unchanging content\n"))
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	src, err := e.global.GetSource(ctx, added.ID)
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if err := e.ingest(ctx, nb.ID, *src); err != nil {
		t.Fatalf("ingest (first pass): %v", err)
	}

	rt, err := e.runtime(nb.ID)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	docID := "doc_" + added.ID
	before, err := rt.store.GetDocument(ctx, docID)
	if err != nil {
		t.Fatalf("GetDocument (first pass): %v", err)
	}

	// Re-ingest without changing the file: the hash short-circuit should
	// leave the persisted document's hash untouched and simply mark the
	// source indexed again.
	src2, err := e.global.GetSource(ctx, added.ID)
	if err != nil {
		t.Fatalf("GetSource (second pass): %v", err)
	}
	if err := e.ingest(ctx, nb.ID, *src2); err != nil {
		t.Fatalf("ingest (second pass): %v", err)
	}

	after, err := rt.store.GetDocument(ctx, docID)
	if err != nil {
		t.Fatalf("GetDocument (second pass): %v", err)
	}
	if before.FileHash != after.FileHash {
		t.Errorf("FileHash changed across unchanged re-ingest: %q -> %q", before.FileHash, after.FileHash)
	}

	sources, err := e.ListSources(ctx, nb.ID)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if sources[0].Status != SourceIndexed {
		t.Errorf("Status after unchanged re-ingest = %q, want %q", sources[0].Status, SourceIndexed)
	}
}

func TestStampChunksPrefixesIDsWithDocID(t *testing.T) {
	chunks := []chunker.Chunk{
		{Type: chunker.Text, Text: "parent text"},
		{Type: chunker.Text, Text: "child text", ParentChunkID: "pcr_parent:0"},
	}
	out := stampChunks("doc_abc", chunks)
	if len(out) != 2 {
		t.Fatalf("expected 2 stamped chunks, got %d", len(out))
	}
	if out[0].ChunkID != "doc_abc:0" || out[1].ChunkID != "doc_abc:1" {
		t.Errorf("ChunkIDs = %q, %q; want doc_abc:0, doc_abc:1", out[0].ChunkID, out[1].ChunkID)
	}
	if out[0].DocID != "doc_abc" || out[1].DocID != "doc_abc" {
		t.Errorf("DocID not stamped on every chunk: %+v", out)
	}
	if out[1].ParentChunkID != "doc_abc:pcr_parent:0" {
		t.Errorf("ParentChunkID = %q, want doc-prefixed pcr_parent:0", out[1].ParentChunkID)
	}
}

func TestFileHashStableAndDistinct(t *testing.T) {
	a := fileHash([]byte("one"))
	b := fileHash([]byte("one"))
	c := fileHash([]byte("two"))
	if a != b {
		t.Error("fileHash is not deterministic for identical input")
	}
	if a == c {
		t.Error("fileHash collided for distinct input")
	}
	if len(a) != 64 {
		t.Errorf("fileHash length = %d, want 64 (SHA-256 hex)", len(a))
	}
}

func TestTruncateForEmbedRespectsBudget(t *testing.T) {
	short := "hello world"
	if got := truncateForEmbed(short); got != short {
		t.Errorf("truncateForEmbed(short) = %q, want unchanged", got)
	}

	long := strings.Repeat("a ", embedTruncateChars)
	truncated := truncateForEmbed(long)
	if len(truncated) >= len(long) {
		t.Errorf("truncateForEmbed did not shorten long input: %d >= %d", len(truncated), len(long))
	}
	if len(truncated) > embedTruncateChars {
		t.Errorf("truncateForEmbed exceeded budget: %d > %d", len(truncated), embedTruncateChars)
	}
}
