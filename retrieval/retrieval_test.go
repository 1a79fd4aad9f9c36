//go:build cgo

package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/nbrag/store"
)

func newTestEngineStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "notebook.db"), 4)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	doc := store.Document{DocID: "doc-1", SourceID: "src-1", Filename: "manual.pdf", Filepath: "/manual.pdf", FileHash: "h"}
	chunks := []store.EmbeddedChunk{{
		Chunk: store.Chunk{ChunkID: "doc-1:0", DocID: "doc-1", ChunkType: "text", ChunkText: "Do not exceed the rated voltage."},
		Vector: []float32{0.1, 0.2, 0.3, 0.4},
	}}
	if err := s.UpsertDocument(context.Background(), doc, chunks, nil, true, ""); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	return s
}

func TestFuseRRFOrdersByCombinedRank(t *testing.T) {
	vec := []store.RetrievalResult{
		{ChunkID: "a", Text: "a"},
		{ChunkID: "b", Text: "b"},
	}
	fts := []store.RetrievalResult{
		{ChunkID: "b", Text: "b"},
		{ChunkID: "c", Text: "c"},
	}

	results, infoMap := fuseRRF(vec, fts, 10)
	if len(results) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(results))
	}

	if results[0].ChunkID != "b" {
		t.Errorf("expected chunk b first (appears in both lists), got %s", results[0].ChunkID)
	}
	if info, ok := infoMap["b"]; !ok || len(info.Methods) != 2 {
		t.Errorf("chunk b should have 2 contributing methods, got %+v", infoMap["b"])
	}
	if info, ok := infoMap["a"]; !ok || len(info.Methods) != 1 || info.Methods[0] != "vector" {
		t.Errorf("chunk a should be vector-only, got %+v", info)
	}

	// Highest score must normalise to 1.0.
	if results[0].Score != 1.0 {
		t.Errorf("top score = %f, want 1.0 after normalisation", results[0].Score)
	}
}

func TestFuseRRFMaxResults(t *testing.T) {
	vec := []store.RetrievalResult{
		{ChunkID: "a"}, {ChunkID: "b"}, {ChunkID: "c"},
	}
	results, _ := fuseRRF(vec, nil, 2)
	if len(results) != 2 {
		t.Errorf("expected 2 results with maxResults=2, got %d", len(results))
	}
}

func TestFuseRRFEmptyInputs(t *testing.T) {
	results, _ := fuseRRF(nil, nil, 10)
	if len(results) != 0 {
		t.Errorf("expected 0 results for empty inputs, got %d", len(results))
	}
}

func TestFuseRRFTiesBreakByInsertionOrder(t *testing.T) {
	// "x" ranks first in the vector list and "y" first in the FTS list, so
	// both score 1/61: an exact tie, which sort.SliceStable resolves by
	// insertion order (vector results are inserted before FTS results).
	tied, _ := fuseRRF([]store.RetrievalResult{{ChunkID: "x"}}, []store.RetrievalResult{{ChunkID: "y"}}, 10)
	if tied[0].ChunkID != "x" || tied[1].ChunkID != "y" {
		t.Errorf("expected tie broken by insertion order [x, y], got [%s, %s]", tied[0].ChunkID, tied[1].ChunkID)
	}

	// Within one list, rank order is preserved.
	fts := []store.RetrievalResult{{ChunkID: "x"}, {ChunkID: "y"}}
	results, _ := fuseRRF(nil, fts, 10)
	if results[0].ChunkID != "x" || results[1].ChunkID != "y" {
		t.Errorf("expected FTS rank order preserved [x, y], got [%s, %s]", results[0].ChunkID, results[1].ChunkID)
	}
}

func TestNormalizeScoresAllZeroDefaultsToOne(t *testing.T) {
	results := []store.RetrievalResult{{ChunkID: "a", Score: 0}, {ChunkID: "b", Score: 0}}
	normalizeScores(results)
	for _, r := range results {
		if r.Score != 1.0 {
			t.Errorf("all-zero scores should normalise to 1.0, got %f for %s", r.Score, r.ChunkID)
		}
	}
}

func TestModeThreshold(t *testing.T) {
	cases := []struct {
		mode string
		want float64
	}{
		{"rag", 0.75},
		{"model", 0.50},
		{"agent", 0},
		{"unknown", 0},
	}
	for _, c := range cases {
		if got := modeThreshold(c.mode, 0.75, 0.50); got != c.want {
			t.Errorf("modeThreshold(%q) = %f, want %f", c.mode, got, c.want)
		}
	}
}

func TestApplyThreshold(t *testing.T) {
	results := []store.RetrievalResult{
		{ChunkID: "a", Score: 0.9},
		{ChunkID: "b", Score: 0.4},
	}
	kept := applyThreshold(results, 0.75)
	if len(kept) != 1 || kept[0].ChunkID != "a" {
		t.Errorf("applyThreshold(0.75) = %+v, want only chunk a", kept)
	}

	// Zero threshold (agent mode) is a no-op.
	kept = applyThreshold(results, 0)
	if len(kept) != 2 {
		t.Errorf("applyThreshold(0) should pass everything through, got %d", len(kept))
	}
}

type fakeEmbedder struct {
	vec       []float32
	available bool
	err       error
}

func (f fakeEmbedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

func (f fakeEmbedder) Available() bool { return f.available }

func TestSearchSkipsVectorWhenEmbedderUnavailable(t *testing.T) {
	s := newTestEngineStore(t)
	ctx := context.Background()
	engine := New(s, fakeEmbedder{available: false, err: errors.New("model absent")})

	_, trace, err := engine.Search(ctx, "voltage", SearchOptions{MaxResults: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if trace.EmbedderUsed {
		t.Errorf("EmbedderUsed = true, want false when Available() reports false")
	}
	if trace.VecResults != 0 {
		t.Errorf("VecResults = %d, want 0 when vector search is skipped", trace.VecResults)
	}
}
