package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brunobiangulo/nbrag/store"
)

// Embedder generates query embeddings and reports whether the configured
// model is currently available on the upstream server. *llm.EmbeddingClient
// satisfies this.
type Embedder interface {
	GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Available() bool
}

// SearchOptions configures a single search operation.
type SearchOptions struct {
	MaxResults        int
	SelectedSourceIDs []string
	ExcludeDisabled   bool
}

// SearchTrace records the full breakdown of a hybrid search operation.
type SearchTrace struct {
	VecResults      int                        `json:"vec_results"`
	FTSResults      int                        `json:"fts_results"`
	FusedResults    int                        `json:"fused_results"`
	EmbedderUsed    bool                       `json:"embedder_used"`
	MaxRequested    int                        `json:"max_requested"`
	FTSQuery        string                     `json:"fts_query"`
	ElapsedMs       int64                      `json:"elapsed_ms"`
	PerResult       map[string]FusedResultInfo `json:"per_result,omitempty"`
}

// Engine performs hybrid retrieval combining vector and full-text search.
type Engine struct {
	store    *store.Store
	embedder Embedder
}

// New creates a hybrid search engine. embedder may be nil, in which case
// only FTS candidates are fused.
func New(s *store.Store, embedder Embedder) *Engine {
	return &Engine{store: s, embedder: embedder}
}

// Search retrieves top_n candidates by Reciprocal Rank Fusion of vector
// search and FTS5 search over 3x top_n candidates from each, per
// HybridSearch's algorithm: fuse, normalise to a 1.0 max, then leave
// threshold filtering to the caller (ChatEngine applies the mode-specific
// cutoff after this returns).
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]store.RetrievalResult, *SearchTrace, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	candidateWindow := opts.MaxResults * 3

	trace := &SearchTrace{MaxRequested: opts.MaxResults, FTSQuery: query}
	filter := store.NewRetrievalFilter(opts.SelectedSourceIDs, opts.ExcludeDisabled)

	slog.Debug("retrieval: starting hybrid search", "query_len", len(query), "max_results", opts.MaxResults)
	searchStart := time.Now()

	type result struct {
		results []store.RetrievalResult
		err     error
	}

	vecCh := make(chan result, 1)
	ftsCh := make(chan result, 1)

	useVector := e.embedder != nil && e.embedder.Available()
	trace.EmbedderUsed = useVector

	go func() {
		if !useVector {
			vecCh <- result{nil, nil}
			return
		}
		r, err := e.vectorSearch(ctx, query, candidateWindow, filter)
		vecCh <- result{r, err}
	}()

	go func() {
		r, err := e.store.FTSSearch(ctx, query, candidateWindow, filter)
		ftsCh <- result{r, err}
	}()

	vecRes := <-vecCh
	ftsRes := <-ftsCh

	if vecRes.err != nil {
		slog.Warn("retrieval: vector search failed", "error", vecRes.err)
	}
	trace.VecResults = len(vecRes.results)
	trace.FTSResults = len(ftsRes.results)

	slog.Debug("retrieval: searches complete",
		"vec_results", len(vecRes.results), "fts_results", len(ftsRes.results),
		"elapsed", time.Since(searchStart).Round(time.Millisecond))

	if vecRes.err != nil && ftsRes.err != nil {
		return nil, trace, fmt.Errorf("hybrid search: vector: %v, fts: %w", vecRes.err, ftsRes.err)
	}

	fused, infoMap := fuseRRF(vecRes.results, ftsRes.results, opts.MaxResults)

	trace.FusedResults = len(fused)
	trace.PerResult = infoMap
	trace.ElapsedMs = time.Since(searchStart).Milliseconds()

	return fused, trace, nil
}

// vectorSearch generates an embedding for the query and searches vec_chunks.
func (e *Engine) vectorSearch(ctx context.Context, query string, k int, filter store.RetrievalFilter) ([]store.RetrievalResult, error) {
	embeddings, err := e.embedder.GetEmbeddings(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return e.store.VectorSearch(ctx, embeddings[0], k, filter)
}
