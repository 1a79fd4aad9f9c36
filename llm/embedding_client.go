package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// EmbeddingConfig configures an EmbeddingClient.
type EmbeddingConfig struct {
	BaseURL             string
	Provider            string // "ollama", "openai", "custom"
	Model               string
	FallbackDim         int
	BatchSize           int
	NormalizeEmbeddings bool
	Timeout             time.Duration
}

// EmbeddingClient wraps an embedding endpoint with the candidate-model and
// candidate-endpoint fallback chain this system's degraded-embedding mode
// depends on. It is process-global mutable state (the model-absent flag
// and probed dimension are shared across calls), guarded by a mutex, the
// same shape as the underlying HTTP client's connection reuse.
type EmbeddingClient struct {
	cfg    EmbeddingConfig
	client *http.Client

	mu          sync.Mutex
	modelAbsent bool
	probedDim   int
	probedOnce  bool
}

// NewEmbeddingClient returns an EmbeddingClient with defaults applied.
func NewEmbeddingClient(cfg EmbeddingConfig) *EmbeddingClient {
	if cfg.FallbackDim == 0 {
		cfg.FallbackDim = 768
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 32
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &EmbeddingClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

var notFoundPattern = regexp.MustCompile(`(?i)404|not found|status=404`)

// Probe checks liveness with GET {base}/api/tags and, if live, sends a
// single dimension-probe embedding call whose returned length overrides
// FallbackDim for the remainder of the process.
func (c *EmbeddingClient) Probe(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probedOnce {
		return
	}
	c.probedOnce = true

	if !c.tagsLive(ctx) {
		return
	}

	vecs, err := c.embedCandidates(ctx, []string{"dimension probe"})
	if err != nil || len(vecs) == 0 || len(vecs[0]) == 0 {
		return
	}
	c.probedDim = len(vecs[0])
}

func (c *EmbeddingClient) dim() int {
	if c.probedDim > 0 {
		return c.probedDim
	}
	return c.cfg.FallbackDim
}

// Available reports whether the embedding model is still believed present
// on the server. Once GetEmbeddings observes a 404-shaped error it flips
// to false for the remainder of the process, and HybridSearch skips
// vector search entirely rather than scoring on zero vectors.
func (c *EmbeddingClient) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.modelAbsent
}

// GetEmbeddings embeds texts, returning one vector per text. Disabled or
// model-absent states return zero vectors of the current dimension rather
// than erroring, so ingestion can proceed without embeddings.
func (c *EmbeddingClient) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	absent := c.modelAbsent
	dim := c.dim()
	c.mu.Unlock()

	if absent {
		return zeroVectors(len(texts), dim), nil
	}

	vecs, err := c.embedCandidates(ctx, texts)
	if err != nil {
		if notFoundPattern.MatchString(err.Error()) {
			c.mu.Lock()
			c.modelAbsent = true
			c.mu.Unlock()
		}
		return zeroVectors(len(texts), c.dim()), nil
	}

	out := make([][]float32, len(texts))
	for i := range out {
		if i < len(vecs) && len(vecs[i]) > 0 {
			out[i] = vecs[i]
		} else {
			out[i] = make([]float32, c.dim())
		}
	}

	if c.cfg.NormalizeEmbeddings {
		for i := range out {
			normalize(out[i])
		}
	}
	return out, nil
}

// modelCandidates returns model_name, then the prefix before ":" for
// tagged names like "nomic-embed-text:latest".
func (c *EmbeddingClient) modelCandidates() []string {
	candidates := []string{c.cfg.Model}
	if i := strings.Index(c.cfg.Model, ":"); i > 0 {
		candidates = append(candidates, c.cfg.Model[:i])
	}
	return candidates
}

func (c *EmbeddingClient) embedCandidates(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for _, model := range c.modelCandidates() {
		if present, ok := c.modelListedIn(ctx); ok && !present(model) {
			continue
		}
		vecs, err := c.embedWithModel(ctx, model, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("embedding: no model candidates available")
	}
	return nil, lastErr
}

// modelListedIn probes /api/tags for the set of models the server reports.
// The second return value is false when the probe itself failed (in which
// case the caller should not skip any candidate based on absence).
func (c *EmbeddingClient) modelListedIn(ctx context.Context) (func(string) bool, bool) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, false
	}
	if len(tags.Models) == 0 {
		return nil, false
	}

	present := make(map[string]bool, len(tags.Models))
	for _, m := range tags.Models {
		present[m.Name] = true
	}
	return func(model string) bool { return present[model] }, true
}

func (c *EmbeddingClient) tagsLive(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// embedWithModel iterates endpoint candidates in order: native batch,
// legacy per-text, OpenAI-compatible. The first endpoint that doesn't
// 404 wins; other failures are retried against the next candidate too,
// since a malformed custom server might fail one shape and support
// another.
func (c *EmbeddingClient) embedWithModel(ctx context.Context, model string, texts []string) ([][]float32, error) {
	endpoints := c.endpointCandidates()

	var lastErr error
	for _, ep := range endpoints {
		vecs, err := ep(ctx, model, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

type embedEndpoint func(ctx context.Context, model string, texts []string) ([][]float32, error)

func (c *EmbeddingClient) endpointCandidates() []embedEndpoint {
	nativeBatchPath := "/api/embed"
	legacyPath := "/api/embeddings"
	if strings.HasSuffix(c.cfg.BaseURL, "/api") {
		nativeBatchPath = "/embed"
		legacyPath = "/embeddings"
	}
	return []embedEndpoint{
		func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			return c.postNativeBatch(ctx, nativeBatchPath, model, texts)
		},
		func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			return c.postLegacyPerText(ctx, legacyPath, model, texts)
		},
		func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			return c.postOpenAICompat(ctx, "/v1/embeddings", model, texts)
		},
	}
}

func (c *EmbeddingClient) postNativeBatch(ctx context.Context, path, model string, texts []string) ([][]float32, error) {
	resp, err := c.doJSON(ctx, path, map[string]any{"model": model, "input": texts})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("decoding native batch embed response: %w", err)
	}
	return padOrTruncate(parsed.Embeddings, len(texts)), nil
}

func (c *EmbeddingClient) postLegacyPerText(ctx context.Context, path, model string, texts []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(texts))
	for _, text := range texts {
		resp, err := c.doJSON(ctx, path, map[string]any{"model": model, "prompt": text})
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.Unmarshal(resp, &parsed); err != nil {
			return nil, fmt.Errorf("decoding legacy embed response: %w", err)
		}
		vecs = append(vecs, parsed.Embedding)
	}
	return vecs, nil
}

func (c *EmbeddingClient) postOpenAICompat(ctx context.Context, path, model string, texts []string) ([][]float32, error) {
	resp, err := c.doJSON(ctx, path, map[string]any{"model": model, "input": texts})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("decoding OpenAI-compatible embed response: %w", err)
	}
	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, nil
}

// doJSON issues a POST with exponential backoff across maxRetries attempts.
// A 429 is retried on the same schedule as the other retryable status
// codes; the Retry-After header is not read.
func (c *EmbeddingClient) doJSON(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(data)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return respBody, nil
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("embedding endpoint %s: status=404: %s", url, string(respBody))
		}
		lastErr = fmt.Errorf("embedding endpoint %s error %d: %s", url, resp.StatusCode, string(respBody))
		if !retryableStatusCode(resp.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("embedding: max retries exceeded: %w", lastErr)
}

func padOrTruncate(vecs [][]float32, n int) [][]float32 {
	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		if i < len(vecs) {
			out[i] = vecs[i]
		}
	}
	return out
}

func zeroVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
	}
	return out
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
}
