package nbrag

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the notebook RAG engine.
type Config struct {
	// DataRoot is the directory under which docs/, parsing/, notebooks/,
	// store.db, citations/ and notes/ live. Defaults to ./data.
	DataRoot string `json:"data_root" yaml:"data_root"`

	// LLM providers.
	Chat      LLMConfig `json:"chat" yaml:"chat"`
	Embedding LLMConfig `json:"embedding" yaml:"embedding"`

	// Embedding behaviour.
	EmbeddingEnabled    bool   `json:"embedding_enabled" yaml:"embedding_enabled"`
	EmbeddingEndpoint   string `json:"embedding_endpoint" yaml:"embedding_endpoint"`
	EmbeddingDim        int    `json:"embedding_dim" yaml:"embedding_dim"`
	EmbeddingBatchSize  int    `json:"embedding_batch_size" yaml:"embedding_batch_size"`
	NormalizeEmbeddings bool   `json:"normalize_embeddings" yaml:"normalize_embeddings"`
	EmbeddingTimeout    int    `json:"embedding_timeout_seconds" yaml:"embedding_timeout_seconds"`

	// Chat streaming behaviour.
	ChatTimeout int `json:"chat_timeout_seconds" yaml:"chat_timeout_seconds"`
	MaxHistory  int `json:"max_history" yaml:"max_history"`

	// Default chunking parameters (per-notebook ParsingSettings seed these).
	ChunkSize       int    `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap    int    `json:"chunk_overlap" yaml:"chunk_overlap"`
	MinChunkSize    int    `json:"min_chunk_size" yaml:"min_chunk_size"`
	ContextWindow   int    `json:"context_window" yaml:"context_window"`
	ParentChunkSize int    `json:"parent_chunk_size" yaml:"parent_chunk_size"`
	ChildChunkSize  int    `json:"child_chunk_size" yaml:"child_chunk_size"`
	SymbolSeparator string `json:"symbol_separator" yaml:"symbol_separator"`

	// OCR.
	OCREnabled  bool   `json:"ocr_enabled" yaml:"ocr_enabled"`
	OCRLanguage string `json:"ocr_language" yaml:"ocr_language"`

	// Retrieval thresholds (fixed by design, kept as config so tests can
	// override them without touching production constants).
	RAGThreshold   float64 `json:"rag_threshold" yaml:"rag_threshold"`
	ModelThreshold float64 `json:"model_threshold" yaml:"model_threshold"`
	RRFConstant    int     `json:"rrf_constant" yaml:"rrf_constant"`

	// HTTP surface.
	Addr         string   `json:"addr" yaml:"addr"`
	APIKey       string   `json:"api_key" yaml:"api_key"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins"`
	MaxUploadMB  int      `json:"max_upload_mb" yaml:"max_upload_mb"`
	AgentsDir    string   `json:"agents_dir" yaml:"agents_dir"`

	// Debug / test knobs named in the environment-knob table.
	DebugModelMode         bool `json:"debug_model_mode" yaml:"debug_model_mode"`
	ForceFallbackMultipart bool `json:"force_fallback_multipart" yaml:"force_fallback_multipart"`
	EnableLegacyEngine     bool `json:"enable_legacy_engine" yaml:"enable_legacy_engine"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
func DefaultConfig() Config {
	return Config{
		DataRoot: "data",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingEnabled:    true,
		EmbeddingDim:        768,
		EmbeddingBatchSize:  32,
		NormalizeEmbeddings: true,
		EmbeddingTimeout:    120,
		ChatTimeout:         60,
		MaxHistory:          5,
		ChunkSize:           1024,
		ChunkOverlap:        128,
		MinChunkSize:        100,
		ContextWindow:       200,
		ParentChunkSize:     2048,
		ChildChunkSize:      256,
		SymbolSeparator:     "\n\n---\n\n",
		OCRLanguage:         "eng",
		RAGThreshold:        0.75,
		ModelThreshold:      0.50,
		RRFConstant:         60,
		Addr:                ":8080",
		MaxUploadMB:         25,
	}
}

// resolveDataRoot returns the absolute data root, defaulting to "./data".
func (c *Config) resolveDataRoot() string {
	root := c.DataRoot
	if root == "" {
		root = "data"
	}
	if filepath.IsAbs(root) {
		return root
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return root
	}
	return abs
}

// UploadLimitBytes converts MaxUploadMB to the byte ceiling the upload
// handler enforces, defaulting to 25 MB when unset.
func (c *Config) UploadLimitBytes() int64 {
	mb := c.MaxUploadMB
	if mb <= 0 {
		mb = 25
	}
	return int64(mb) * 1048576
}

// ensureDataRoot creates the on-disk directory layout described in the
// external interfaces section: docs/, parsing/, notebooks/, citations/, notes/.
func (c *Config) ensureDataRoot() error {
	root := c.resolveDataRoot()
	for _, sub := range []string{"docs", "parsing", "notebooks", "citations", "notes"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}
