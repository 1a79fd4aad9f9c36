package nbrag

import "time"

// ChunkType is the closed set of chunk kinds a block or chunk can carry.
type ChunkType string

const (
	ChunkText    ChunkType = "text"
	ChunkTable   ChunkType = "table"
	ChunkFormula ChunkType = "formula"
	ChunkHeading ChunkType = "heading"
	ChunkCaption ChunkType = "caption"
)

// SourceStatus is the closed set of lifecycle states a Source moves through.
type SourceStatus string

const (
	SourceNew      SourceStatus = "new"
	SourceIndexing SourceStatus = "indexing"
	SourceIndexed  SourceStatus = "indexed"
	SourceFailed   SourceStatus = "failed"
)

// EmbeddingsStatus reports whether a source has at least one non-zero vector.
type EmbeddingsStatus string

const (
	EmbeddingsAvailable   EmbeddingsStatus = "available"
	EmbeddingsUnavailable EmbeddingsStatus = "unavailable"
)

// IndexState is an explicit enum for the per-document indexing outcome,
// replacing a historical 1=success/2=error integer encoding.
type IndexState string

const (
	IndexStateNew     IndexState = "new"
	IndexStateIndexed IndexState = "indexed"
	IndexStateFailed  IndexState = "failed"
)

// ChunkingMethod selects one of the five chunking strategies.
type ChunkingMethod string

const (
	ChunkingGeneral           ChunkingMethod = "general"
	ChunkingContextEnrichment ChunkingMethod = "context_enrichment"
	ChunkingHierarchy         ChunkingMethod = "hierarchy"
	ChunkingPCR               ChunkingMethod = "pcr"
	ChunkingSymbol            ChunkingMethod = "symbol"
)

// DocType selects the heading-regex set the Hierarchy chunker uses.
type DocType string

const (
	DocTypeTechnicalManual DocType = "technical_manual"
	DocTypeGOST            DocType = "gost"
	DocTypeAPIDocs         DocType = "api_docs"
	DocTypeMarkdown        DocType = "markdown"
)

// ChatMode selects the ChatEngine's prompt-assembly and retrieval policy.
type ChatMode string

const (
	ModeRAG   ChatMode = "rag"
	ModeModel ChatMode = "model"
	ModeAgent ChatMode = "agent"
)

// FileKind is the closed set of source file kinds the Extractor dispatches on.
type FileKind string

const (
	FileKindPDF   FileKind = "pdf"
	FileKindDOCX  FileKind = "docx"
	FileKindXLSX  FileKind = "xlsx"
	FileKindOther FileKind = "other"
)

// Notebook is a top-level corpus: it owns Sources, chat history, and its own
// NotebookStore database file.
type Notebook struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParserOverride is a per-source nullable-copy override of ParsingSettings.
// A nil field means "inherit from notebook settings", including for
// OCREnabled.
type ParserOverride struct {
	ChunkSize       *int            `json:"chunk_size,omitempty"`
	ChunkOverlap    *int            `json:"chunk_overlap,omitempty"`
	MinChunkSize    *int            `json:"min_chunk_size,omitempty"`
	OCREnabled      *bool           `json:"ocr_enabled,omitempty"`
	OCRLanguage     *string         `json:"ocr_language,omitempty"`
	ChunkingMethod  *ChunkingMethod `json:"chunking_method,omitempty"`
	ContextWindow   *int            `json:"context_window,omitempty"`
	DocType         *DocType        `json:"doc_type,omitempty"`
	ParentChunkSize *int            `json:"parent_chunk_size,omitempty"`
	ChildChunkSize  *int            `json:"child_chunk_size,omitempty"`
	SymbolSeparator *string         `json:"symbol_separator,omitempty"`
}

// Source is a single file bound to exactly one notebook.
type Source struct {
	ID               string           `json:"id"`
	NotebookID       string           `json:"notebook_id"`
	Filename         string           `json:"filename"`
	Path             string           `json:"path"`
	Kind             FileKind         `json:"kind"`
	SizeBytes        int64            `json:"size_bytes"`
	Status           SourceStatus     `json:"status"`
	Enabled          bool             `json:"enabled"`
	HasDocs          bool             `json:"has_docs"`
	HasParsing       bool             `json:"has_parsing"`
	HasBase          bool             `json:"has_base"`
	EmbeddingsStatus EmbeddingsStatus `json:"embeddings_status"`
	Warning          string           `json:"warning,omitempty"`
	SortOrder        int              `json:"sort_order"`
	Override         *ParserOverride  `json:"override,omitempty"`
	AddedAt          time.Time        `json:"added_at"`
}

// ParsingSettings holds per-notebook chunking defaults.
type ParsingSettings struct {
	ChunkSize        int            `json:"chunk_size"`
	ChunkOverlap     int            `json:"chunk_overlap"`
	MinChunkSize     int            `json:"min_chunk_size"`
	OCREnabled       bool           `json:"ocr_enabled"`
	OCRLanguage      string         `json:"ocr_language"`
	AutoParseOnUpload bool          `json:"auto_parse_on_upload"`
	ChunkingMethod   ChunkingMethod `json:"chunking_method"`
	ContextWindow    int            `json:"context_window"`
	UseLLMSummary    bool           `json:"use_llm_summary"`
	DocType          DocType        `json:"doc_type"`
	ParentChunkSize  int            `json:"parent_chunk_size"`
	ChildChunkSize   int            `json:"child_chunk_size"`
	SymbolSeparator  string         `json:"symbol_separator"`
}

// DefaultParsingSettings seeds a new notebook's settings from Config.
func DefaultParsingSettings(cfg Config) ParsingSettings {
	return ParsingSettings{
		ChunkSize:         cfg.ChunkSize,
		ChunkOverlap:      cfg.ChunkOverlap,
		MinChunkSize:      cfg.MinChunkSize,
		OCREnabled:        cfg.OCREnabled,
		OCRLanguage:       cfg.OCRLanguage,
		AutoParseOnUpload: true,
		ChunkingMethod:    ChunkingGeneral,
		ContextWindow:     cfg.ContextWindow,
		DocType:           DocTypeTechnicalManual,
		ParentChunkSize:   cfg.ParentChunkSize,
		ChildChunkSize:    cfg.ChildChunkSize,
		SymbolSeparator:   cfg.SymbolSeparator,
	}
}

// effective merges a per-source override onto the notebook defaults,
// per-field: effective.F = override.F if override.F != nil else settings.F.
func (p ParsingSettings) effective(o *ParserOverride) ParsingSettings {
	if o == nil {
		return p
	}
	eff := p
	if o.ChunkSize != nil {
		eff.ChunkSize = *o.ChunkSize
	}
	if o.ChunkOverlap != nil {
		eff.ChunkOverlap = *o.ChunkOverlap
	}
	if o.MinChunkSize != nil {
		eff.MinChunkSize = *o.MinChunkSize
	}
	if o.OCREnabled != nil {
		eff.OCREnabled = *o.OCREnabled
	}
	if o.OCRLanguage != nil {
		eff.OCRLanguage = *o.OCRLanguage
	}
	if o.ChunkingMethod != nil {
		eff.ChunkingMethod = *o.ChunkingMethod
	}
	if o.ContextWindow != nil {
		eff.ContextWindow = *o.ContextWindow
	}
	if o.DocType != nil {
		eff.DocType = *o.DocType
	}
	if o.ParentChunkSize != nil {
		eff.ParentChunkSize = *o.ParentChunkSize
	}
	if o.ChildChunkSize != nil {
		eff.ChildChunkSize = *o.ChildChunkSize
	}
	if o.SymbolSeparator != nil {
		eff.SymbolSeparator = *o.SymbolSeparator
	}
	return eff
}

// DocumentMetadata describes a single parsed document.
type DocumentMetadata struct {
	DocID        string          `json:"doc_id"`
	SourceID     string          `json:"source_id"`
	Hash         string          `json:"hash"`
	SizeBytes    int64           `json:"size_bytes"`
	PageCount    int             `json:"page_count"`
	TotalChunks  int             `json:"total_chunks"`
	Language     string          `json:"language,omitempty"`
	ParserVersion string         `json:"parser_version"`
	ParsedAt     time.Time       `json:"parsed_at"`
	Settings     ParsingSettings `json:"settings"`
	IsEnabled    bool            `json:"is_enabled"`
}

// ParsedChunk is the unit the Chunker produces and the NotebookStore persists.
type ParsedChunk struct {
	ChunkID       string    `json:"chunk_id"`
	DocID         string    `json:"doc_id"`
	ChunkIndex    int       `json:"chunk_index"`
	ChunkType     ChunkType `json:"chunk_type"`
	PageNumber    *int      `json:"page_number,omitempty"`
	SectionHeader string    `json:"section_header,omitempty"`
	ParentHeader  string    `json:"parent_header,omitempty"`
	PrevTail      string    `json:"prev_tail,omitempty"`
	NextHead      string    `json:"next_head,omitempty"`
	Text          string    `json:"text"`
	EmbeddingText string    `json:"embedding_text,omitempty"`
	ParentChunkID string    `json:"parent_chunk_id,omitempty"`
	TokenCount    int       `json:"token_count"`
}

// embedTarget returns the text the EmbeddingClient must embed: EmbeddingText
// when set (Context Enrichment / PCR), otherwise Text.
func (p ParsedChunk) embedTarget() string {
	if p.EmbeddingText != "" {
		return p.EmbeddingText
	}
	return p.Text
}

// EmbeddedChunk pairs a ParsedChunk with its dense vector.
type EmbeddedChunk struct {
	ParsedChunk
	Vector          []float32 `json:"vector"`
	EmbeddingModel  string    `json:"embedding_model"`
	EmbeddedAt      time.Time `json:"embedded_at"`
	EmbeddingFailed bool      `json:"embedding_failed"`
}

// ChatMessage is one turn in a notebook's chat history.
type ChatMessage struct {
	ID         string    `json:"id"`
	NotebookID string    `json:"notebook_id"`
	Role       string    `json:"role"` // "user" or "assistant"
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// SavedCitation is a user-persisted pointer back into a source passage.
type SavedCitation struct {
	ID         string    `json:"id"`
	NotebookID string    `json:"notebook_id"`
	SourceID   string    `json:"source_id"`
	ChunkID    string    `json:"chunk_id"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"created_at"`
}

// GlobalNote is a user-persisted note not bound to any one notebook.
type GlobalNote struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Tag is a per-notebook label with an enable flag gating retrieval
// visibility of every document carrying it.
type Tag struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// RetrievalResult is the contract HybridSearch projects surviving rows to.
type RetrievalResult struct {
	SourceID     string  `json:"source_id"`
	Source       string  `json:"source"`
	Page         *int    `json:"page,omitempty"`
	SectionID    string  `json:"section_id,omitempty"`
	SectionTitle string  `json:"section_title,omitempty"`
	Text         string  `json:"text"`
	Type         ChunkType `json:"type"`
	DocID        string  `json:"doc_id"`
	Score        float64 `json:"score"`
}
