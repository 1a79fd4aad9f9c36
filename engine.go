package nbrag

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brunobiangulo/nbrag/chat"
	"github.com/brunobiangulo/nbrag/llm"
	"github.com/brunobiangulo/nbrag/parser"
	"github.com/brunobiangulo/nbrag/retrieval"
	"github.com/brunobiangulo/nbrag/store"
)

// Engine is the Orchestrator: it owns the global registry, every open
// per-notebook database, and the background indexing workers. cmd/server
// binds its HTTP handlers directly to an *Engine.
type Engine struct {
	cfg     Config
	global  *store.GlobalStore
	parsers *parser.Registry
	embed   *llm.EmbeddingClient
	chatLLM llm.StreamingProvider

	mu        sync.Mutex
	notebooks map[string]*notebookRuntime
}

// notebookRuntime bundles the objects that exist only once a notebook's
// database has been opened: its Store, HybridSearch engine, and ChatEngine.
type notebookRuntime struct {
	store     *store.Store
	retriever *retrieval.Engine
	chat      *chat.Engine
}

// IndexStatus is the aggregate source-lifecycle counters for a notebook.
type IndexStatus struct {
	Total    int `json:"total"`
	Indexed  int `json:"indexed"`
	Indexing int `json:"indexing"`
	Failed   int `json:"failed"`
}

// ChatParams is one chat turn submitted through the Orchestrator. Provider/
// BaseURL/Model optionally override the configured chat LLM for this turn
// only, mirroring the per-request override fields on POST /chat.
type ChatParams struct {
	NotebookID        string
	Message           string
	Mode              ChatMode
	AgentID           string
	SelectedSourceIDs []string
	ExcludeDisabled   bool
	Provider          string
	BaseURL           string
	Model             string
}

// NewEngine opens the global registry, builds the configured LLM providers,
// reconciles source state left over from an unclean shutdown, and seeds an
// empty notebook on a fresh data root.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.ensureDataRoot(); err != nil {
		return nil, fmt.Errorf("preparing data root: %w", err)
	}
	root := cfg.resolveDataRoot()

	global, err := store.NewGlobalStore(filepath.Join(root, "store.db"))
	if err != nil {
		return nil, fmt.Errorf("opening global store: %w", err)
	}

	chatProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		global.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}
	streaming, ok := chatProvider.(llm.StreamingProvider)
	if !ok {
		global.Close()
		return nil, fmt.Errorf("chat provider %q does not support streaming", cfg.Chat.Provider)
	}

	var embed *llm.EmbeddingClient
	if cfg.EmbeddingEnabled {
		baseURL := cfg.Embedding.BaseURL
		if baseURL == "" {
			baseURL = cfg.EmbeddingEndpoint
		}
		embed = llm.NewEmbeddingClient(llm.EmbeddingConfig{
			BaseURL:             baseURL,
			Provider:            cfg.Embedding.Provider,
			Model:               cfg.Embedding.Model,
			FallbackDim:         cfg.EmbeddingDim,
			BatchSize:           cfg.EmbeddingBatchSize,
			NormalizeEmbeddings: cfg.NormalizeEmbeddings,
			Timeout:             time.Duration(cfg.EmbeddingTimeout) * time.Second,
		})
	}

	parser.OCRLanguage = cfg.OCRLanguage

	e := &Engine{
		cfg:       cfg,
		global:    global,
		parsers:   parser.NewRegistry(),
		embed:     embed,
		chatLLM:   streaming,
		notebooks: make(map[string]*notebookRuntime),
	}

	slog.Info("orchestrator: reconciling source state from last run")
	if err := global.ReconcileOnStartup(context.Background(), func(path string) bool {
		_, statErr := os.Stat(path)
		return statErr == nil
	}); err != nil {
		global.Close()
		return nil, fmt.Errorf("reconciling startup state: %w", err)
	}

	notebooksList, err := global.ListNotebooks(context.Background())
	if err != nil {
		global.Close()
		return nil, fmt.Errorf("listing notebooks: %w", err)
	}
	if len(notebooksList) == 0 {
		now := time.Now().UTC()
		nb := store.Notebook{ID: newID("nb"), Title: "Untitled Notebook", CreatedAt: now, UpdatedAt: now}
		if err := global.UpsertNotebook(context.Background(), nb); err != nil {
			global.Close()
			return nil, fmt.Errorf("seeding first notebook: %w", err)
		}
		settings, _ := json.Marshal(DefaultParsingSettings(cfg))
		_ = global.SetParsingSettingsJSON(context.Background(), nb.ID, string(settings))
		slog.Info("orchestrator: seeded empty notebook", "notebook_id", nb.ID)
	}

	return e, nil
}

// Close shuts down every open notebook database and the global registry.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for id, rt := range e.notebooks {
		if err := rt.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing notebook %s: %w", id, err)
		}
	}
	e.notebooks = make(map[string]*notebookRuntime)
	if err := e.global.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// newID returns a random, collision-resistant identifier of the form
// "<prefix>_<hex>", the same crypto/rand-plus-hex idiom the chat package's
// message IDs use.
func newID(prefix string) string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return prefix + "_0000000000000000000000"
	}
	return prefix + "_" + hex.EncodeToString(buf[:])
}

// --- Notebook lifecycle ---

func (e *Engine) notebookDBPath(notebookID string) string {
	return filepath.Join(e.cfg.resolveDataRoot(), "notebooks", notebookID+".db")
}

func (e *Engine) notebookDocsDir(notebookID string) string {
	return filepath.Join(e.cfg.resolveDataRoot(), "docs", notebookID)
}

func (e *Engine) notebookParsingDir(notebookID string) string {
	return filepath.Join(e.cfg.resolveDataRoot(), "parsing", notebookID)
}

func (e *Engine) notebookCitationsDir(notebookID string) string {
	return filepath.Join(e.cfg.resolveDataRoot(), "citations", notebookID)
}

// runtime opens (or returns the cached) Store/HybridSearch/ChatEngine
// trio for a notebook. Notebook databases are opened lazily so listing
// notebooks never touches sqlite.
func (e *Engine) runtime(notebookID string) (*notebookRuntime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rt, ok := e.notebooks[notebookID]; ok {
		return rt, nil
	}

	if err := os.MkdirAll(filepath.Dir(e.notebookDBPath(notebookID)), 0o755); err != nil {
		return nil, fmt.Errorf("creating notebook db directory: %w", err)
	}
	s, err := store.New(e.notebookDBPath(notebookID), e.cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening notebook store: %w", err)
	}

	var embedder retrieval.Embedder
	if e.embed != nil {
		embedder = e.embed
	}
	retriever := retrieval.New(s, embedder)
	chatEngine := chat.New(s, retriever, e.chatLLM, chat.Config{
		MaxHistory:     e.cfg.MaxHistory,
		RAGThreshold:   e.cfg.RAGThreshold,
		ModelThreshold: e.cfg.ModelThreshold,
	})

	rt := &notebookRuntime{store: s, retriever: retriever, chat: chatEngine}
	e.notebooks[notebookID] = rt
	return rt, nil
}

// closeRuntime drops and closes a notebook's open database, if any. Used
// before a notebook's on-disk database file is removed or replaced.
func (e *Engine) closeRuntime(notebookID string) error {
	e.mu.Lock()
	rt, ok := e.notebooks[notebookID]
	delete(e.notebooks, notebookID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return rt.store.Close()
}

// CreateNotebook creates an empty notebook seeded with default parsing settings.
func (e *Engine) CreateNotebook(ctx context.Context, title string) (Notebook, error) {
	now := time.Now().UTC()
	nb := store.Notebook{ID: newID("nb"), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := e.global.UpsertNotebook(ctx, nb); err != nil {
		return Notebook{}, fmt.Errorf("creating notebook: %w", err)
	}
	settings, _ := json.Marshal(DefaultParsingSettings(e.cfg))
	if err := e.global.SetParsingSettingsJSON(ctx, nb.ID, string(settings)); err != nil {
		return Notebook{}, fmt.Errorf("seeding parsing settings: %w", err)
	}
	return Notebook{ID: nb.ID, Title: nb.Title, CreatedAt: nb.CreatedAt, UpdatedAt: nb.UpdatedAt}, nil
}

// GetNotebook returns a single notebook.
func (e *Engine) GetNotebook(ctx context.Context, id string) (Notebook, error) {
	nb, err := e.global.GetNotebook(ctx, id)
	if err != nil {
		return Notebook{}, fmt.Errorf("%w: notebook %s", ErrNotFound, id)
	}
	return Notebook{ID: nb.ID, Title: nb.Title, CreatedAt: nb.CreatedAt, UpdatedAt: nb.UpdatedAt}, nil
}

// ListNotebooks returns every notebook.
func (e *Engine) ListNotebooks(ctx context.Context) ([]Notebook, error) {
	nbs, err := e.global.ListNotebooks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Notebook, len(nbs))
	for i, nb := range nbs {
		out[i] = Notebook{ID: nb.ID, Title: nb.Title, CreatedAt: nb.CreatedAt, UpdatedAt: nb.UpdatedAt}
	}
	return out, nil
}

// UpdateNotebookTitle renames a notebook.
func (e *Engine) UpdateNotebookTitle(ctx context.Context, id, title string) (Notebook, error) {
	nb, err := e.global.GetNotebook(ctx, id)
	if err != nil {
		return Notebook{}, fmt.Errorf("%w: notebook %s", ErrNotFound, id)
	}
	nb.Title = title
	nb.UpdatedAt = time.Now().UTC()
	if err := e.global.UpsertNotebook(ctx, *nb); err != nil {
		return Notebook{}, err
	}
	return Notebook{ID: nb.ID, Title: nb.Title, CreatedAt: nb.CreatedAt, UpdatedAt: nb.UpdatedAt}, nil
}

// DeleteNotebook cascades: it drops the notebook row (and its sources via
// ON DELETE CASCADE), closes and removes its database file, and removes
// its on-disk docs/parsing/citations directories.
func (e *Engine) DeleteNotebook(ctx context.Context, id string) error {
	if err := e.closeRuntime(id); err != nil {
		slog.Warn("orchestrator: closing notebook store before delete failed", "notebook_id", id, "error", err)
	}
	if err := e.global.DeleteNotebook(ctx, id); err != nil {
		return fmt.Errorf("deleting notebook row: %w", err)
	}
	for _, dir := range []string{
		e.notebookDocsDir(id), e.notebookParsingDir(id), e.notebookCitationsDir(id),
	} {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("orchestrator: removing notebook directory failed", "dir", dir, "error", err)
		}
	}
	if err := os.Remove(e.notebookDBPath(id)); err != nil && !os.IsNotExist(err) {
		slog.Warn("orchestrator: removing notebook database failed", "notebook_id", id, "error", err)
	}
	return nil
}

// DuplicateNotebook deep-copies GlobalStore rows under new IDs, then copies
// on-disk files, parsing JSONs, and the per-notebook database. The copied
// database's doc_id values are left unchanged (they're scoped to the new
// notebook's own database file, not globally unique), so no doc_id rewrite
// is required once the database file itself is physically duplicated.
func (e *Engine) DuplicateNotebook(ctx context.Context, srcID, newTitle string) (Notebook, error) {
	srcSources, err := e.global.ListSources(ctx, srcID)
	if err != nil {
		return Notebook{}, fmt.Errorf("listing source notebook's sources: %w", err)
	}

	newID_ := newID("nb")
	idMap := make(map[string]string, len(srcSources))
	for _, s := range srcSources {
		idMap[s.ID] = newID("src")
	}

	now := time.Now().UTC()
	if err := e.global.DuplicateNotebook(ctx, srcID, newID_, newTitle, idMap, now); err != nil {
		return Notebook{}, fmt.Errorf("duplicating notebook rows: %w", err)
	}

	if err := os.MkdirAll(e.notebookDocsDir(newID_), 0o755); err != nil {
		return Notebook{}, fmt.Errorf("creating duplicated docs dir: %w", err)
	}
	if err := os.MkdirAll(e.notebookParsingDir(newID_), 0o755); err != nil {
		return Notebook{}, fmt.Errorf("creating duplicated parsing dir: %w", err)
	}

	for oldSrcID, newSrcID := range idMap {
		src, err := e.global.GetSource(ctx, newSrcID)
		if err != nil {
			continue
		}
		// src.Path still points at the original notebook's copy (a plain
		// field-for-field row duplication); rewrite it once the file itself
		// has been physically copied, so the duplicate survives the source
		// notebook later being deleted.
		basename := filepath.Base(src.Path)
		newPath := filepath.Join(e.notebookDocsDir(newID_), basename)
		if data, err := os.ReadFile(filepath.Join(e.notebookDocsDir(srcID), basename)); err == nil {
			if err := os.WriteFile(newPath, data, 0o644); err == nil {
				src.Path = newPath
				_ = e.global.UpsertSource(ctx, *src)
			}
		}
		oldParsing := filepath.Join(e.notebookParsingDir(srcID), "doc_"+oldSrcID+".json")
		if data, err := os.ReadFile(oldParsing); err == nil {
			newParsing := filepath.Join(e.notebookParsingDir(newID_), "doc_"+newSrcID+".json")
			_ = os.WriteFile(newParsing, data, 0o644)
		}
	}

	if data, err := os.ReadFile(e.notebookDBPath(srcID)); err == nil {
		if err := os.WriteFile(e.notebookDBPath(newID_), data, 0o644); err != nil {
			slog.Warn("orchestrator: copying notebook database failed", "error", err)
		}
	}

	return e.GetNotebook(ctx, newID_)
}

// --- Parsing settings ---

// GetParsingSettings returns a notebook's stored ParsingSettings.
func (e *Engine) GetParsingSettings(ctx context.Context, notebookID string) (ParsingSettings, error) {
	raw, err := e.global.GetParsingSettingsJSON(ctx, notebookID)
	if err != nil {
		return DefaultParsingSettings(e.cfg), nil
	}
	var s ParsingSettings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return DefaultParsingSettings(e.cfg), fmt.Errorf("decoding parsing settings: %w", err)
	}
	return s, nil
}

// SetParsingSettings replaces a notebook's stored ParsingSettings.
func (e *Engine) SetParsingSettings(ctx context.Context, notebookID string, s ParsingSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return e.global.SetParsingSettingsJSON(ctx, notebookID, string(data))
}

// --- Sources ---

func fileKindForExt(filename string) FileKind {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FileKindPDF
	case ".docx":
		return FileKindDOCX
	case ".xlsx":
		return FileKindXLSX
	default:
		return FileKindOther
	}
}

// uniquePath returns a filename guaranteed not to collide with an existing
// file in dir, inserting "_1", "_2", ... before the extension as needed.
func uniquePath(dir, filename string) string {
	candidate := filename
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

func toRootSource(s store.Source) (Source, error) {
	out := Source{
		ID: s.ID, NotebookID: s.NotebookID, Filename: s.Filename, Path: s.Path,
		Kind: FileKind(s.Kind), SizeBytes: s.SizeBytes, Status: SourceStatus(s.Status),
		Enabled: s.Enabled, HasDocs: s.HasDocs, HasParsing: s.HasParsing, HasBase: s.HasBase,
		EmbeddingsStatus: EmbeddingsStatus(s.EmbeddingsStatus), Warning: s.Warning,
		SortOrder: s.SortOrder, AddedAt: s.AddedAt,
	}
	if s.OverrideJSON != "" {
		var o ParserOverride
		if err := json.Unmarshal([]byte(s.OverrideJSON), &o); err != nil {
			return Source{}, fmt.Errorf("decoding source override: %w", err)
		}
		out.Override = &o
	}
	return out, nil
}

// ListSources returns a notebook's sources in display order.
func (e *Engine) ListSources(ctx context.Context, notebookID string) ([]Source, error) {
	sources, err := e.global.ListSources(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		rs, err := toRootSource(s)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, nil
}

// AddSource registers a new source from bytes already read into memory
// (the upload path) and writes them under data/docs/{notebook}/, uniquifying
// the filename if one already exists. If the notebook's ParsingSettings has
// AutoParseOnUpload set, indexing starts immediately in the background.
func (e *Engine) AddSource(ctx context.Context, notebookID, filename string, data []byte) (Source, error) {
	docsDir := e.notebookDocsDir(notebookID)
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return Source{}, fmt.Errorf("creating docs directory: %w", err)
	}
	finalName := uniquePath(docsDir, filepath.Base(filename))
	fullPath := filepath.Join(docsDir, finalName)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Source{}, fmt.Errorf("writing uploaded file: %w", err)
	}

	existing, err := e.global.ListSources(ctx, notebookID)
	if err != nil {
		return Source{}, err
	}

	src := store.Source{
		ID: newID("src"), NotebookID: notebookID, Filename: finalName, Path: fullPath,
		Kind: string(fileKindForExt(finalName)), SizeBytes: int64(len(data)),
		Status: string(SourceNew), Enabled: true, EmbeddingsStatus: string(EmbeddingsUnavailable),
		SortOrder: len(existing) + 1, AddedAt: time.Now().UTC(),
	}
	if err := e.global.UpsertSource(ctx, src); err != nil {
		return Source{}, fmt.Errorf("registering source: %w", err)
	}

	settings, _ := e.GetParsingSettings(ctx, notebookID)
	if settings.AutoParseOnUpload {
		e.startIndexing(notebookID, src.ID)
	}

	out, err := toRootSource(src)
	return out, err
}

// AddSourceFromPath registers an existing on-disk file as a source without
// copying it — the "add-path" route, for files already reachable by the
// server process.
func (e *Engine) AddSourceFromPath(ctx context.Context, notebookID, path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	existing, err := e.global.ListSources(ctx, notebookID)
	if err != nil {
		return Source{}, err
	}
	filename := filepath.Base(path)
	src := store.Source{
		ID: newID("src"), NotebookID: notebookID, Filename: filename, Path: path,
		Kind: string(fileKindForExt(filename)), SizeBytes: info.Size(),
		Status: string(SourceNew), Enabled: true, EmbeddingsStatus: string(EmbeddingsUnavailable),
		SortOrder: len(existing) + 1, AddedAt: time.Now().UTC(),
	}
	if err := e.global.UpsertSource(ctx, src); err != nil {
		return Source{}, fmt.Errorf("registering source: %w", err)
	}

	settings, _ := e.GetParsingSettings(ctx, notebookID)
	if settings.AutoParseOnUpload {
		e.startIndexing(notebookID, src.ID)
	}

	return toRootSource(src)
}

// ReorderSources applies a new display order to a notebook's sources.
func (e *Engine) ReorderSources(ctx context.Context, notebookID string, orderedIDs []string) error {
	for i, id := range orderedIDs {
		s, err := e.global.GetSource(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: source %s", ErrNotFound, id)
		}
		if s.NotebookID != notebookID {
			return fmt.Errorf("%w: source %s does not belong to notebook %s", ErrInvalidConfig, id, notebookID)
		}
		s.SortOrder = i + 1
		if err := e.global.UpsertSource(ctx, *s); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSource patches a source's enable flag and/or per-source parser
// override. Either argument may be nil to leave that field untouched.
func (e *Engine) UpdateSource(ctx context.Context, sourceID string, enabled *bool, override *ParserOverride) (Source, error) {
	s, err := e.global.GetSource(ctx, sourceID)
	if err != nil {
		return Source{}, fmt.Errorf("%w: source %s", ErrNotFound, sourceID)
	}
	if enabled != nil {
		s.Enabled = *enabled
	}
	if override != nil {
		data, err := json.Marshal(override)
		if err != nil {
			return Source{}, err
		}
		s.OverrideJSON = string(data)
	}
	if err := e.global.UpsertSource(ctx, *s); err != nil {
		return Source{}, err
	}
	return toRootSource(*s)
}

// Reparse transitions a source to indexing and starts a background worker
// for it, regardless of its current status (used for both first-time parse
// when auto-parse is off, and explicit re-parse requests).
func (e *Engine) Reparse(ctx context.Context, sourceID string) error {
	s, err := e.global.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("%w: source %s", ErrNotFound, sourceID)
	}
	e.startIndexing(s.NotebookID, s.ID)
	return nil
}

// EraseSourceData removes a source's parsed/embedded data (NotebookStore
// rows and the parsing JSON sidecar) and returns it to the "new" state,
// keeping the on-disk original file untouched.
func (e *Engine) EraseSourceData(ctx context.Context, sourceID string) error {
	s, err := e.global.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("%w: source %s", ErrNotFound, sourceID)
	}
	rt, err := e.runtime(s.NotebookID)
	if err != nil {
		return err
	}
	docID := "doc_" + s.ID
	if err := rt.store.DeleteDocumentData(ctx, docID); err != nil {
		slog.Warn("orchestrator: erasing document data failed", "source_id", sourceID, "error", err)
	}
	_ = os.Remove(filepath.Join(e.notebookParsingDir(s.NotebookID), docID+".json"))

	s.Status = string(SourceNew)
	s.HasParsing, s.HasBase = false, false
	s.EmbeddingsStatus = string(EmbeddingsUnavailable)
	s.Warning = ""
	return e.global.UpsertSource(ctx, *s)
}

// DeleteSourceFile removes the on-disk original while leaving the indexed
// data and source row intact, so retrieval keeps working on already-parsed
// content even though the file itself is gone.
func (e *Engine) DeleteSourceFile(ctx context.Context, sourceID string) error {
	s, err := e.global.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("%w: source %s", ErrNotFound, sourceID)
	}
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		slog.Warn("orchestrator: deleting source file failed", "source_id", sourceID, "error", err)
	}
	s.HasDocs = false
	return e.global.UpsertSource(ctx, *s)
}

// DeleteSourceFully removes the source row, its on-disk file, its
// NotebookStore rows, its parsing JSON, and any saved citations pointing
// at it.
func (e *Engine) DeleteSourceFully(ctx context.Context, sourceID string) error {
	s, err := e.global.GetSource(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("%w: source %s", ErrNotFound, sourceID)
	}

	if rt, err := e.runtime(s.NotebookID); err == nil {
		docID := "doc_" + s.ID
		if err := rt.store.DeleteDocumentFully(ctx, docID); err != nil {
			slog.Warn("orchestrator: deleting document data failed", "source_id", sourceID, "error", err)
		}
	}
	_ = os.Remove(s.Path)
	_ = os.Remove(filepath.Join(e.notebookParsingDir(s.NotebookID), "doc_"+s.ID+".json"))

	if citations, err := e.ListCitations(ctx, s.NotebookID); err == nil {
		for _, c := range citations {
			if c.SourceID == s.ID {
				_ = e.DeleteCitation(ctx, s.NotebookID, c.ID)
			}
		}
	}

	return e.global.DeleteSource(ctx, sourceID)
}

// IndexStatus returns the aggregate lifecycle counters for a notebook.
func (e *Engine) IndexStatus(ctx context.Context, notebookID string) (IndexStatus, error) {
	sources, err := e.global.ListSources(ctx, notebookID)
	if err != nil {
		return IndexStatus{}, err
	}
	var status IndexStatus
	status.Total = len(sources)
	for _, s := range sources {
		switch SourceStatus(s.Status) {
		case SourceIndexed:
			status.Indexed++
		case SourceIndexing:
			status.Indexing++
		case SourceFailed:
			status.Failed++
		}
	}
	return status, nil
}

// --- Chat history ---

// ListMessages returns a notebook's chat history, oldest first.
func (e *Engine) ListMessages(ctx context.Context, notebookID string) ([]ChatMessage, error) {
	rt, err := e.runtime(notebookID)
	if err != nil {
		return nil, err
	}
	msgs, err := rt.store.ListMessages(ctx, -1) // -1: no limit
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = ChatMessage{ID: m.ID, NotebookID: notebookID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	}
	return out, nil
}

// ClearMessages wipes a notebook's chat history and bumps chat_version so
// any in-flight stream for this notebook discards its answer instead of
// persisting it.
func (e *Engine) ClearMessages(ctx context.Context, notebookID string) error {
	rt, err := e.runtime(notebookID)
	if err != nil {
		return err
	}
	if err := rt.store.ClearMessages(ctx); err != nil {
		return err
	}
	rt.chat.BumpVersion(notebookID)
	return nil
}

// --- Chat ---

// Chat opens a streaming chat turn. When params.Provider/BaseURL/Model are
// set, a one-off provider is built for this turn only; otherwise the
// Engine's configured chat provider is used.
func (e *Engine) Chat(ctx context.Context, params ChatParams) (<-chan chat.Event, error) {
	rt, err := e.runtime(params.NotebookID)
	if err != nil {
		return nil, err
	}

	engine := rt.chat
	if params.Provider != "" {
		p, err := llm.NewProvider(llm.Config{Provider: params.Provider, Model: params.Model, BaseURL: params.BaseURL})
		if err != nil {
			return nil, fmt.Errorf("building per-request provider: %w", err)
		}
		streaming, ok := p.(llm.StreamingProvider)
		if !ok {
			return nil, fmt.Errorf("%w: provider %q does not support streaming", ErrProviderUnsupported, params.Provider)
		}
		engine = chat.New(rt.store, rt.retriever, streaming, chat.Config{
			MaxHistory:     e.cfg.MaxHistory,
			RAGThreshold:   e.cfg.RAGThreshold,
			ModelThreshold: e.cfg.ModelThreshold,
		})
	}

	sources, err := e.global.ListSources(ctx, params.NotebookID)
	if err != nil {
		return nil, err
	}
	order := make([]chat.Source, len(sources))
	for i, s := range sources {
		order[i] = chat.Source{ID: s.ID, Filename: s.Filename}
	}

	return engine.Stream(ctx, chat.Request{
		NotebookID:        params.NotebookID,
		Query:             params.Message,
		Mode:              chat.Mode(params.Mode),
		AgentID:           params.AgentID,
		SourceOrder:       order,
		SelectedSourceIDs: params.SelectedSourceIDs,
		ExcludeDisabled:   params.ExcludeDisabled,
	})
}

// --- Saved citations ---

// SaveCitation persists a user-bookmarked passage as a JSON sidecar file,
// following the on-disk JSON-sidecar pattern already used for parsing
// intermediates; no database row is written. query is used only to pick the
// most relevant snippet of the chunk's text; it is not stored.
func (e *Engine) SaveCitation(ctx context.Context, notebookID, sourceID, chunkID, chunkText, query string) (SavedCitation, error) {
	c := SavedCitation{
		ID: newID("cit"), NotebookID: notebookID, SourceID: sourceID, ChunkID: chunkID,
		Snippet: buildCitationSnippet(chunkText, query), CreatedAt: time.Now().UTC(),
	}
	dir := e.notebookCitationsDir(notebookID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SavedCitation{}, fmt.Errorf("creating citations directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return SavedCitation{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, c.ID+".json"), data, 0o644); err != nil {
		return SavedCitation{}, fmt.Errorf("writing citation sidecar: %w", err)
	}
	return c, nil
}

// ListCitations reads every saved citation sidecar file for a notebook.
func (e *Engine) ListCitations(ctx context.Context, notebookID string) ([]SavedCitation, error) {
	dir := e.notebookCitationsDir(notebookID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []SavedCitation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var c SavedCitation
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteCitation removes a saved citation's sidecar file.
func (e *Engine) DeleteCitation(ctx context.Context, notebookID, citationID string) error {
	err := os.Remove(filepath.Join(e.notebookCitationsDir(notebookID), citationID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// --- Global notes ---

func (e *Engine) notesDir() string {
	return filepath.Join(e.cfg.resolveDataRoot(), "notes")
}

// SaveNote persists a global note not bound to any notebook.
func (e *Engine) SaveNote(ctx context.Context, title, content string) (GlobalNote, error) {
	n := GlobalNote{ID: newID("note"), Title: title, Content: content, CreatedAt: time.Now().UTC()}
	if err := os.MkdirAll(e.notesDir(), 0o755); err != nil {
		return GlobalNote{}, fmt.Errorf("creating notes directory: %w", err)
	}
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return GlobalNote{}, err
	}
	if err := os.WriteFile(filepath.Join(e.notesDir(), n.ID+".json"), data, 0o644); err != nil {
		return GlobalNote{}, fmt.Errorf("writing note: %w", err)
	}
	return n, nil
}

// ListNotes reads every saved global note.
func (e *Engine) ListNotes(ctx context.Context) ([]GlobalNote, error) {
	entries, err := os.ReadDir(e.notesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []GlobalNote
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.notesDir(), entry.Name()))
		if err != nil {
			continue
		}
		var n GlobalNote
		if err := json.Unmarshal(data, &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// DeleteNote removes a saved global note.
func (e *Engine) DeleteNote(ctx context.Context, noteID string) error {
	err := os.Remove(filepath.Join(e.notesDir(), noteID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
