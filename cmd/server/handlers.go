package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brunobiangulo/nbrag"
)

type handler struct {
	engine *nbrag.Engine
	cfg    nbrag.Config
}

func newHandler(e *nbrag.Engine, cfg nbrag.Config) *handler {
	return &handler{engine: e, cfg: cfg}
}

func (h *handler) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /notebooks", h.listNotebooks)
	mux.HandleFunc("POST /notebooks", h.createNotebook)
	mux.HandleFunc("GET /notebooks/{id}", h.getNotebook)
	mux.HandleFunc("PATCH /notebooks/{id}", h.updateNotebook)
	mux.HandleFunc("DELETE /notebooks/{id}", h.deleteNotebook)
	mux.HandleFunc("POST /notebooks/{id}/duplicate", h.duplicateNotebook)

	mux.HandleFunc("GET /notebooks/{id}/parsing-settings", h.getParsingSettings)
	mux.HandleFunc("PATCH /notebooks/{id}/parsing-settings", h.updateParsingSettings)

	mux.HandleFunc("GET /notebooks/{id}/sources", h.listSources)
	mux.HandleFunc("POST /notebooks/{id}/sources/upload", h.uploadSource)
	mux.HandleFunc("POST /notebooks/{id}/sources/add-path", h.addSourcePath)
	mux.HandleFunc("PATCH /notebooks/{id}/sources/reorder", h.reorderSources)

	mux.HandleFunc("PATCH /sources/{id}", h.patchSource)
	mux.HandleFunc("POST /sources/{id}/reparse", h.reparseSource)
	mux.HandleFunc("DELETE /sources/{id}/erase", h.eraseSource)
	mux.HandleFunc("DELETE /sources/{id}", h.deleteSource)

	mux.HandleFunc("GET /notebooks/{id}/index/status", h.indexStatus)

	mux.HandleFunc("GET /notebooks/{id}/messages", h.listMessages)
	mux.HandleFunc("DELETE /notebooks/{id}/messages", h.clearMessages)

	mux.HandleFunc("POST /chat", h.chat)
	mux.HandleFunc("GET /chat/stream", h.chatStream)

	mux.HandleFunc("GET /llm/models", h.llmModels)
	mux.HandleFunc("POST /settings/embedding", h.settingsEmbedding)
	mux.HandleFunc("GET /agents", h.agents)
	mux.HandleFunc("GET /files", h.files)

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/health", h.health)
}

// --- Notebooks ---

func (h *handler) listNotebooks(w http.ResponseWriter, r *http.Request) {
	nbs, err := h.engine.ListNotebooks(r.Context())
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notebooks": nbs})
}

func (h *handler) createNotebook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		req.Title = "Untitled Notebook"
	}
	nb, err := h.engine.CreateNotebook(r.Context(), req.Title)
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nb)
}

func (h *handler) getNotebook(w http.ResponseWriter, r *http.Request) {
	nb, err := h.engine.GetNotebook(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nb)
}

func (h *handler) updateNotebook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	nb, err := h.engine.UpdateNotebookTitle(r.Context(), r.PathValue("id"), req.Title)
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nb)
}

func (h *handler) deleteNotebook(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteNotebook(r.Context(), r.PathValue("id")); err != nil {
		writeErrMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) duplicateNotebook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	_ = decodeJSONOptional(r, &req)
	nb, err := h.engine.GetNotebook(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	if req.Title == "" {
		req.Title = nb.Title + " (copy)"
	}
	dup, err := h.engine.DuplicateNotebook(r.Context(), r.PathValue("id"), req.Title)
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dup)
}

// --- Parsing settings ---

func (h *handler) getParsingSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.engine.GetParsingSettings(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) updateParsingSettings(w http.ResponseWriter, r *http.Request) {
	var s nbrag.ParsingSettings
	if !decodeJSON(w, r, &s) {
		return
	}
	if err := h.engine.SetParsingSettings(r.Context(), r.PathValue("id"), s); err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- Sources ---

func (h *handler) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.engine.ListSources(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (h *handler) uploadSource(w http.ResponseWriter, r *http.Request) {
	notebookID := r.PathValue("id")
	limit := h.cfg.UploadLimitBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload exceeds size limit"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "expected multipart field \"file\"")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErr(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeErr(w, http.StatusInternalServerError, "reading upload failed")
		return
	}

	src, err := h.engine.AddSource(r.Context(), notebookID, filepath.Base(header.Filename), data)
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (h *handler) addSourcePath(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	src, err := h.engine.AddSourceFromPath(r.Context(), r.PathValue("id"), req.Path)
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (h *handler) reorderSources(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceIDs []string `json:"source_ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.engine.ReorderSources(r.Context(), r.PathValue("id"), req.SourceIDs); err != nil {
		writeErrMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) patchSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled  *bool                 `json:"enabled"`
		Override *nbrag.ParserOverride `json:"override"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	src, err := h.engine.UpdateSource(r.Context(), r.PathValue("id"), req.Enabled, req.Override)
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (h *handler) reparseSource(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reparse(r.Context(), r.PathValue("id")); err != nil {
		writeErrMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) eraseSource(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.EraseSourceData(r.Context(), r.PathValue("id")); err != nil {
		writeErrMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteSource(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteSourceFully(r.Context(), r.PathValue("id")); err != nil {
		writeErrMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) indexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.IndexStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Messages ---

func (h *handler) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.engine.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *handler) clearMessages(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearMessages(r.Context(), r.PathValue("id")); err != nil {
		writeErrMapped(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Chat ---

type chatRequestBody struct {
	NotebookID        string          `json:"notebook_id"`
	Message           string          `json:"message"`
	Mode              nbrag.ChatMode  `json:"mode"`
	AgentID           string          `json:"agent_id"`
	SelectedSourceIDs []string        `json:"selected_source_ids"`
	ExcludeDisabled   bool            `json:"exclude_disabled"`
	Provider          string          `json:"provider"`
	BaseURL           string          `json:"base_url"`
	Model             string          `json:"model"`
}

func (b chatRequestBody) toParams() nbrag.ChatParams {
	return nbrag.ChatParams{
		NotebookID: b.NotebookID, Message: b.Message, Mode: b.Mode, AgentID: b.AgentID,
		SelectedSourceIDs: b.SelectedSourceIDs, ExcludeDisabled: b.ExcludeDisabled,
		Provider: b.Provider, BaseURL: b.BaseURL, Model: b.Model,
	}
}

// POST /chat buffers the stream and returns the full answer in one response.
func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Mode == "" {
		body.Mode = nbrag.ModeRAG
	}

	events, err := h.engine.Chat(r.Context(), body.toParams())
	if err != nil {
		writeErrMapped(w, err)
		return
	}

	var answer strings.Builder
	var citations any
	var messageID string
	for ev := range events {
		switch ev.Type {
		case "token":
			answer.WriteString(ev.Token)
		case "citations":
			citations = ev.Citations
		case "done":
			messageID = ev.MessageID
		case "error":
			writeErr(w, http.StatusBadGateway, ev.Err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": messageID, "answer": answer.String(), "citations": citations,
	})
}

// GET /chat/stream mirrors POST /chat's body as query parameters and emits
// an SSE frame per event.
func (h *handler) chatStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := chatRequestBody{
		NotebookID: q.Get("notebook_id"), Message: q.Get("message"),
		Mode: nbrag.ChatMode(q.Get("mode")), AgentID: q.Get("agent_id"),
		Provider: q.Get("provider"), BaseURL: q.Get("base_url"), Model: q.Get("model"),
	}
	if body.Mode == "" {
		body.Mode = nbrag.ModeRAG
	}
	if ids := q.Get("selected_source_ids"); ids != "" {
		body.SelectedSourceIDs = strings.Split(ids, ",")
	}

	events, err := h.engine.Chat(r.Context(), body.toParams())
	if err != nil {
		writeErrMapped(w, err)
		return
	}
	serveSSE(w, r, events)
}

// --- LLM / settings / agents / files ---

// GET /llm/models lists the models a running Ollama server reports via
// /api/tags. Other providers don't expose a discovery endpoint this system
// can use, so the caller must pass provider=ollama and a base_url explicitly.
func (h *handler) llmModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := strings.ToLower(strings.TrimSpace(q.Get("provider")))
	baseURL := strings.TrimRight(strings.TrimSpace(q.Get("base_url")), "/")

	if provider == "" || provider == "none" || baseURL == "" {
		writeJSON(w, http.StatusOK, map[string]any{"models": []string{}})
		return
	}
	if provider != "ollama" {
		writeErr(w, http.StatusBadRequest, "unsupported provider: "+provider)
		return
	}

	models, err := fetchOllamaTags(r.Context(), baseURL)
	if err != nil {
		writeErr(w, http.StatusBadGateway, "failed to fetch ollama models: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// fetchOllamaTags mirrors llm.EmbeddingClient's /api/tags probe but returns
// the model names instead of just a liveness bool.
func fetchOllamaTags(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

func (h *handler) settingsEmbedding(w http.ResponseWriter, r *http.Request) {
	writeErr(w, http.StatusNotImplemented, "runtime embedding reconfiguration requires a process restart in this build")
}

func (h *handler) agents(w http.ResponseWriter, r *http.Request) {
	if h.cfg.AgentsDir == "" {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []any{}})
		return
	}
	entries, err := os.ReadDir(h.cfg.AgentsDir)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"agents": []any{}})
		return
	}
	var agents []map[string]any
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(h.cfg.AgentsDir, entry.Name()))
		if err != nil {
			continue
		}
		var manifest map[string]any
		if err := json.Unmarshal(data, &manifest); err != nil {
			slog.Warn("server: skipping malformed agent manifest", "file", entry.Name(), "error", err)
			continue
		}
		agents = append(agents, manifest)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (h *handler) files(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "path is required")
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeErr(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func decodeJSONOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErrMapped classifies a sentinel error from the engine into its HTTP
// status, per the error-handling design's NotFound/Unsupported/Parse
// classification.
func writeErrMapped(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nbrag.ErrNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, nbrag.ErrUnsupportedFormat):
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, nbrag.ErrParseError):
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, nbrag.ErrUploadTooLarge):
		writeErr(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, nbrag.ErrMalformedMultipart):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, nbrag.ErrProviderUnsupported):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, nbrag.ErrUpstreamUnavailable):
		writeErr(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, nbrag.ErrInvalidConfig):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, nbrag.ErrNotebookNotEmpty):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		slog.Error("server: unclassified engine error", "error", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
