//go:build cgo

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brunobiangulo/nbrag"
)

func newTestServer(t *testing.T) (*httptest.Server, *nbrag.Engine) {
	t.Helper()
	cfg := nbrag.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.EmbeddingEnabled = false
	cfg.Chat = nbrag.LLMConfig{Provider: "custom", BaseURL: "http://127.0.0.1:0"}
	cfg.MaxUploadMB = 0 // exercise UploadLimitBytes' 25MB default fallback

	engine, err := nbrag.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	mux := http.NewServeMux()
	newHandler(engine, cfg).routes(mux)
	var h http.Handler = mux
	h = recoveryMiddleware(h)
	h = authMiddleware(cfg.APIKey, h)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, engine
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestHealthEndpointsBypassAuth(t *testing.T) {
	cfg := nbrag.DefaultConfig()
	cfg.DataRoot = t.TempDir()
	cfg.EmbeddingEnabled = false
	cfg.APIKey = "secret"
	cfg.Chat = nbrag.LLMConfig{Provider: "custom", BaseURL: "http://127.0.0.1:0"}

	engine, err := nbrag.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	mux := http.NewServeMux()
	newHandler(engine, cfg).routes(mux)
	h := authMiddleware(cfg.APIKey, mux)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/health", "/api/health"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s with APIKey set and no Authorization header = %d, want 200", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/notebooks")
	if err != nil {
		t.Fatalf("GET /notebooks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("GET /notebooks without Authorization = %d, want 401", resp.StatusCode)
	}
}

func TestNotebookCRUDRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	createResp, err := http.Post(srv.URL+"/notebooks", "application/json", strings.NewReader(`{"title":"Routing"}`))
	if err != nil {
		t.Fatalf("POST /notebooks: %v", err)
	}
	if createResp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /notebooks status = %d, want 201", createResp.StatusCode)
	}
	var nb nbrag.Notebook
	decodeBody(t, createResp, &nb)
	if nb.Title != "Routing" {
		t.Errorf("created notebook Title = %q, want %q", nb.Title, "Routing")
	}

	getResp, err := http.Get(srv.URL + "/notebooks/" + nb.ID)
	if err != nil {
		t.Fatalf("GET /notebooks/{id}: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("GET /notebooks/{id} status = %d, want 200", getResp.StatusCode)
	}
	getResp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/notebooks/"+nb.ID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /notebooks/{id}: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE /notebooks/{id} status = %d, want 204", delResp.StatusCode)
	}

	goneResp, err := http.Get(srv.URL + "/notebooks/" + nb.ID)
	if err != nil {
		t.Fatalf("GET deleted notebook: %v", err)
	}
	goneResp.Body.Close()
	if goneResp.StatusCode != http.StatusNotFound {
		t.Errorf("GET deleted notebook status = %d, want 404 (ErrNotFound mapping)", goneResp.StatusCode)
	}
}

func TestGetNotebookUnknownIDMapsToNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/notebooks/does-not-exist")
	if err != nil {
		t.Fatalf("GET /notebooks/{id}: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] == "" {
		t.Error("expected non-empty error message in body")
	}
}

func TestUploadSourceRoundTrip(t *testing.T) {
	srv, engine := newTestServer(t)
	ctx := t.Context()

	nb, err := engine.CreateNotebook(ctx, "Uploads")
	if err != nil {
		t.Fatalf("CreateNotebook: %v", err)
	}
	settings, err := engine.GetParsingSettings(ctx, nb.ID)
	if err != nil {
		t.Fatalf("GetParsingSettings: %v", err)
	}
	settings.AutoParseOnUpload = false
	if err := engine.SetParsingSettings(ctx, nb.ID, settings); err != nil {
		t.Fatalf("SetParsingSettings: %v", err)
	}

	var body strings.Builder
	body.WriteString("--boundary\r\n")
	body.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"note.txt\"\r\n")
	body.WriteString("Content-Type: text/plain\r\n\r\n")
	body.WriteString("uploaded content\r\n")
	body.WriteString("--boundary--\r\n")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/notebooks/"+nb.ID+"/sources/upload", strings.NewReader(body.String()))
	if err != nil {
		t.Fatalf("building upload request: %v", err)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary=boundary")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}
	var src nbrag.Source
	decodeBody(t, resp, &src)
	if src.Filename != "note.txt" {
		t.Errorf("uploaded Filename = %q, want %q", src.Filename, "note.txt")
	}

	sources, err := engine.ListSources(ctx, nb.ID)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source after upload, got %d", len(sources))
	}
}

func TestLLMModelsRequiresProviderAndBaseURL(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/llm/models")
	if err != nil {
		t.Fatalf("GET /llm/models: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string][]string
	decodeBody(t, resp, &body)
	if len(body["models"]) != 0 {
		t.Errorf("models = %v, want empty without provider/base_url", body["models"])
	}
}

func TestLLMModelsRejectsUnsupportedProvider(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/llm/models?provider=openai&base_url=http://example.invalid")
	if err != nil {
		t.Fatalf("GET /llm/models: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for non-ollama provider", resp.StatusCode)
	}
}

func TestLLMModelsListsOllamaTags(t *testing.T) {
	srv, _ := newTestServer(t)

	tagsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"nomic-embed-text"}]}`))
	}))
	t.Cleanup(tagsServer.Close)

	resp, err := http.Get(srv.URL + "/llm/models?provider=ollama&base_url=" + tagsServer.URL)
	if err != nil {
		t.Fatalf("GET /llm/models: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string][]string
	decodeBody(t, resp, &body)
	want := []string{"llama3.1:8b", "nomic-embed-text"}
	if len(body["models"]) != len(want) || body["models"][0] != want[0] || body["models"][1] != want[1] {
		t.Errorf("models = %v, want %v", body["models"], want)
	}
}

func TestSettingsEmbeddingNotImplemented(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/settings/embedding", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /settings/embedding: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestPanicRecoveredAsInternalError(t *testing.T) {
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	srv := httptest.NewServer(recoveryMiddleware(panicHandler))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/anything")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status after panic = %d, want 500", resp.StatusCode)
	}
}
