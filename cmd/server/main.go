package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/brunobiangulo/nbrag"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", "", "Listen address (overrides config/env)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg := nbrag.DefaultConfig()
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			slog.Error("opening config", "error", err)
			os.Exit(1)
		}
		if err := json.NewDecoder(f).Decode(&cfg); err != nil {
			f.Close()
			slog.Error("parsing config", "error", err)
			os.Exit(1)
		}
		f.Close()
	}

	applyEnv(&cfg)
	if *addr != "" {
		cfg.Addr = *addr
	}

	engine, err := nbrag.NewEngine(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine, cfg)
	mux := http.NewServeMux()
	h.routes(mux)

	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(cfg.APIKey, handler)
	handler = corsMiddleware(joinOrigins(cfg.CORSOrigins), handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE responses are long-lived
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// applyEnv overrides cfg with the fixed environment-variable names the
// external interface names.
func applyEnv(cfg *nbrag.Config) {
	if v := os.Getenv("EMBEDDING_ENABLED"); v != "" {
		cfg.EmbeddingEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("EMBEDDING_ENDPOINT"); v != "" {
		cfg.EmbeddingEndpoint = v
	}
	if v := os.Getenv("EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("DEBUG_MODEL_MODE"); v != "" {
		cfg.DebugModelMode = v == "true" || v == "1"
	}
	if v := os.Getenv("FORCE_FALLBACK_MULTIPART"); v != "" {
		cfg.ForceFallbackMultipart = v == "true" || v == "1"
	}
	if v := os.Getenv("ENABLE_LEGACY_ENGINE"); v != "" {
		cfg.EnableLegacyEngine = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTS_DIR"); v != "" {
		cfg.AgentsDir = v
	}
	if v := os.Getenv("MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxUploadMB = n
		}
	}
	if cfg.Chat.APIKey == "" && cfg.Chat.Provider == "openai" {
		cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("NBRAG_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("NBRAG_API_KEY"); v != "" {
		cfg.APIKey = v
	}
}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return ""
	}
	out := origins[0]
	for _, o := range origins[1:] {
		out += "," + o
	}
	return out
}
