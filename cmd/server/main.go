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

	"github.com/joho/godotenv"

	"github.com/expedientelab/lexrag"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// Local development convenience; absence is not an error.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}

	cfg := lexrag.DefaultConfig()
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

	// Override from environment variables.
	if v := os.Getenv("LEXRAG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LEXRAG_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LEXRAG_VECTOR_DB_PATH"); v != "" {
		cfg.VectorDBPath = v
	}
	if v := os.Getenv("LEXRAG_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("LEXRAG_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LEXRAG_CHAT_PROVIDER"); v != "" {
		cfg.Chat.Provider = v
	}
	if v := os.Getenv("LEXRAG_CHAT_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}
	if v := os.Getenv("LEXRAG_CHAT_MODEL"); v != "" {
		cfg.Chat.Model = v
	}
	if v := os.Getenv("LEXRAG_CHAT_API_KEY"); v != "" {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("LEXRAG_EMBED_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("LEXRAG_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("LEXRAG_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("LEXRAG_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("LEXRAG_EMBED_DIM"); v != "" {
		if dim, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = dim
		}
	}
	if v := os.Getenv("LEXRAG_EXTRACTOR_URL"); v != "" {
		cfg.Extractor.BaseURL = v
	}
	if v := os.Getenv("LEXRAG_EXTRACTOR_API_KEY"); v != "" {
		cfg.Extractor.APIKey = v
	}
	if v := os.Getenv("LEXRAG_OCR_URL"); v != "" {
		cfg.OCR.BaseURL = v
	}
	if v := os.Getenv("LEXRAG_OCR_API_KEY"); v != "" {
		cfg.OCR.APIKey = v
	}
	if v := os.Getenv("LEXRAG_ASR_URL"); v != "" {
		cfg.ASR.BaseURL = v
	}
	if v := os.Getenv("LEXRAG_ASR_API_KEY"); v != "" {
		cfg.ASR.APIKey = v
	}
	if v := os.Getenv("LEXRAG_ASR_MODEL"); v != "" {
		cfg.ASR.Model = v
	}

	// Fallback: well-known provider env vars for API keys.
	if cfg.Chat.APIKey == "" && cfg.Chat.Provider == "openai" {
		cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "openai" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	apiKey := os.Getenv("LEXRAG_API_KEY")
	corsOrigins := os.Getenv("LEXRAG_CORS_ORIGINS")

	engine, err := lexrag.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /progress", h.handleProgress)
	mux.HandleFunc("POST /cancel", h.handleCancel)
	mux.HandleFunc("POST /query", h.handleQuery)
	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("GET /session", h.handleGetSession)
	mux.HandleFunc("DELETE /session", h.handleDeleteSession)
	mux.HandleFunc("GET /documents", h.handleListDocuments)
	mux.HandleFunc("GET /audit", h.handleAudit)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Minute, // large uploads
		WriteTimeout: 0,                // SSE responses stay open
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
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

	// Drain in-flight ingestion jobs before releasing the stores.
	if err := engine.Close(); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
