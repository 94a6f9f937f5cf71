package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"projectlens/internal/app"
	"projectlens/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := setupLogger(cfg.Server.LogLevel, cfg.Server.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server.exit", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	srv := newServer(cfg)
	a, err := app.New(ctx, cfg, app.WithProgress(srv.onProgress))
	if err != nil {
		return err
	}
	defer a.Close()
	srv.app = a

	if a.Storage != nil {
		go a.Storage.RunSweeper(ctx, cfg.Storage.SweepInterval, cfg.Storage.TempRetention)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsMiddleware(cfg.Server.CORSOrigin, srv.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server.start", "addr", cfg.Server.Addr,
			"vector_backend", cfg.VectorStore.Backend, "llm", cfg.LLM.Provider, "embed", cfg.Embedding.Provider)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	slog.Info("server.shutdown")
	return httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Ingestion
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/ingest/status", s.handleIngestStatus)
	mux.HandleFunc("GET /api/ingest/ws", s.handleIngestWS)

	// Documents
	mux.HandleFunc("GET /api/projects", s.handleProjects)
	mux.HandleFunc("GET /api/documents", s.handleDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.handleDocument)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	mux.HandleFunc("GET /api/documents/{id}/metadata", s.handleMetadata)
	mux.HandleFunc("PUT /api/documents/{id}/metadata", s.handlePutMetadata)
	mux.HandleFunc("GET /api/documents/{id}/metadata.xlsx", s.handleMetadataXLSX)

	// Retrieval and answering
	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/answer", s.handleAnswer)
	mux.HandleFunc("POST /api/answer/batch", s.handleBatch)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/providers", s.handleProviders)

	// Settings
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handlePostSettings)

	return mux
}

func setupLogger(level, format string) error {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info", "":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", level)
	}
	opts := &slog.HandlerOptions{Level: l}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
