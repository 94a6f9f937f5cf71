// Package app assembles the ingestion, retrieval and answering services from
// configuration. The server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"projectlens/internal/chunker"
	"projectlens/internal/classifier"
	"projectlens/internal/config"
	"projectlens/internal/docstore"
	"projectlens/internal/extractor"
	"projectlens/internal/indexer"
	"projectlens/internal/llm"
	"projectlens/internal/metadata"
	"projectlens/internal/pipeline"
	"projectlens/internal/rag"
	"projectlens/internal/retriever"
	"projectlens/internal/storage"
	"projectlens/internal/vectorstore"
)

// App holds every long-lived service.
type App struct {
	Config    *config.Config
	Docs      docstore.Store
	Vectors   vectorstore.Index
	Keywords  *indexer.KeywordIndex // nil unless hybrid retrieval is on
	Indexer   *indexer.Service
	Retriever *retriever.Service
	Answerer  *rag.Service
	Metadata  *metadata.Extractor
	Pipeline  *pipeline.Pipeline
	Storage   *storage.Client // nil when object storage is not configured

	model   *switchModel
	closers []func() error
	logger  *slog.Logger
}

type options struct {
	embedder indexer.Embedder
	model    llm.Provider
	docs     docstore.Store
	progress func(pipeline.Event)
}

type Option func(*options)

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e indexer.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithModel replaces the configured language model.
func WithModel(m llm.Provider) Option {
	return func(o *options) { o.model = m }
}

// WithDocStore replaces the configured document store.
func WithDocStore(d docstore.Store) Option {
	return func(o *options) { o.docs = d }
}

// WithProgress receives pipeline progress events.
func WithProgress(fn func(pipeline.Event)) Option {
	return func(o *options) { o.progress = fn }
}

// New opens stores and builds services. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{Config: cfg, logger: slog.Default().With("component", "app")}
	if err := a.build(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config
	var err error

	if a.Docs, err = openDocStore(ctx, cfg, o.docs); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Docs.Close)

	if a.Vectors, err = openVectors(ctx, cfg.VectorStore); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Vectors.Close)

	if cfg.Retrieval.Hybrid {
		if a.Keywords, err = indexer.OpenKeywordIndex(cfg.Retrieval.KeywordDir); err != nil {
			return err
		}
		a.closers = append(a.closers, a.Keywords.Close)
	}

	embedder := o.embedder
	if embedder == nil {
		embedder, err = indexer.NewEmbedder(indexer.EmbedderConfig{
			Provider: cfg.Embedding.Provider,
			APIKey:   cfg.Embedding.APIKey,
			Model:    cfg.Embedding.Model,
			BaseURL:  cfg.Embedding.BaseURL,
		})
		if err != nil {
			return err
		}
	}

	indexOpts := []indexer.Option{
		indexer.WithBatchSize(cfg.Embedding.BatchSize),
		indexer.WithItemTimeout(cfg.Embedding.ItemTimeout),
		indexer.WithRateLimit(cfg.Embedding.RateLimit, cfg.Embedding.Burst),
	}
	retrieverOpts := []retriever.Option{
		retriever.WithVectorizedGate(a.Docs),
		retriever.WithOverFetch(cfg.Retrieval.OverFetch),
		retriever.WithTimeout(cfg.Retrieval.Timeout),
	}
	if a.Keywords != nil {
		indexOpts = append(indexOpts, indexer.WithKeywordIndex(a.Keywords))
		retrieverOpts = append(retrieverOpts, retriever.WithHybrid(a.Keywords))
	}
	a.Indexer = indexer.New(embedder, a.Vectors, indexOpts...)
	a.Retriever = retriever.New(embedder, a.Vectors, retrieverOpts...)

	a.model = &switchModel{}
	if o.model != nil {
		a.model.set(o.model)
	} else if err := a.UseModel(cfg.LLM); err != nil {
		return err
	}
	a.Answerer = rag.New(a.Retriever, a.model,
		rag.WithTopK(cfg.Retrieval.TopK),
		rag.WithContextRunes(cfg.Retrieval.ContextRunes),
		rag.WithTimeout(cfg.LLM.Timeout),
	)
	a.Metadata = metadata.New(a.model,
		metadata.WithMinRunes(cfg.Metadata.MinRunes),
		metadata.WithMaxInputRunes(cfg.Metadata.MaxInputRunes),
		metadata.WithTimeout(cfg.Metadata.Timeout),
	)

	pipeOpts := []pipeline.Option{
		pipeline.WithClassifier(classifier.New(
			classifier.WithScannedThreshold(cfg.Pipeline.ScannedThreshold),
			classifier.WithProbePages(cfg.Pipeline.ProbePages),
		)),
		pipeline.WithChunker(chunker.New(
			chunker.WithSize(cfg.Chunking.Size),
			chunker.WithOverlap(cfg.Chunking.Overlap),
		)),
		pipeline.WithMetadataExtractor(a.Metadata),
		pipeline.WithPoolSize(cfg.Pipeline.Workers),
		pipeline.WithLockTTL(cfg.Pipeline.LockTTL),
	}
	if o.progress != nil {
		pipeOpts = append(pipeOpts, pipeline.WithProgress(o.progress))
	}

	if cfg.Storage.Endpoint != "" {
		if a.Storage, err = storage.New(storage.Config{
			Endpoint:      cfg.Storage.Endpoint,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			Bucket:        cfg.Storage.Bucket,
			Region:        cfg.Storage.Region,
			UseSSL:        cfg.Storage.UseSSL,
			TempPrefix:    cfg.Storage.TempPrefix,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
			URLExpiry:     cfg.Storage.URLExpiry,
		}); err != nil {
			return err
		}
		if err := a.Storage.EnsureBucket(ctx); err != nil {
			a.logger.Warn("app.storage.unavailable", "bucket", cfg.Storage.Bucket, "error", err)
		}
		if cfg.OCR.APIKey != "" {
			ocr := extractor.NewOCRClient(cfg.OCR.BaseURL, cfg.OCR.APIKey,
				extractor.WithOCRModel(cfg.OCR.Model),
				extractor.WithTimeouts(cfg.OCR.DocumentTimeout, cfg.OCR.ImageTimeout),
			)
			pipeOpts = append(pipeOpts,
				pipeline.WithOCR(ocr, a.Storage),
				pipeline.WithOCROptions(extractor.OCROptions{PageLimit: cfg.OCR.PageLimit, ImageLimit: cfg.OCR.ImageLimit}),
			)
		}
	}
	if a.Storage == nil || cfg.OCR.APIKey == "" {
		a.logger.Warn("app.ocr.disabled", "reason", "object storage or OCR key not configured; scanned documents will fail")
	}

	if a.Pipeline, err = pipeline.New(a.Docs, a.Indexer, pipeOpts...); err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { a.Pipeline.Release(); return nil })
	return nil
}

func openDocStore(ctx context.Context, cfg *config.Config, injected docstore.Store) (docstore.Store, error) {
	switch {
	case injected != nil:
		return injected, nil
	case cfg.Redis.Addr != "":
		return docstore.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case cfg.Server.DataDir == "":
		return docstore.NewMemory(), nil
	default:
		return docstore.NewFile(cfg.Server.DataDir)
	}
}

func openVectors(ctx context.Context, cfg config.VectorStoreConfig) (vectorstore.Index, error) {
	switch strings.ToLower(cfg.Backend) {
	case "badger", "":
		return vectorstore.OpenBadger(cfg.Dir)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("DB_URL is required for the postgres vector backend")
		}
		return vectorstore.OpenPostgres(ctx, vectorstore.PostgresConfig{DSN: cfg.PostgresDSN, MaxConns: cfg.MaxConns})
	default:
		return nil, fmt.Errorf("unknown vector backend: %s", cfg.Backend)
	}
}

// UseModel switches answering and metadata extraction to the provider in
// cfg. Embeddings are unaffected; changing them needs a re-index.
func (a *App) UseModel(cfg config.LLMConfig) error {
	p, err := llm.NewProvider(llm.Config{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey(),
		Model:    cfg.Model,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return err
	}
	a.model.set(p)
	a.logger.Info("app.model.ok", "provider", cfg.Provider, "model", cfg.Model)
	return nil
}

// Remove deletes a document with its chunks, text and metadata.
func (a *App) Remove(ctx context.Context, id string) error {
	if _, err := a.Docs.Get(ctx, id); err != nil {
		return err
	}
	if err := a.Indexer.Remove(ctx, id); err != nil {
		return err
	}
	return a.Docs.Delete(ctx, id)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// switchModel lets settings changes take effect without rebuilding services.
type switchModel struct {
	mu sync.RWMutex
	p  llm.Provider
}

func (m *switchModel) set(p llm.Provider) {
	m.mu.Lock()
	m.p = p
	m.mu.Unlock()
}

func (m *switchModel) Complete(ctx context.Context, req llm.Request) (string, error) {
	m.mu.RLock()
	p := m.p
	m.mu.RUnlock()
	return p.Complete(ctx, req)
}
