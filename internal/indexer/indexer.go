// Package indexer embeds chunks and writes them to the vector index with
// all-or-nothing semantics per document.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"projectlens/internal/domain"
	"projectlens/internal/retry"
	"projectlens/internal/vectorstore"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize   = 10
	DefaultItemTimeout = 30 * time.Second
)

// ProgressFunc is called during indexing with (totalChunks, chunksDone).
type ProgressFunc func(total, done int)

// Result summarizes a successful indexing run.
type Result struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
}

// Service embeds and upserts chunks batch by batch. Calls inside a batch run
// concurrently; the next batch starts once the previous one is stored.
type Service struct {
	embedder    Embedder
	store       vectorstore.Index
	keywords    *KeywordIndex
	batchSize   int
	itemTimeout time.Duration
	limiter     *rate.Limiter
	policy      retry.Policy
	logger      *slog.Logger
}

type Option func(*Service)

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithItemTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.itemTimeout = d
		}
	}
}

// WithRateLimit caps embedding calls per second. Zero disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithKeywordIndex also feeds chunks to a BM25 side index after a successful run.
func WithKeywordIndex(k *KeywordIndex) Option {
	return func(s *Service) { s.keywords = k }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(embedder Embedder, store vectorstore.Index, opts ...Option) *Service {
	s := &Service{
		embedder:    embedder,
		store:       store,
		batchSize:   DefaultBatchSize,
		itemTimeout: DefaultItemTimeout,
		policy:      retry.Once,
		logger:      slog.Default().With("component", "indexer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Embedder returns the embedder used for ingestion; retrieval must use the same one.
func (s *Service) Embedder() Embedder {
	return s.embedder
}

// Index is IndexWithProgress without a progress callback.
func (s *Service) Index(ctx context.Context, chunks []domain.Chunk, meta domain.Metadata) (Result, error) {
	return s.IndexWithProgress(ctx, chunks, meta, nil)
}

// IndexWithProgress embeds and upserts every chunk of one document. meta is
// merged into each chunk's metadata. If any chunk fails after its retry
// budget, everything already written for the document is removed again and
// the error is returned.
func (s *Service) IndexWithProgress(ctx context.Context, chunks []domain.Chunk, meta domain.Metadata, progress ProgressFunc) (Result, error) {
	docID := meta.String(domain.MetaDocumentID)
	if len(chunks) > 0 && docID == "" {
		docID = chunks[0].DocumentID
	}
	res := Result{DocumentID: docID}
	if len(chunks) == 0 {
		return res, nil
	}

	prepared := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		if c.DocumentID != docID {
			return res, fmt.Errorf("chunk %s belongs to %s, not %s", c.ID, c.DocumentID, docID)
		}
		m := c.Metadata.Clone()
		for k, v := range meta {
			if _, ok := m[k]; !ok {
				m[k] = v
			}
		}
		if err := m.Validate(); err != nil {
			return res, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		c.Metadata = m
		prepared[i] = c
	}

	total := len(prepared)
	start := time.Now()
	s.logger.Info("indexer.index.start", "doc_id", docID, "chunks", total, "batch_size", s.batchSize)
	if progress != nil {
		progress(total, 0)
	}

	for lo := 0; lo < total; lo += s.batchSize {
		hi := min(lo+s.batchSize, total)
		if err := s.indexBatch(ctx, prepared[lo:hi]); err != nil {
			s.logger.Error("indexer.index.error", "doc_id", docID, "batch_start", lo, "error", err)
			s.rollback(ctx, docID)
			return res, err
		}
		if progress != nil {
			progress(total, hi)
		}
	}

	if s.keywords != nil {
		if err := s.keywords.Add(prepared); err != nil {
			s.logger.Warn("indexer.keywords.error", "doc_id", docID, "error", err)
		}
	}

	res.ChunkCount = total
	s.logger.Info("indexer.index.ok", "doc_id", docID, "chunks", total, "elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (s *Service) indexBatch(ctx context.Context, batch []domain.Chunk) error {
	vectors := make([][]float32, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range batch {
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			vec, err := retry.Value(gctx, s.policy, func(ctx context.Context) ([]float32, error) {
				ctx, cancel := context.WithTimeout(ctx, s.itemTimeout)
				defer cancel()
				out, err := s.embedder.Embed(ctx, []string{c.Content})
				if err != nil {
					return nil, err
				}
				if len(out) != 1 || len(out[0]) == 0 {
					return nil, fmt.Errorf("embedder returned %d vectors", len(out))
				}
				return out[0], nil
			})
			if err != nil {
				return fmt.Errorf("embed %s: %w", c.ID, err)
			}
			// Completion order is arbitrary; the slot keeps index order.
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	records := make([]vectorstore.Record, len(batch))
	for i, c := range batch {
		records[i] = vectorstore.Record{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Vector:     vectors[i],
			Content:    c.Content,
			Metadata:   c.Metadata,
		}
	}
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.itemTimeout)
		defer cancel()
		if err := s.store.Upsert(ctx, records); err != nil {
			return fmt.Errorf("upsert %s..%s: %w", records[0].ID, records[len(records)-1].ID, err)
		}
		return nil
	})
}

func (s *Service) rollback(ctx context.Context, docID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.itemTimeout)
	defer cancel()

	var errs []error
	if err := s.store.DeleteByDocument(ctx, docID); err != nil {
		errs = append(errs, err)
	}
	if s.keywords != nil {
		if err := s.keywords.DeleteDocument(docID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("indexer.rollback.error", "doc_id", docID, "error", err)
		return
	}
	s.logger.Info("indexer.rollback.ok", "doc_id", docID)
}

// Remove deletes a document from the vector and keyword indexes.
func (s *Service) Remove(ctx context.Context, docID string) error {
	if err := s.store.DeleteByDocument(ctx, docID); err != nil {
		return err
	}
	if s.keywords != nil {
		return s.keywords.DeleteDocument(docID)
	}
	return nil
}
