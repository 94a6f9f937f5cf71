// Package pipeline drives one document at a time through classification,
// text extraction, chunking, indexing and metadata extraction, with many
// documents in flight on a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"projectlens/internal/chunker"
	"projectlens/internal/classifier"
	"projectlens/internal/docstore"
	"projectlens/internal/domain"
	"projectlens/internal/extractor"
	"projectlens/internal/indexer"
	"projectlens/internal/metadata"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// Metadata extraction outcomes recorded on the document.
const (
	MetadataReady   = "ready"
	MetadataFailed  = "failed"
	MetadataSkipped = "skipped"
	MetadataManual  = "manual" // entered by hand after ingestion
)

// Upload is one file handed to the pipeline.
type Upload struct {
	Name      string
	Data      []byte
	MediaType string
	ProjectID string
}

// Report describes what happened to one upload.
type Report struct {
	Document  domain.Document  `json:"document"`
	Duplicate bool             `json:"duplicate"`
	Metadata  *metadata.Result `json:"metadata,omitempty"`
	// PagesTruncated is set when OCR only covered part of the document.
	PagesTruncated bool `json:"pages_truncated,omitempty"`
}

// Outcome is delivered on the channel returned by Submit.
type Outcome struct {
	Report *Report
	Err    error
}

// Event reports progress for one document.
type Event struct {
	DocumentID  string `json:"document_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	ChunksTotal int    `json:"chunks_total"`
	ChunksDone  int    `json:"chunks_done"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// OCR recognizes text in a publicly reachable document. Implementations
// retry transient failures themselves and set OCRResult.Truncated when the
// retry covered fewer pages.
type OCR interface {
	Extract(ctx context.Context, documentURL string, kind extractor.DocumentKind, opts extractor.OCROptions) (*extractor.OCRResult, error)
}

// ObjectStore hands uploads to OCR under a temporary public URL.
type ObjectStore interface {
	TempKey(docID, ext string) string
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Indexer embeds and upserts the chunks of one document, all or nothing.
type Indexer interface {
	IndexWithProgress(ctx context.Context, chunks []domain.Chunk, meta domain.Metadata, progress indexer.ProgressFunc) (indexer.Result, error)
}

// MetadataExtractor produces structured project metadata from raw text.
type MetadataExtractor interface {
	Extract(ctx context.Context, rawText string) (*metadata.Result, error)
}

type Pipeline struct {
	docs       docstore.Store
	index      Indexer
	classifier *classifier.Classifier
	chunker    *chunker.Chunker
	ocr        OCR
	objects    ObjectStore
	meta       MetadataExtractor
	ocrOpts    extractor.OCROptions
	lockTTL    time.Duration
	poolSize   int
	pool       *ants.Pool
	progress   func(Event)
	logger     *slog.Logger
}

type Option func(*Pipeline)

// WithOCR enables the OCR path; both the service and the object store are needed.
func WithOCR(ocr OCR, objects ObjectStore) Option {
	return func(p *Pipeline) {
		p.ocr = ocr
		p.objects = objects
	}
}

func WithOCROptions(o extractor.OCROptions) Option {
	return func(p *Pipeline) { p.ocrOpts = o }
}

func WithMetadataExtractor(m MetadataExtractor) Option {
	return func(p *Pipeline) { p.meta = m }
}

func WithClassifier(c *classifier.Classifier) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.classifier = c
		}
	}
}

func WithChunker(c *chunker.Chunker) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.chunker = c
		}
	}
}

// WithPoolSize bounds how many documents are ingested at once.
func WithPoolSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.poolSize = n
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.lockTTL = d
		}
	}
}

// WithProgress registers a callback for status and chunk progress. It is
// called from worker goroutines.
func WithProgress(fn func(Event)) Option {
	return func(p *Pipeline) { p.progress = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l.With("component", "pipeline") }
}

func New(docs docstore.Store, index Indexer, opts ...Option) (*Pipeline, error) {
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	p := &Pipeline{
		docs:       docs,
		index:      index,
		classifier: classifier.New(),
		chunker:    chunker.New(),
		lockTTL:    docstore.DefaultLockTTL,
		poolSize:   poolSize,
		logger:     slog.Default().With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	pool, err := ants.NewPool(p.poolSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: worker pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Release stops the worker pool. Documents already running finish.
func (p *Pipeline) Release() {
	p.pool.Release()
}

// Running reports how many documents are being ingested.
func (p *Pipeline) Running() int {
	return p.pool.Running()
}

// Submit queues up on the worker pool. The channel receives exactly one Outcome.
func (p *Pipeline) Submit(ctx context.Context, up Upload) <-chan Outcome {
	ch := make(chan Outcome, 1)
	err := p.pool.Submit(func() {
		r, err := p.Ingest(ctx, up)
		ch <- Outcome{Report: r, Err: err}
	})
	if err != nil {
		ch <- Outcome{Err: fmt.Errorf("pipeline: submit %s: %w", up.Name, err)}
	}
	return ch
}

// Ingest runs one upload to completion on the calling goroutine. Rejected
// uploads fail before any network call. Content already indexed is returned
// as a duplicate unless the upload names a different project, which fails
// with domain.ErrProjectConflict. Content being ingested elsewhere fails
// with domain.ErrIngestionInProgress.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (*Report, error) {
	start := time.Now()

	cres, err := p.classifier.Inspect(up.Data, up.MediaType)
	if err != nil {
		p.logger.Warn("pipeline.ingest.rejected", "name", up.Name, "size", len(up.Data), "error", err)
		p.emit(Event{Name: up.Name, Status: domain.StatusFailed, Reason: domain.Reason(err), Error: err.Error()})
		return nil, err
	}

	id := domain.DocumentID(up.Data)
	existing, err := p.docs.Get(ctx, id)
	switch {
	case err == nil && existing.Vectorized && up.ProjectID != "" && up.ProjectID != existing.ProjectID:
		err := fmt.Errorf("%w: %s is indexed as %s under project %q, not %q",
			domain.ErrProjectConflict, up.Name, id, existing.ProjectID, up.ProjectID)
		p.logger.Warn("pipeline.ingest.project_conflict", "doc_id", id, "name", up.Name,
			"project_id", up.ProjectID, "indexed_project_id", existing.ProjectID)
		p.emit(Event{Name: up.Name, Status: domain.StatusFailed, Reason: domain.Reason(err), Error: err.Error()})
		return nil, err
	case err == nil && existing.Vectorized:
		p.logger.Info("pipeline.ingest.duplicate", "doc_id", id, "name", up.Name)
		p.emit(Event{DocumentID: id, Name: existing.Name, Status: existing.Status, Duplicate: true,
			ChunksTotal: existing.ChunkCount, ChunksDone: existing.ChunkCount})
		rep := &Report{Document: *existing, Duplicate: true}
		if res, err := p.docs.Metadata(ctx, id); err == nil {
			rep.Metadata = res
		}
		return rep, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("pipeline: load %s: %w", id, err)
	}

	ok, err := p.docs.Acquire(ctx, id, p.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("pipeline: lock %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIngestionInProgress, up.Name)
	}
	defer func() {
		if err := p.docs.Release(context.WithoutCancel(ctx), id); err != nil {
			p.logger.Warn("pipeline.lock.release_error", "doc_id", id, "error", err)
		}
	}()

	doc := domain.Document{
		ID:         id,
		Name:       up.Name,
		ProjectID:  up.ProjectID,
		SourceType: cres.SourceType,
		MediaType:  cres.MediaType,
		Size:       len(up.Data),
	}
	if existing != nil {
		doc.CreatedAt = existing.CreatedAt
	}
	rep := &Report{Document: doc}
	p.logger.Info("pipeline.ingest.start", "doc_id", id, "name", up.Name, "source_type", cres.SourceType, "pages", cres.Pages)

	if err := p.setStatus(ctx, &doc, domain.StatusPending); err != nil {
		return nil, err
	}
	if err := p.setStatus(ctx, &doc, domain.StatusExtracting); err != nil {
		return nil, err
	}

	text, truncated, err := p.extractText(ctx, &doc, up.Data, cres)
	if err != nil {
		return p.fail(ctx, rep, &doc, err)
	}
	rep.PagesTruncated = truncated
	doc.TextLength = len([]rune(text))
	if err := p.docs.SaveText(ctx, id, text); err != nil {
		return p.fail(ctx, rep, &doc, fmt.Errorf("save text: %w", err))
	}

	if err := p.setStatus(ctx, &doc, domain.StatusIndexing); err != nil {
		return nil, err
	}

	meta := domain.Metadata{
		domain.MetaDocumentID:   id,
		domain.MetaSourceType:   string(cres.SourceType),
		domain.MetaDocumentName: up.Name,
	}
	if up.ProjectID != "" {
		meta[domain.MetaProjectID] = up.ProjectID
	}

	// Indexing and metadata extraction consume the same text independently.
	// Only an indexing failure fails the document.
	var (
		g       errgroup.Group
		indexed indexer.Result
		mres    *metadata.Result
		merr    error
	)
	g.Go(func() error {
		chunks := p.chunker.Chunks(id, text, meta)
		var err error
		indexed, err = p.index.IndexWithProgress(ctx, chunks, meta, func(total, done int) {
			p.emit(Event{DocumentID: id, Name: doc.Name, Status: domain.StatusIndexing, ChunksTotal: total, ChunksDone: done})
		})
		return err
	})
	if p.meta != nil {
		g.Go(func() error {
			mres, merr = p.meta.Extract(ctx, text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.recordMetadata(ctx, rep, &doc, mres, merr)
		return p.fail(ctx, rep, &doc, err)
	}
	p.recordMetadata(ctx, rep, &doc, mres, merr)

	doc.ChunkCount = indexed.ChunkCount
	doc.Vectorized = true
	doc.Error = ""
	if err := p.setStatus(ctx, &doc, domain.StatusReady); err != nil {
		return nil, err
	}
	rep.Document = doc

	p.logger.Info("pipeline.ingest.ok", "doc_id", id, "chunks", doc.ChunkCount,
		"metadata", doc.MetadataState, "elapsed_ms", time.Since(start).Milliseconds())
	return rep, nil
}

// recordMetadata stores whatever the metadata branch produced. A failed
// extraction still stores its defaults so users can fill the form by hand.
func (p *Pipeline) recordMetadata(ctx context.Context, rep *Report, doc *domain.Document, res *metadata.Result, err error) {
	if p.meta == nil {
		return
	}
	switch {
	case err == nil:
		doc.MetadataState = MetadataReady
	case errors.Is(err, domain.ErrExtractionInvalidInput):
		doc.MetadataState = MetadataSkipped
		doc.Reason = domain.Reason(err)
	default:
		doc.MetadataState = MetadataFailed
		doc.Reason = domain.Reason(err)
		p.logger.Warn("pipeline.metadata.error", "doc_id", doc.ID, "error", err)
	}
	if res == nil {
		return
	}
	rep.Metadata = res
	if err := p.docs.SaveMetadata(context.WithoutCancel(ctx), doc.ID, res); err != nil {
		p.logger.Warn("pipeline.metadata.save_error", "doc_id", doc.ID, "error", err)
	}
}

func (p *Pipeline) setStatus(ctx context.Context, doc *domain.Document, status string) error {
	doc.Status = status
	if err := p.docs.Save(ctx, doc); err != nil {
		return fmt.Errorf("pipeline: save %s: %w", doc.ID, err)
	}
	p.emit(Event{DocumentID: doc.ID, Name: doc.Name, Status: status, ChunksTotal: doc.ChunkCount,
		ChunksDone: doc.ChunkCount, Reason: doc.Reason, Error: doc.Error})
	return nil
}

func (p *Pipeline) fail(ctx context.Context, rep *Report, doc *domain.Document, cause error) (*Report, error) {
	doc.Status = domain.StatusFailed
	doc.Vectorized = false
	doc.Reason = domain.Reason(cause)
	doc.Error = cause.Error()
	if err := p.docs.Save(context.WithoutCancel(ctx), doc); err != nil {
		p.logger.Error("pipeline.save.error", "doc_id", doc.ID, "error", err)
	}
	p.emit(Event{DocumentID: doc.ID, Name: doc.Name, Status: doc.Status, Reason: doc.Reason, Error: doc.Error})
	p.logger.Error("pipeline.ingest.error", "doc_id", doc.ID, "name", doc.Name, "reason", doc.Reason, "error", cause)
	rep.Document = *doc
	return rep, cause
}

func (p *Pipeline) emit(ev Event) {
	if p.progress != nil {
		p.progress(ev)
	}
}

// extractText prefers the local text layer and falls back to OCR. The
// boolean reports that OCR only covered a reduced page range.
func (p *Pipeline) extractText(ctx context.Context, doc *domain.Document, data []byte, cres *classifier.Result) (string, bool, error) {
	if !cres.SourceType.NeedsOCR() {
		text, err := extractor.Native(data, cres.SourceType)
		if err == nil {
			return text, false, nil
		}
		if p.ocr == nil || p.objects == nil {
			return "", false, err
		}
		p.logger.Warn("pipeline.extract.native_failed", "doc_id", doc.ID, "error", err)
	}
	if p.ocr == nil || p.objects == nil {
		return "", false, fmt.Errorf("%w: %s needs OCR and no OCR service is configured", domain.ErrExtractionFailed, cres.SourceType)
	}
	return p.ocrText(ctx, doc, data, cres)
}

func (p *Pipeline) ocrText(ctx context.Context, doc *domain.Document, data []byte, cres *classifier.Result) (string, bool, error) {
	key := p.objects.TempKey(doc.ID, extension(cres.MediaType))
	url, err := p.objects.Put(ctx, key, data, cres.MediaType)
	if err != nil {
		return "", false, err
	}

	opts := p.ocrOpts
	opts.TotalPages = cres.Pages
	res, err := p.ocr.Extract(ctx, url, extractor.KindFor(cres.SourceType), opts)
	if err != nil {
		// The temp object is left to the sweeper.
		return "", false, err
	}

	if err := p.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		p.logger.Warn("pipeline.storage.delete_error", "doc_id", doc.ID, "key", key, "error", err)
	}

	text := res.Text()
	if strings.TrimSpace(text) == "" {
		return "", false, fmt.Errorf("%w: OCR returned no text", domain.ErrExtractionFailed)
	}
	return text, res.Truncated, nil
}

func extension(mediaType string) string {
	switch mediaType {
	case classifier.MediaPDF:
		return ".pdf"
	case classifier.MediaDOCX:
		return ".docx"
	case "image/jpeg":
		return ".jpg"
	}
	if i := strings.IndexByte(mediaType, '/'); i >= 0 {
		return "." + mediaType[i+1:]
	}
	return ""
}
