// Package retriever answers semantic queries over indexed chunks.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"projectlens/internal/domain"
	"projectlens/internal/indexer"
	"projectlens/internal/retry"
	"projectlens/internal/vectorstore"
)

const (
	DefaultTopK = 5
	rrfK        = 60.0

	// maxFetchRounds bounds how often a gated search widens its window.
	maxFetchRounds = 4
)

// Result is a retrieved chunk with its relevance score.
type Result struct {
	domain.Chunk
	Score float64 `json:"score"`
}

// VectorizedLookup reports which documents are fully indexed.
type VectorizedLookup interface {
	AreVectorized(ctx context.Context, documentIDs []string) (map[string]bool, error)
}

// Service embeds the query with the ingestion embedder and ranks chunks by
// similarity, optionally fused with keyword ranks.
type Service struct {
	embedder  indexer.Embedder
	store     vectorstore.Index
	keywords  *indexer.KeywordIndex
	gate      VectorizedLookup
	overFetch int
	timeout   time.Duration
	logger    *slog.Logger
}

type Option func(*Service)

// WithHybrid fuses vector ranks with BM25 ranks from k.
func WithHybrid(k *indexer.KeywordIndex) Option {
	return func(s *Service) { s.keywords = k }
}

// WithVectorizedGate drops chunks of documents that are not fully indexed.
func WithVectorizedGate(g VectorizedLookup) Option {
	return func(s *Service) { s.gate = g }
}

// WithOverFetch sets how many candidates per requested result are fetched
// before gating and fusion.
func WithOverFetch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.overFetch = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(embedder indexer.Embedder, store vectorstore.Index, opts ...Option) *Service {
	s := &Service{
		embedder:  embedder,
		store:     store,
		overFetch: 3,
		timeout:   30 * time.Second,
		logger:    slog.Default().With("component", "retriever"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search returns at most topK chunks matching filter, by non-increasing score.
// topK <= 0 means DefaultTopK. An empty query fails with domain.ErrInvalidQuery.
func (s *Service) Search(ctx context.Context, query string, filter domain.Filter, topK int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidQuery)
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	start := time.Now()

	vec, err := retry.Value(ctx, retry.Once, func(ctx context.Context) ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		out, err := s.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, err
		}
		if len(out) != 1 {
			return nil, fmt.Errorf("embedder returned %d vectors", len(out))
		}
		return out[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	fetch := topK
	if s.gate != nil || s.keywords != nil {
		fetch = topK * s.overFetch
	}

	// Chunks of documents still being indexed are dropped by the gate, so the
	// window widens until topK survive or the index has nothing more to give.
	var results []Result
	for round := 1; ; round++ {
		var exhausted bool
		results, exhausted, err = s.candidates(ctx, query, vec, fetch, filter)
		if err != nil {
			return nil, err
		}
		if s.gate == nil {
			break
		}
		if results, err = s.applyGate(ctx, results); err != nil {
			return nil, err
		}
		if len(results) >= topK || exhausted || round == maxFetchRounds {
			break
		}
		fetch *= 2
	}

	sortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("retriever.search.ok", "results", len(results), "elapsed_ms", time.Since(start).Milliseconds())
	return results, nil
}

// candidates fetches up to fetch vector matches, fused with keyword hits in
// hybrid mode. exhausted is set when neither source had more to return.
func (s *Service) candidates(ctx context.Context, query string, vec []float32, fetch int, filter domain.Filter) ([]Result, bool, error) {
	matches, err := retry.Value(ctx, retry.Once, func(ctx context.Context) ([]vectorstore.Match, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.store.Query(ctx, vec, fetch, filter)
	})
	if err != nil {
		return nil, false, fmt.Errorf("vector query: %w", err)
	}
	exhausted := len(matches) < fetch

	if s.keywords == nil {
		results := make([]Result, 0, len(matches))
		for _, m := range matches {
			results = append(results, toResult(m.ID, m.Content, m.Metadata, m.Score))
		}
		return results, exhausted, nil
	}
	hits, err := s.keywords.Search(query, fetch, filter)
	if err != nil {
		s.logger.Warn("retriever.keywords.error", "error", err)
	}
	return fuse(matches, hits), exhausted && len(hits) < fetch, nil
}

func (s *Service) applyGate(ctx context.Context, results []Result) ([]Result, error) {
	seen := map[string]bool{}
	var ids []string
	for _, r := range results {
		if !seen[r.DocumentID] {
			seen[r.DocumentID] = true
			ids = append(ids, r.DocumentID)
		}
	}
	if len(ids) == 0 {
		return results, nil
	}
	ready, err := s.gate.AreVectorized(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("vectorized lookup: %w", err)
	}
	kept := results[:0]
	for _, r := range results {
		if ready[r.DocumentID] {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// fuse merges vector and keyword rankings with Reciprocal Rank Fusion (k=60).
func fuse(matches []vectorstore.Match, hits []indexer.KeywordHit) []Result {
	byID := make(map[string]*Result, len(matches)+len(hits))
	var order []string

	for rank, m := range matches {
		r := toResult(m.ID, m.Content, m.Metadata, 0)
		r.Score = 1.0 / (rrfK + float64(rank+1))
		byID[m.ID] = &r
		order = append(order, m.ID)
	}
	for rank, h := range hits {
		score := 1.0 / (rrfK + float64(rank+1))
		if r, ok := byID[h.ID]; ok {
			r.Score += score
			continue
		}
		r := toResult(h.ID, h.Content, h.Metadata, score)
		byID[h.ID] = &r
		order = append(order, h.ID)
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func toResult(id, content string, meta domain.Metadata, score float64) Result {
	docID, idx, err := domain.ParseChunkID(id)
	if err != nil {
		docID = meta.String(domain.MetaDocumentID)
	}
	if v, ok := meta[domain.MetaChunkIndex].(float64); ok {
		idx = int(v)
	}
	return Result{
		Chunk: domain.Chunk{
			ID:         id,
			DocumentID: docID,
			Index:      idx,
			Content:    content,
			Metadata:   meta,
		},
		Score: score,
	}
}

// sortResults orders by descending score; ties go to the smaller chunk id.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].ID < rs[j].ID
	})
}
