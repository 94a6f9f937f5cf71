package retriever

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"projectlens/internal/domain"
	"projectlens/internal/indexer"
	"projectlens/internal/vectorstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// angleEmbedder places "section N" at angle N*0.2 on the unit circle.
type angleEmbedder struct {
	calls atomic.Int32
}

func (e *angleEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var n int
		if j := strings.Index(t, "section "); j >= 0 {
			fmt.Sscanf(t[j+len("section "):], "%d", &n)
		}
		a := float64(n) * 0.2
		out[i] = []float32{float32(math.Cos(a)), float32(math.Sin(a))}
	}
	return out, nil
}

type gate map[string]bool

func (g gate) AreVectorized(_ context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, id := range ids {
		out[id] = g[id]
	}
	return out, nil
}

func seed(t *testing.T, emb indexer.Embedder, kw *indexer.KeywordIndex, doc string, n int, project string) vectorstore.Index {
	t.Helper()
	store, err := vectorstore.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	addDoc(t, store, emb, kw, doc, n, project)
	return store
}

func addDoc(t *testing.T, store vectorstore.Index, emb indexer.Embedder, kw *indexer.KeywordIndex, doc string, n int, project string) {
	t.Helper()
	chunks := make([]domain.Chunk, n)
	for i := range chunks {
		chunks[i] = domain.Chunk{
			ID:         domain.ChunkID(doc, i),
			DocumentID: doc,
			Index:      i,
			Content:    fmt.Sprintf("%s section %d", doc, i),
			Metadata: domain.Metadata{
				domain.MetaDocumentID: doc,
				domain.MetaChunkIndex: float64(i),
			},
		}
	}
	opts := []indexer.Option{}
	if kw != nil {
		opts = append(opts, indexer.WithKeywordIndex(kw))
	}
	meta := domain.Metadata{domain.MetaDocumentID: doc}
	if project != "" {
		meta[domain.MetaProjectID] = project
	}
	_, err := indexer.New(emb, store, opts...).Index(context.Background(), chunks, meta)
	require.NoError(t, err)
}

// ========== Search ==========

func TestSearch_TopKFindsClosestChunk(t *testing.T) {
	emb := &angleEmbedder{}
	store := seed(t, emb, nil, "doc", 12, "")

	results, err := New(emb, store).Search(context.Background(), "section 7", nil, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, strings.HasSuffix(results[0].ID, "_7"), "first id = %s", results[0].ID)
	assert.ElementsMatch(t, []string{"doc_6", "doc_8"}, []string{results[1].ID, results[2].ID})
	assert.Equal(t, 7, results[0].Index)
	assert.Equal(t, "doc", results[0].DocumentID)
}

func TestSearch_ScoresNonIncreasing(t *testing.T) {
	emb := &angleEmbedder{}
	store := seed(t, emb, nil, "doc", 12, "")

	for q := 0; q < 12; q++ {
		results, err := New(emb, store).Search(context.Background(), fmt.Sprintf("section %d", q), nil, 12)
		require.NoError(t, err)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	emb := &angleEmbedder{}
	store := seed(t, emb, nil, "doc", 2, "")
	before := emb.calls.Load()
	for _, q := range []string{"", "   \n"} {
		_, err := New(emb, store).Search(context.Background(), q, nil, 3)
		assert.True(t, errors.Is(err, domain.ErrInvalidQuery))
	}
	assert.Equal(t, before, emb.calls.Load(), "invalid queries never reach the embedder")
}

func TestSearch_DefaultTopK(t *testing.T) {
	emb := &angleEmbedder{}
	store := seed(t, emb, nil, "doc", 12, "")
	results, err := New(emb, store).Search(context.Background(), "section 1", nil, 0)
	require.NoError(t, err)
	assert.Len(t, results, DefaultTopK)
}

func TestSearch_Filter(t *testing.T) {
	emb := &angleEmbedder{}
	store := seed(t, emb, nil, "a", 4, "p1")
	addDoc(t, store, emb, nil, "b", 4, "p2")

	results, err := New(emb, store).Search(context.Background(), "section 2", domain.Filter{domain.MetaProjectID: "p2"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, "b", r.DocumentID)
	}
}

func TestSearch_GateDropsUnvectorizedDocuments(t *testing.T) {
	emb := &angleEmbedder{}
	store := seed(t, emb, nil, "ready", 3, "")
	addDoc(t, store, emb, nil, "pending", 3, "")

	svc := New(emb, store, WithVectorizedGate(gate{"ready": true}))
	results, err := svc.Search(context.Background(), "section 1", nil, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, "ready", r.DocumentID)
	}
}

// rankedStore returns the first topK of a fixed ranking and records each topK.
type rankedStore struct {
	vectorstore.Index
	ranking []vectorstore.Match
	asked   []int
}

func (r *rankedStore) Query(_ context.Context, _ []float32, topK int, _ domain.Filter) ([]vectorstore.Match, error) {
	r.asked = append(r.asked, topK)
	if topK > len(r.ranking) {
		topK = len(r.ranking)
	}
	return r.ranking[:topK], nil
}

func ranked(doc string, n int, from float64) []vectorstore.Match {
	out := make([]vectorstore.Match, n)
	for i := range out {
		out[i] = vectorstore.Match{
			ID:       domain.ChunkID(doc, i),
			Score:    from - float64(i)*0.01,
			Content:  doc,
			Metadata: domain.Metadata{domain.MetaDocumentID: doc, domain.MetaChunkIndex: float64(i)},
		}
	}
	return out
}

func TestSearch_GateWidensWindowPastPendingDocuments(t *testing.T) {
	store := &rankedStore{ranking: append(ranked("pending", 6, 0.99), ranked("ready", 3, 0.5)...)}
	svc := New(&angleEmbedder{}, store, WithVectorizedGate(gate{"ready": true}), WithOverFetch(1))

	results, err := svc.Search(context.Background(), "section 1", nil, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, "ready", r.DocumentID)
	}
	assert.Equal(t, []int{3, 6, 12}, store.asked)
}

func TestSearch_GateWideningIsBounded(t *testing.T) {
	store := &rankedStore{ranking: ranked("pending", 1000, 0.99)}
	svc := New(&angleEmbedder{}, store, WithVectorizedGate(gate{}), WithOverFetch(1))

	results, err := svc.Search(context.Background(), "section 1", nil, 2)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Len(t, store.asked, maxFetchRounds)
}

// ========== Hybrid ==========

func TestSearch_HybridFusesKeywordRanks(t *testing.T) {
	emb := &angleEmbedder{}
	kw, err := indexer.OpenKeywordIndex("")
	require.NoError(t, err)
	defer kw.Close()
	store := seed(t, emb, kw, "doc", 12, "")

	results, err := New(emb, store, WithHybrid(kw)).Search(context.Background(), "section 7", nil, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "doc_7", results[0].ID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestFuse_RRF(t *testing.T) {
	matches := []vectorstore.Match{{ID: "d_0"}, {ID: "d_1"}}
	hits := []indexer.KeywordHit{{ID: "d_1"}, {ID: "d_2", Content: "kw only"}}

	got := fuse(matches, hits)
	sortResults(got)
	require.Len(t, got, 3)
	assert.Equal(t, "d_1", got[0].ID)
	assert.InDelta(t, 1/61.0+1/62.0, got[0].Score, 1e-9)
	assert.Equal(t, "d_0", got[1].ID)
	assert.Equal(t, "d_2", got[2].ID)
	assert.Equal(t, "kw only", got[2].Content)
	assert.Equal(t, 2, got[2].Index)
}
