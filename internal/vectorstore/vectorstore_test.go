package vectorstore

import (
	"context"
	"fmt"
	"math"
	"os"
	"testing"

	"projectlens/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========== cosineSimilarity ==========

func TestCosineSimilarity_IdenticalVectors(t *testing.T) {
	a := []float32{1, 2, 3}
	got := cosineSimilarity(a, a)
	if math.Abs(got-1.0) > 1e-6 {
		t.Errorf("identical vectors: got %f, want 1.0", got)
	}
}

func TestCosineSimilarity_OrthogonalVectors(t *testing.T) {
	got := cosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	if math.Abs(got) > 1e-6 {
		t.Errorf("orthogonal vectors: got %f, want 0.0", got)
	}
}

func TestCosineSimilarity_OppositeVectors(t *testing.T) {
	got := cosineSimilarity([]float32{1, 2, 3}, []float32{-1, -2, -3})
	if math.Abs(got-(-1.0)) > 1e-6 {
		t.Errorf("opposite vectors: got %f, want -1.0", got)
	}
}

func TestCosineSimilarity_DifferentLengths(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("different lengths: got %f, want 0", got)
	}
}

func TestCosineSimilarity_ZeroVector(t *testing.T) {
	if got := cosineSimilarity([]float32{0, 0, 0}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("zero vector: got %f, want 0", got)
	}
}

// ========== SortMatches ==========

func TestSortMatches_TieBreakByID(t *testing.T) {
	ms := []Match{{ID: "b", Score: 0.5}, {ID: "c", Score: 0.9}, {ID: "a", Score: 0.5}}
	SortMatches(ms)
	assert.Equal(t, []string{"c", "a", "b"}, []string{ms[0].ID, ms[1].ID, ms[2].ID})
}

// ========== Badger ==========

func record(doc string, i int, vec []float32, project string) Record {
	meta := domain.Metadata{
		domain.MetaDocumentID: doc,
		domain.MetaChunkIndex: float64(i),
	}
	if project != "" {
		meta[domain.MetaProjectID] = project
	}
	return Record{
		ID:         domain.ChunkID(doc, i),
		DocumentID: doc,
		Vector:     vec,
		Content:    fmt.Sprintf("%s chunk %d", doc, i),
		Metadata:   meta,
	}
}

func openMem(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBadger_QueryOrdersByScore(t *testing.T) {
	ctx := context.Background()
	b := openMem(t)
	require.NoError(t, b.Upsert(ctx, []Record{
		record("d1", 0, []float32{1, 0}, "p1"),
		record("d1", 1, []float32{0.7, 0.7}, "p1"),
		record("d1", 2, []float32{0, 1}, "p1"),
	}))

	ms, err := b.Query(ctx, []float32{1, 0.1}, 2, nil)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "d1_0", ms[0].ID)
	assert.Equal(t, "d1_1", ms[1].ID)
	assert.GreaterOrEqual(t, ms[0].Score, ms[1].Score)
	assert.Equal(t, "d1 chunk 0", ms[0].Content)
	assert.Equal(t, float64(0), ms[0].Metadata[domain.MetaChunkIndex])
}

func TestBadger_Filter(t *testing.T) {
	ctx := context.Background()
	b := openMem(t)
	require.NoError(t, b.Upsert(ctx, []Record{
		record("d1", 0, []float32{1, 0}, "p1"),
		record("d2", 0, []float32{1, 0}, "p2"),
		record("d2", 1, []float32{0.9, 0.1}, "p2"),
	}))

	ms, err := b.Query(ctx, []float32{1, 0}, 10, domain.Filter{domain.MetaProjectID: "p2"})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	for _, m := range ms {
		assert.Equal(t, "p2", m.Metadata[domain.MetaProjectID])
	}

	ms, err = b.Query(ctx, []float32{1, 0}, 10, domain.Filter{domain.MetaDocumentID: "d1"})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "d1_0", ms[0].ID)

	ms, err = b.Query(ctx, []float32{1, 0}, 10, domain.Filter{domain.MetaChunkIndex: 1})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "d2_1", ms[0].ID)
}

func TestBadger_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	b := openMem(t)
	r := record("d1", 0, []float32{1, 0}, "")
	require.NoError(t, b.Upsert(ctx, []Record{r}))
	r.Content = "updated"
	require.NoError(t, b.Upsert(ctx, []Record{r}))

	ms, err := b.Query(ctx, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "updated", ms[0].Content)
}

func TestBadger_DeleteByDocument(t *testing.T) {
	ctx := context.Background()
	b := openMem(t)
	require.NoError(t, b.Upsert(ctx, []Record{
		record("d1", 0, []float32{1, 0}, ""),
		record("d1", 1, []float32{1, 0}, ""),
		record("d10", 0, []float32{1, 0}, ""),
	}))

	require.NoError(t, b.DeleteByDocument(ctx, "d1"))

	ms, err := b.Query(ctx, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "d10_0", ms[0].ID)
}

func TestBadger_RejectsRecordWithoutDocument(t *testing.T) {
	b := openMem(t)
	err := b.Upsert(context.Background(), []Record{{ID: "x", Vector: []float32{1}}})
	assert.Error(t, err)
}

func TestBadger_ZeroTopK(t *testing.T) {
	b := openMem(t)
	ms, err := b.Query(context.Background(), []float32{1}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, ms)
}

// ========== Postgres ==========

func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("PROJECTLENS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("PROJECTLENS_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	defer p.Close()

	doc := "pgtest"
	require.NoError(t, p.DeleteByDocument(ctx, doc))
	require.NoError(t, p.Upsert(ctx, []Record{
		record(doc, 0, []float32{1, 0, 0}, "p1"),
		record(doc, 1, []float32{0, 1, 0}, "p1"),
	}))

	ms, err := p.Query(ctx, []float32{0, 1, 0}, 1, domain.Filter{domain.MetaDocumentID: doc})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, doc+"_1", ms[0].ID)
	assert.InDelta(t, 1.0, ms[0].Score, 1e-6)

	require.NoError(t, p.DeleteByDocument(ctx, doc))
	ms, err = p.Query(ctx, []float32{0, 1, 0}, 5, domain.Filter{domain.MetaDocumentID: doc})
	require.NoError(t, err)
	assert.Empty(t, ms)
}
