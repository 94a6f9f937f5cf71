// Package vectorstore holds chunk embeddings and answers nearest-neighbor
// queries filtered by chunk metadata.
package vectorstore

import (
	"context"
	"math"
	"sort"

	"projectlens/internal/domain"
)

// Record is one chunk as stored in the index.
type Record struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	Vector     []float32       `json:"vector"`
	Content    string          `json:"content"`
	Metadata   domain.Metadata `json:"metadata"`
}

// Match is a query hit. Score is cosine similarity, higher is closer.
type Match struct {
	ID       string          `json:"id"`
	Score    float64         `json:"score"`
	Content  string          `json:"content"`
	Metadata domain.Metadata `json:"metadata"`
}

// Index is the vector index collaborator.
type Index interface {
	// Upsert writes records, replacing any with the same id.
	Upsert(ctx context.Context, records []Record) error
	// Query returns at most topK matches satisfying filter, by descending score.
	Query(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]Match, error)
	// DeleteByDocument removes every record of a document.
	DeleteByDocument(ctx context.Context, documentID string) error
	Close() error
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SortMatches orders matches by descending score, breaking ties by id.
func SortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].ID < ms[j].ID
	})
}
