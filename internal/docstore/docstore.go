// Package docstore keeps document status, extracted text and metadata, and
// the per-document ingestion lock.
package docstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"time"

	"projectlens/internal/domain"
	"projectlens/internal/metadata"
)

// Store persists documents. Get, Text and Metadata return domain.ErrNotFound
// for unknown ids.
type Store interface {
	Save(ctx context.Context, doc *domain.Document) error
	Get(ctx context.Context, id string) (*domain.Document, error)
	List(ctx context.Context) ([]domain.Document, error)
	Delete(ctx context.Context, id string) error

	// AreVectorized reports, for each id, whether the document is fully indexed.
	AreVectorized(ctx context.Context, ids []string) (map[string]bool, error)

	SaveText(ctx context.Context, id, text string) error
	Text(ctx context.Context, id string) (string, error)
	SaveMetadata(ctx context.Context, id string, res *metadata.Result) error
	Metadata(ctx context.Context, id string) (*metadata.Result, error)

	// Acquire takes the ingestion lock for id; false means another worker holds it.
	Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string) error

	Close() error
}

// DefaultLockTTL bounds how long a crashed worker can block re-ingestion.
const DefaultLockTTL = 15 * time.Minute

func ownerID() string {
	hostname, _ := os.Hostname()
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(b))
}

func touch(doc *domain.Document, now time.Time) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
}

// sortNewestFirst orders by creation time, then id.
func sortNewestFirst(docs []domain.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}
