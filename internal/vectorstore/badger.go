package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"projectlens/internal/domain"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const chunkPrefix = "chunk/"

// Badger is an embedded index. Queries scan every record and score them
// with cosine similarity.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ Index = (*Badger)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (bl *badgerLogger) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadger opens the index at dir, creating the directory if needed.
// An empty dir opens an in-memory index.
func OpenBadger(dir string) (*Badger, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(dir)
	}
	logger := slog.Default().With("component", "vectorstore")
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func recordKey(documentID, id string) []byte {
	return []byte(chunkPrefix + documentID + "/" + id)
}

func (b *Badger) Upsert(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range records {
		if r.DocumentID == "" {
			return fmt.Errorf("record %s: missing document id", r.ID)
		}
		val, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		if err := wb.Set(recordKey(r.DocumentID, r.ID), val); err != nil {
			return fmt.Errorf("write record %s: %w", r.ID, err)
		}
	}
	return wb.Flush()
}

func (b *Badger) Query(ctx context.Context, vector []float32, topK int, filter domain.Filter) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	prefix := []byte(chunkPrefix)
	if docID := filter.DocumentID(); docID != "" {
		prefix = []byte(chunkPrefix + docID + "/")
	}

	var matches []Match
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if !filter.Matches(r.Metadata) {
				continue
			}
			matches = append(matches, Match{
				ID:       r.ID,
				Score:    cosineSimilarity(vector, r.Vector),
				Content:  r.Content,
				Metadata: r.Metadata,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (b *Badger) DeleteByDocument(_ context.Context, documentID string) error {
	prefix := []byte(chunkPrefix + documentID + "/")
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	b.logger.Debug("vectorstore.delete.ok", "doc_id", documentID, "records", len(keys))
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
