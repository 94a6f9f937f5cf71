package indexer

import (
	"encoding/json"
	"fmt"
	"os"

	"projectlens/internal/domain"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/mapping"
)

// KeywordHit is a BM25 match from the keyword side index.
type KeywordHit struct {
	ID       string
	Score    float64
	Content  string
	Metadata domain.Metadata
}

// KeywordIndex is a BM25 side index over chunk text, used by hybrid retrieval.
type KeywordIndex struct {
	index bleve.Index
}

func keywordMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = cjk.AnalyzerName
	text.Store = true

	doc := bleve.NewKeywordFieldMapping()

	meta := bleve.NewTextFieldMapping()
	meta.Index = false
	meta.Store = true
	meta.IncludeInAll = false

	dm := bleve.NewDocumentMapping()
	dm.AddFieldMappingsAt("text", text)
	dm.AddFieldMappingsAt("doc", doc)
	dm.AddFieldMappingsAt("meta", meta)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = dm
	im.DefaultAnalyzer = cjk.AnalyzerName
	return im
}

// OpenKeywordIndex opens or creates the index at path. An empty path keeps
// the index in memory.
func OpenKeywordIndex(path string) (*KeywordIndex, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(keywordMapping())
		if err != nil {
			return nil, err
		}
		return &KeywordIndex{index: idx}, nil
	}

	var (
		idx bleve.Index
		err error
	)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, keywordMapping())
	} else {
		idx, err = bleve.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}
	return &KeywordIndex{index: idx}, nil
}

// Add indexes chunks in one batch.
func (k *KeywordIndex) Add(chunks []domain.Chunk) error {
	batch := k.index.NewBatch()
	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata %s: %w", c.ID, err)
		}
		if err := batch.Index(c.ID, map[string]any{
			"text": c.Content,
			"doc":  c.DocumentID,
			"meta": string(meta),
		}); err != nil {
			return err
		}
	}
	return k.index.Batch(batch)
}

// DeleteDocument removes every chunk of a document.
func (k *KeywordIndex) DeleteDocument(documentID string) error {
	q := bleve.NewTermQuery(documentID)
	q.SetField("doc")
	for {
		req := bleve.NewSearchRequestOptions(q, 500, 0, false)
		res, err := k.index.Search(req)
		if err != nil {
			return err
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := k.index.NewBatch()
		for _, h := range res.Hits {
			batch.Delete(h.ID)
		}
		if err := k.index.Batch(batch); err != nil {
			return err
		}
	}
}

// Search returns up to size hits matching query and filter, best first.
func (k *KeywordIndex) Search(query string, size int, filter domain.Filter) ([]KeywordHit, error) {
	mq := bleve.NewMatchQuery(query)
	mq.SetField("text")

	// Over-fetch; the filter is applied to stored metadata.
	fetch := size
	if len(filter) > 0 {
		fetch = size * 4
	}
	req := bleve.NewSearchRequestOptions(mq, fetch, 0, false)
	req.Fields = []string{"text", "meta"}

	res, err := k.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	var hits []KeywordHit
	for _, h := range res.Hits {
		hit := KeywordHit{ID: h.ID, Score: h.Score}
		hit.Content, _ = h.Fields["text"].(string)
		if raw, ok := h.Fields["meta"].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &hit.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata %s: %w", h.ID, err)
			}
		}
		if !filter.Matches(hit.Metadata) {
			continue
		}
		hits = append(hits, hit)
		if len(hits) == size {
			break
		}
	}
	return hits, nil
}

// Close closes the underlying index.
func (k *KeywordIndex) Close() error {
	return k.index.Close()
}
