package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"projectlens/internal/domain"
	"projectlens/internal/metadata"
)

// File keeps documents in a JSON file with per-document text and metadata
// files beside it. An empty directory keeps everything in memory.
type File struct {
	mu       sync.RWMutex
	docs     map[string]domain.Document
	text     map[string]string
	meta     map[string]*metadata.Result
	locks    map[string]time.Time
	dataDir  string
	filePath string
}

// NewFile loads any existing documents under dataDir.
func NewFile(dataDir string) (*File, error) {
	s := &File{
		docs:  make(map[string]domain.Document),
		text:  make(map[string]string),
		meta:  make(map[string]*metadata.Result),
		locks: make(map[string]time.Time),
	}
	if dataDir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	s.dataDir = dataDir
	s.filePath = filepath.Join(dataDir, "documents.json")

	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	var docs []domain.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s, nil
}

// NewMemory returns a File store that never touches disk.
func NewMemory() *File {
	s, _ := NewFile("")
	return s
}

func (s *File) persistent() bool { return s.dataDir != "" }

func (s *File) docDir(id string) string { return filepath.Join(s.dataDir, id) }

// save writes the document list; callers hold s.mu.
func (s *File) save() error {
	if !s.persistent() {
		return nil
	}
	docs := make([]domain.Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	sortNewestFirst(docs)
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

func (s *File) Save(_ context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	touch(doc, time.Now())
	s.docs[doc.ID] = *doc
	return s.save()
}

func (s *File) Get(_ context.Context, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return &d, nil
}

func (s *File) List(_ context.Context) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *File) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	delete(s.docs, id)
	delete(s.text, id)
	delete(s.meta, id)
	if s.persistent() {
		_ = os.RemoveAll(s.docDir(id))
	}
	return s.save()
}

func (s *File) AreVectorized(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = s.docs[id].Vectorized
	}
	return out, nil
}

func (s *File) SaveText(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.persistent() {
		s.text[id] = text
		return nil
	}
	if err := os.MkdirAll(s.docDir(id), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.docDir(id), "text.txt"), []byte(text), 0644)
}

func (s *File) Text(_ context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.persistent() {
		t, ok := s.text[id]
		if !ok {
			return "", fmt.Errorf("text %s: %w", id, domain.ErrNotFound)
		}
		return t, nil
	}
	data, err := os.ReadFile(filepath.Join(s.docDir(id), "text.txt"))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("text %s: %w", id, domain.ErrNotFound)
	}
	return string(data), err
}

func (s *File) SaveMetadata(_ context.Context, id string, res *metadata.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.persistent() {
		cp := *res
		s.meta[id] = &cp
		return nil
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.docDir(id), 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.docDir(id), "metadata.json"), data, 0644)
}

func (s *File) Metadata(_ context.Context, id string) (*metadata.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.persistent() {
		r, ok := s.meta[id]
		if !ok {
			return nil, fmt.Errorf("metadata %s: %w", id, domain.ErrNotFound)
		}
		cp := *r
		return &cp, nil
	}
	data, err := os.ReadFile(filepath.Join(s.docDir(id), "metadata.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("metadata %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var res metadata.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", id, err)
	}
	return &res, nil
}

// Acquire holds an in-process lock; it does not coordinate across processes.
func (s *File) Acquire(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, held := s.locks[id]; held && now.Before(exp) {
		return false, nil
	}
	s.locks[id] = now.Add(ttl)
	return true, nil
}

func (s *File) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, id)
	return nil
}

func (s *File) Close() error { return nil }
