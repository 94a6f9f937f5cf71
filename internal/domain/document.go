package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceType is the classifier's verdict on an uploaded file.
type SourceType string

const (
	SourceScannedPDF SourceType = "scanned-pdf"
	SourceNativePDF  SourceType = "native-pdf"
	SourceWordDoc    SourceType = "word-doc"
	SourceImage      SourceType = "image"
)

// NeedsOCR reports whether text for this source type comes from the OCR service.
func (s SourceType) NeedsOCR() bool {
	return s == SourceScannedPDF || s == SourceImage
}

// Document processing states.
const (
	StatusPending    = "pending"
	StatusExtracting = "extracting"
	StatusIndexing   = "indexing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Document is one ingested source file. Vectorized flips to true only after
// every chunk of the document has been upserted.
type Document struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	ProjectID     string     `json:"project_id,omitempty"`
	SourceType    SourceType `json:"source_type"`
	MediaType     string     `json:"media_type"`
	Size          int        `json:"size"`
	RawText       string     `json:"-"`
	TextLength    int        `json:"text_length"`
	ChunkCount    int        `json:"chunk_count"`
	Vectorized    bool       `json:"vectorized"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	Error         string     `json:"error,omitempty"`
	MetadataState string     `json:"metadata_state,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DocumentID is the content hash of the raw bytes.
func DocumentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Chunk is a bounded slice of a document's text.
type Chunk struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	Index      int      `json:"index"`
	Content    string   `json:"content"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

// ChunkID returns the stable id "{documentId}_{chunkIndex}".
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s_%d", documentID, index)
}

// ParseChunkID splits a chunk id back into document id and index.
func ParseChunkID(id string) (string, int, error) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed chunk id %q", id)
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("malformed chunk id %q", id)
	}
	return id[:i], n, nil
}
