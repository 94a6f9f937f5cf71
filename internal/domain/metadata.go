package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Well-known metadata keys attached to every indexed chunk.
const (
	MetaDocumentID   = "document_id"
	MetaChunkIndex   = "chunk_index"
	MetaProjectID    = "project_id"
	MetaSourceType   = "source_type"
	MetaDocumentName = "document_name"
)

// Metadata is a flat key/value map restricted to string, float64 and bool
// values. Structured values go through SetStructured, which stores them as
// JSON strings.
type Metadata map[string]any

// Set stores a scalar value. Integer kinds are widened to float64.
func (m Metadata) Set(key string, v any) error {
	switch x := v.(type) {
	case string, bool, float64:
		m[key] = x
	case float32:
		m[key] = float64(x)
	case int:
		m[key] = float64(x)
	case int32:
		m[key] = float64(x)
	case int64:
		m[key] = float64(x)
	case uint:
		m[key] = float64(x)
	case uint32:
		m[key] = float64(x)
	case uint64:
		m[key] = float64(x)
	default:
		return fmt.Errorf("metadata %q: unsupported value type %T", key, v)
	}
	return nil
}

// SetStructured serializes v as JSON and stores it as a string.
func (m Metadata) SetStructured(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metadata %q: %w", key, err)
	}
	m[key] = string(b)
	return nil
}

// Validate rejects any value outside the closed scalar set.
func (m Metadata) Validate() error {
	for k, v := range m {
		switch v.(type) {
		case string, bool, float64:
		default:
			return fmt.Errorf("metadata %q: unsupported value type %T", k, v)
		}
	}
	return nil
}

// String returns the value under key formatted as a string.
func (m Metadata) String(key string) string {
	switch x := m[key].(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

// Clone returns a shallow copy; values are scalars so the copy is independent.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Filter selects chunks by exact metadata equality on every listed key.
type Filter map[string]any

// Matches reports whether m satisfies every condition in f.
func (f Filter) Matches(m Metadata) bool {
	for k, want := range f {
		got, ok := m[k]
		if !ok {
			return false
		}
		if !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

// DocumentID returns the document id condition, if any.
func (f Filter) DocumentID() string {
	s, _ := f[MetaDocumentID].(string)
	return s
}

func scalarEqual(a, b any) bool {
	na, aNum := toFloat(a)
	nb, bNum := toFloat(b)
	if aNum && bNum {
		return na == nb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
