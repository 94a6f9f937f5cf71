package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// ========== DocumentID ==========

func TestDocumentID_Deterministic(t *testing.T) {
	data := []byte("项目名称：智慧交通系统")
	a := DocumentID(data)
	b := DocumentID(append([]byte(nil), data...))
	if a != b {
		t.Errorf("same bytes produced different ids: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if DocumentID([]byte("other")) == a {
		t.Error("different bytes produced the same id")
	}
}

// ========== ChunkID ==========

func TestChunkID_RoundTrip(t *testing.T) {
	id := ChunkID("abc_def", 7)
	if id != "abc_def_7" {
		t.Fatalf("ChunkID = %q", id)
	}
	doc, idx, err := ParseChunkID(id)
	if err != nil {
		t.Fatalf("ParseChunkID: %v", err)
	}
	if doc != "abc_def" || idx != 7 {
		t.Errorf("got (%q, %d), want (abc_def, 7)", doc, idx)
	}
}

func TestParseChunkID_Malformed(t *testing.T) {
	for _, id := range []string{"", "abc", "abc_", "_3", "abc_x"} {
		if _, _, err := ParseChunkID(id); err == nil {
			t.Errorf("expected error for %q", id)
		}
	}
}

// ========== Metadata ==========

func TestMetadata_SetWidensIntegers(t *testing.T) {
	m := Metadata{}
	if err := m.Set("chunk_index", 3); err != nil {
		t.Fatal(err)
	}
	if v, ok := m["chunk_index"].(float64); !ok || v != 3 {
		t.Errorf("chunk_index = %#v, want float64(3)", m["chunk_index"])
	}
}

func TestMetadata_SetRejectsStructured(t *testing.T) {
	m := Metadata{}
	if err := m.Set("tags", []string{"a"}); err == nil {
		t.Error("expected error for slice value")
	}
	if err := m.SetStructured("tags", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if m.String("tags") != `["a","b"]` {
		t.Errorf("tags = %q", m.String("tags"))
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFilter_Matches(t *testing.T) {
	m := Metadata{MetaDocumentID: "d1", MetaChunkIndex: float64(2), MetaProjectID: "p1"}
	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"doc", Filter{MetaDocumentID: "d1"}, true},
		{"int against float", Filter{MetaChunkIndex: 2}, true},
		{"wrong project", Filter{MetaProjectID: "p2"}, false},
		{"missing key", Filter{"other": "x"}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(m); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// ========== Errors ==========

func TestOcrServiceError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("ocr: %w", &OcrServiceError{Status: 429, Body: "slow down"})
	if !errors.Is(err, ErrOcrService) {
		t.Error("expected errors.Is(err, ErrOcrService)")
	}
	var oe *OcrServiceError
	if !errors.As(err, &oe) || oe.Status != 429 {
		t.Errorf("upstream status lost: %+v", oe)
	}
	if !IsTransient(err) {
		t.Error("429 should be transient")
	}
	if IsTransient(&OcrServiceError{Status: 401}) {
		t.Error("401 should not be transient")
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline should be transient")
	}
	if IsTransient(fmt.Errorf("x: %w", ErrPayloadTooLarge)) {
		t.Error("payload too large is permanent")
	}
	if IsTransient(ErrProjectConflict) {
		t.Error("project conflict is permanent")
	}
	if IsTransient(context.Canceled) {
		t.Error("cancellation is permanent")
	}
	if !IsTransient(fmt.Errorf("embed: %w", &UpstreamError{Service: "huggingface", Status: 502})) {
		t.Error("upstream 502 should be transient")
	}
	if IsTransient(&UpstreamError{Service: "anthropic", Status: 400}) {
		t.Error("upstream 400 should be permanent")
	}
}

func TestReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", ErrPayloadTooLarge), ReasonRejected},
		{ErrUnsupportedMediaType, ReasonRejected},
		{fmt.Errorf("upload: %w", ErrProjectConflict), ReasonRejected},
		{ErrStorageUnavailable, ReasonUnavailable},
		{&OcrServiceError{Status: 503}, ReasonUnavailable},
		{fmt.Errorf("%w: %w", ErrMetadataExtractionFailed, context.DeadlineExceeded), ReasonManualEntry},
		{ErrExtractionFailed, ReasonFailed},
		{errors.New("boom"), ReasonFailed},
	}
	for _, tc := range cases {
		if got := Reason(tc.err); got != tc.want {
			t.Errorf("Reason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
