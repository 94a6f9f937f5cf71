package classifier

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"projectlens/internal/domain"
	"projectlens/internal/testutil"
)

var longText = strings.Repeat("Native text layer sentence number one. ", 6)

// ========== Size ceiling ==========

func TestClassify_PayloadAtLimitAccepted(t *testing.T) {
	data := make([]byte, MaxPayloadBytes)
	copy(data, testutil.PNG())
	_, err := New().Classify(data, "image/png")
	if errors.Is(err, domain.ErrPayloadTooLarge) {
		t.Fatal("payload of exactly the limit must not be rejected as too large")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClassify_PayloadOverLimitRejected(t *testing.T) {
	for _, size := range []int{MaxPayloadBytes + 1, 50 << 20} {
		_, err := New().Classify(make([]byte, size), "application/pdf")
		if !errors.Is(err, domain.ErrPayloadTooLarge) {
			t.Errorf("size %d: err = %v, want ErrPayloadTooLarge", size, err)
		}
	}
}

func TestClassify_SizeCheckedBeforeType(t *testing.T) {
	_, err := New().Classify(make([]byte, MaxPayloadBytes+1), "application/x-unknown")
	if !errors.Is(err, domain.ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge even for unsupported types", err)
	}
}

// ========== Media types ==========

func TestClassify_Images(t *testing.T) {
	for _, mt := range []string{"image/png", "image/jpeg", "image/jpg", "IMAGE/WEBP"} {
		got, err := New().Classify(testutil.PNG(), mt)
		if err != nil {
			t.Errorf("%s: unexpected error %v", mt, err)
			continue
		}
		if got != domain.SourceImage {
			t.Errorf("%s: got %s, want image", mt, got)
		}
	}
}

func TestClassify_SniffsWhenUndeclared(t *testing.T) {
	got, err := New().Classify(testutil.PNG(), "")
	if err != nil || got != domain.SourceImage {
		t.Errorf("got (%s, %v), want image", got, err)
	}
}

func TestClassify_DOCXDeclaredAndSniffed(t *testing.T) {
	doc := testutil.DOCX("项目名称：智慧交通系统")
	for _, mt := range []string{MediaDOCX, "application/octet-stream", "application/zip", ""} {
		got, err := New().Classify(doc, mt)
		if err != nil || got != domain.SourceWordDoc {
			t.Errorf("%q: got (%s, %v), want word-doc", mt, got, err)
		}
	}
}

func TestClassify_Unsupported(t *testing.T) {
	_, err := New().Classify([]byte("plain text"), "text/plain")
	if !errors.Is(err, domain.ErrUnsupportedMediaType) {
		t.Errorf("err = %v, want ErrUnsupportedMediaType", err)
	}
	_, err = New().Classify(nil, "application/pdf")
	if !errors.Is(err, domain.ErrUnsupportedMediaType) {
		t.Errorf("empty payload: err = %v, want ErrUnsupportedMediaType", err)
	}
}

// ========== Scanned vs native ==========

func TestClassify_NativePDF(t *testing.T) {
	data := testutil.ASCIIPDF(longText, "second page")
	res, err := New().Inspect(data, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SourceType != domain.SourceNativePDF {
		t.Errorf("got %s (text runes %d), want native-pdf", res.SourceType, res.TextRunes)
	}
	if res.Pages != 2 {
		t.Errorf("pages = %d, want 2", res.Pages)
	}
}

func TestClassify_ChineseNativePDF(t *testing.T) {
	text := strings.Repeat("项目名称：智慧交通系统。", 12)
	got, err := New().Classify(testutil.UnicodePDF(text, text), "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != domain.SourceNativePDF {
		t.Errorf("got %s, want native-pdf", got)
	}
}

func TestClassify_BlankPDFIsScanned(t *testing.T) {
	got, err := New().Classify(testutil.ASCIIPDF("", ""), "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != domain.SourceScannedPDF {
		t.Errorf("got %s, want scanned-pdf", got)
	}
}

func TestClassify_ShortTextBelowThresholdIsScanned(t *testing.T) {
	got, _ := New().Classify(testutil.ASCIIPDF("Page 1"), "application/pdf")
	if got != domain.SourceScannedPDF {
		t.Errorf("got %s, want scanned-pdf", got)
	}
	got, _ = New(WithScannedThreshold(3)).Classify(testutil.ASCIIPDF("Page 1"), "application/pdf")
	if got != domain.SourceNativePDF {
		t.Errorf("lower threshold: got %s, want native-pdf", got)
	}
}

func TestClassify_UnreadablePDFIsScanned(t *testing.T) {
	data := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0xff}, 200)...)
	got, err := New().Classify(data, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != domain.SourceScannedPDF {
		t.Errorf("got %s, want scanned-pdf", got)
	}
}

// ========== PageCount ==========

func TestPageCount(t *testing.T) {
	n, err := PageCount(testutil.ASCIIPDF("one", "two", "three"))
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 3 {
		t.Errorf("pages = %d, want 3", n)
	}
}
