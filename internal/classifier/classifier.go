// Package classifier decides how an upload's text will be obtained and
// rejects inputs that no downstream service would accept.
package classifier

import (
	"archive/zip"
	"bytes"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"projectlens/internal/domain"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const (
	// MaxPayloadBytes is the largest upload the OCR service accepts.
	MaxPayloadBytes = 10 << 20

	// DefaultScannedThreshold is the text-layer length, in runes, below which a PDF counts as scanned.
	// The value is a coarse heuristic; short native documents can fall under it.
	DefaultScannedThreshold = 100

	// DefaultProbePages bounds how many pages the text-layer probe reads.
	DefaultProbePages = 3
)

const (
	MediaPDF  = "application/pdf"
	MediaDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
	"image/tiff": true,
	"image/bmp":  true,
	"image/avif": true,
}

// Result is the full verdict on one upload.
type Result struct {
	SourceType domain.SourceType
	MediaType  string
	Pages      int // PDF page count, 0 when unknown or not a PDF
	TextRunes  int // runes found by the text-layer probe
}

// Classifier inspects uploads locally; it never performs network calls.
type Classifier struct {
	threshold  int
	probePages int
	logger     *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithScannedThreshold overrides DefaultScannedThreshold.
func WithScannedThreshold(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithProbePages overrides DefaultProbePages.
func WithProbePages(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.probePages = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(opts ...Option) *Classifier {
	c := &Classifier{
		threshold:  DefaultScannedThreshold,
		probePages: DefaultProbePages,
		logger:     slog.Default().With("component", "classifier"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the source type of data. The size ceiling is enforced first.
func (c *Classifier) Classify(data []byte, mediaType string) (domain.SourceType, error) {
	res, err := c.Inspect(data, mediaType)
	if err != nil {
		return "", err
	}
	return res.SourceType, nil
}

// Inspect classifies data and reports the media type and PDF details it found.
func (c *Classifier) Inspect(data []byte, mediaType string) (*Result, error) {
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrPayloadTooLarge, len(data), MaxPayloadBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrUnsupportedMediaType)
	}

	mt := resolveMediaType(data, mediaType)
	switch {
	case mt == MediaPDF:
		return c.inspectPDF(data), nil
	case mt == MediaDOCX:
		return &Result{SourceType: domain.SourceWordDoc, MediaType: mt}, nil
	case imageTypes[mt]:
		return &Result{SourceType: domain.SourceImage, MediaType: mt}, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedMediaType, mt)
}

func (c *Classifier) inspectPDF(data []byte) *Result {
	res := &Result{MediaType: MediaPDF, SourceType: domain.SourceScannedPDF}

	n, pages, err := c.probeText(data)
	if err != nil {
		c.logger.Debug("text layer probe failed, treating as scanned", "error", err)
	}
	res.TextRunes = n
	res.Pages = pages
	if count, err := PageCount(data); err == nil {
		res.Pages = count
	}
	if err == nil && n >= c.threshold {
		res.SourceType = domain.SourceNativePDF
	}
	return res
}

// probeText reads the text layer of the first probePages pages and returns
// the number of non-space runes found together with the page count.
func (c *Classifier) probeText(data []byte) (total, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, 0, err
	}
	pages = r.NumPage()
	limit := pages
	if limit > c.probePages {
		limit = c.probePages
	}
	for i := 1; i <= limit; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		total += utf8.RuneCountInString(strings.Join(strings.Fields(text), ""))
		if total >= c.threshold {
			break
		}
	}
	return total, pages, nil
}

var disableConfigDir sync.Once

// PageCount returns the number of pages in a PDF.
func PageCount(data []byte) (int, error) {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, fmt.Errorf("count pdf pages: %w", err)
	}
	return n, nil
}

// resolveMediaType trusts a specific declared type and sniffs otherwise.
func resolveMediaType(data []byte, declared string) string {
	mt := ""
	if declared != "" {
		if parsed, _, err := mime.ParseMediaType(declared); err == nil {
			mt = strings.ToLower(parsed)
		}
	}
	if mt == "image/jpg" {
		mt = "image/jpeg"
	}
	if mt != "" && mt != "application/octet-stream" && mt != "application/zip" {
		return mt
	}

	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	if sniffed == "application/zip" && isDOCX(data) {
		return MediaDOCX
	}
	return sniffed
}

func isDOCX(data []byte) bool {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			return true
		}
	}
	return false
}
