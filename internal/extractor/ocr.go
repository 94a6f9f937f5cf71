package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"projectlens/internal/domain"
	"projectlens/internal/retry"

	"github.com/google/uuid"
)

const (
	DefaultOCRModel        = "mistral-ocr-latest"
	DefaultDocumentTimeout = 120 * time.Second
	DefaultImageTimeout    = 60 * time.Second

	maxErrorBody = 4 << 10
)

// DocumentKind selects how the OCR service fetches the referenced file.
type DocumentKind string

const (
	KindDocument DocumentKind = "document_url"
	KindImage    DocumentKind = "image_url"
)

// KindFor returns the document kind the OCR service expects for a source type.
func KindFor(st domain.SourceType) DocumentKind {
	if st == domain.SourceImage {
		return KindImage
	}
	return KindDocument
}

// OCROptions limits what the OCR service processes and returns.
type OCROptions struct {
	PageLimit          int // first N pages only; 0 means all
	TotalPages         int // page count of the document, if known
	ImageLimit         int
	ImageMinSize       int
	IncludeImageBase64 bool
}

// OCRImage is an embedded image region on a recognized page.
type OCRImage struct {
	ID           string `json:"id"`
	TopLeftX     int    `json:"top_left_x"`
	TopLeftY     int    `json:"top_left_y"`
	BottomRightX int    `json:"bottom_right_x"`
	BottomRightY int    `json:"bottom_right_y"`
	ImageBase64  string `json:"image_base64,omitempty"`
}

// OCRDimensions describes the rendered page.
type OCRDimensions struct {
	DPI    int `json:"dpi"`
	Height int `json:"height"`
	Width  int `json:"width"`
}

// OCRPage is one recognized page; Markdown holds the raw text.
type OCRPage struct {
	Index      int            `json:"index"`
	Markdown   string         `json:"markdown"`
	Images     []OCRImage     `json:"images"`
	Dimensions *OCRDimensions `json:"dimensions,omitempty"`
}

// OCRUsage reports what the service processed.
type OCRUsage struct {
	PagesProcessed int `json:"pages_processed"`
	DocSizeBytes   int `json:"doc_size_bytes,omitempty"`
}

// OCRResult is the decoded OCR response.
type OCRResult struct {
	Pages     []OCRPage `json:"pages"`
	Model     string    `json:"model"`
	UsageInfo OCRUsage  `json:"usage_info"`

	// Truncated is set when a timeout forced the retry onto fewer pages.
	Truncated bool `json:"-"`
}

// Text joins the page texts in page order.
func (r *OCRResult) Text() string {
	parts := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		if t := strings.TrimSpace(p.Markdown); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// OCRClient calls the remote OCR service, which fetches documents by public URL.
type OCRClient struct {
	baseURL         string
	apiKey          string
	model           string
	httpClient      *http.Client
	documentTimeout time.Duration
	imageTimeout    time.Duration
	retry           retry.Policy
	logger          *slog.Logger
}

// OCROption configures an OCRClient.
type OCROption func(*OCRClient)

func WithOCRModel(model string) OCROption {
	return func(c *OCRClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithHTTPClient(hc *http.Client) OCROption {
	return func(c *OCRClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeouts overrides the per-request deadlines for documents and images.
func WithTimeouts(document, image time.Duration) OCROption {
	return func(c *OCRClient) {
		if document > 0 {
			c.documentTimeout = document
		}
		if image > 0 {
			c.imageTimeout = image
		}
	}
}

// WithOCRRetry replaces the retry policy applied to transient failures.
func WithOCRRetry(p retry.Policy) OCROption {
	return func(c *OCRClient) {
		if p.MaxAttempts > 0 {
			c.retry = p
		}
	}
}

func WithOCRLogger(l *slog.Logger) OCROption {
	return func(c *OCRClient) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewOCRClient(baseURL, apiKey string, opts ...OCROption) *OCRClient {
	c := &OCRClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		model:           DefaultOCRModel,
		httpClient:      &http.Client{},
		documentTimeout: DefaultDocumentTimeout,
		imageTimeout:    DefaultImageTimeout,
		retry:           retry.Once,
		logger:          slog.Default().With("component", "ocr"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract asks the OCR service to recognize the document at documentURL.
// A missed deadline returns domain.ErrOcrTimeout; a non-2xx answer returns
// *domain.OcrServiceError carrying the upstream status and body.
//
// Transient failures are retried under the client's policy. After a
// document times out, the next attempt asks for the first half of its pages
// and a successful result is marked Truncated.
func (c *OCRClient) Extract(ctx context.Context, documentURL string, kind DocumentKind, opts OCROptions) (*OCRResult, error) {
	truncated := false
	res, err := retry.Value(ctx, c.retry, func(ctx context.Context) (*OCRResult, error) {
		res, err := c.extract(ctx, documentURL, kind, opts)
		if err == nil {
			res.Truncated = truncated
			return res, nil
		}
		if kind == KindDocument && errors.Is(err, domain.ErrOcrTimeout) {
			if half := opts.pages() / 2; half >= 1 {
				c.logger.Warn("ocr.retry.reduced", "pages", opts.pages(), "page_limit", half)
				opts.PageLimit = half
				truncated = true
			}
		}
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// pages is the number of pages a request covers, or 0 when unknown.
func (o OCROptions) pages() int {
	if o.PageLimit > 0 && (o.TotalPages == 0 || o.PageLimit < o.TotalPages) {
		return o.PageLimit
	}
	return o.TotalPages
}

func (c *OCRClient) extract(ctx context.Context, documentURL string, kind DocumentKind, opts OCROptions) (*OCRResult, error) {
	rid := uuid.New().String()
	start := time.Now()

	timeout := c.documentTimeout
	if kind == KindImage {
		timeout = c.imageTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(c.buildRequest(documentURL, kind, opts))
	if err != nil {
		return nil, fmt.Errorf("encode ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ocr", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Info("ocr.request.start", "req_id", rid, "kind", kind, "page_limit", opts.PageLimit, "timeout", timeout)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			c.logger.Warn("ocr.request.timeout", "req_id", rid, "elapsed_ms", time.Since(start).Milliseconds())
			return nil, fmt.Errorf("%w after %v: %w", domain.ErrOcrTimeout, timeout, err)
		}
		c.logger.Error("ocr.request.error", "req_id", rid, "error", err)
		return nil, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("ocr.request.status", "req_id", rid, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, &domain.OcrServiceError{Status: resp.StatusCode, Body: string(b)}
	}

	var result OCRResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w while reading response: %w", domain.ErrOcrTimeout, err)
		}
		return nil, fmt.Errorf("%w: decode ocr response: %w", domain.ErrExtractionFailed, err)
	}

	c.logger.Info("ocr.request.ok",
		"req_id", rid,
		"pages", len(result.Pages),
		"pages_processed", result.UsageInfo.PagesProcessed,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &result, nil
}

func (c *OCRClient) buildRequest(documentURL string, kind DocumentKind, opts OCROptions) map[string]any {
	body := map[string]any{
		"model": c.model,
		"document": map[string]any{
			"type":       string(kind),
			string(kind): documentURL,
		},
	}
	if opts.PageLimit > 0 && kind == KindDocument {
		pages := make([]int, opts.PageLimit)
		for i := range pages {
			pages[i] = i
		}
		body["pages"] = pages
	}
	if opts.IncludeImageBase64 {
		body["include_image_base64"] = true
	}
	if opts.ImageLimit > 0 {
		body["image_limit"] = opts.ImageLimit
	}
	if opts.ImageMinSize > 0 {
		body["image_min_size"] = opts.ImageMinSize
	}
	return body
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
