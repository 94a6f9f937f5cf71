// Package extractor obtains plain text from uploads, either locally from an
// embedded text layer or through the remote OCR service.
package extractor

import (
	"fmt"
	"strings"

	"projectlens/internal/domain"
)

// Native extracts text locally for documents that already carry text.
// Failures wrap domain.ErrExtractionFailed; the caller falls back to OCR.
func Native(data []byte, st domain.SourceType) (string, error) {
	var parts []string
	switch st {
	case domain.SourceNativePDF, domain.SourceScannedPDF:
		pages, err := ExtractPDF(data)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrExtractionFailed, err)
		}
		for _, p := range pages {
			parts = append(parts, strings.TrimSpace(p.Text))
		}
	case domain.SourceWordDoc:
		paragraphs, err := ExtractDOCX(data)
		if err != nil {
			return "", fmt.Errorf("%w: %w", domain.ErrExtractionFailed, err)
		}
		parts = paragraphs
	default:
		return "", fmt.Errorf("%w: no local extractor for %s", domain.ErrExtractionFailed, st)
	}

	text := strings.Join(parts, "\n\n")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: no text layer", domain.ErrExtractionFailed)
	}
	return text, nil
}
