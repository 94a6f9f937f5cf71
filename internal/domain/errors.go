package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Ingestion and query errors. Callers match them with errors.Is.
var (
	// ErrPayloadTooLarge is returned before any network call when an upload exceeds the size ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnsupportedMediaType indicates the declared or sniffed media type cannot be ingested.
	ErrUnsupportedMediaType = errors.New("unsupported media type")

	// ErrStorageUnavailable indicates both upload paths of the object store failed.
	ErrStorageUnavailable = errors.New("object storage unavailable")

	// ErrOcrTimeout indicates the OCR service did not answer within its deadline.
	ErrOcrTimeout = errors.New("ocr timeout")

	// ErrOcrService is matched by every *OcrServiceError.
	ErrOcrService = errors.New("ocr service error")

	// ErrExtractionFailed indicates local text extraction produced nothing usable.
	ErrExtractionFailed = errors.New("text extraction failed")

	// ErrInvalidQuery indicates an empty or unusable query.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrAnswerGenerationFailed indicates the language model call behind an answer failed.
	ErrAnswerGenerationFailed = errors.New("answer generation failed")

	// ErrExtractionInvalidInput indicates raw text too short to spend a model call on.
	ErrExtractionInvalidInput = errors.New("extraction input invalid")

	// ErrMetadataExtractionFailed indicates the model call for structured metadata failed twice.
	ErrMetadataExtractionFailed = errors.New("metadata extraction failed")

	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIngestionInProgress indicates the same content is being ingested by another worker.
	ErrIngestionInProgress = errors.New("ingestion already in progress")

	// ErrProjectConflict indicates the content is already indexed under a
	// different project. Chunk scoping is fixed when the chunks are created.
	ErrProjectConflict = errors.New("content already indexed under another project")
)

// OcrServiceError carries a non-2xx OCR response without masking the upstream status.
type OcrServiceError struct {
	Status int
	Body   string
}

func (e *OcrServiceError) Error() string {
	return fmt.Sprintf("ocr service error: status %d: %s", e.Status, e.Body)
}

func (e *OcrServiceError) Is(target error) bool {
	return target == ErrOcrService
}

// Reason codes surfaced to users for failed ingestions.
const (
	ReasonRejected    = "rejected"     // file too large, unsupported or owned by another project
	ReasonUnavailable = "unavailable"  // service temporarily unavailable, retry later
	ReasonManualEntry = "manual_entry" // structured fields could not be extracted
	ReasonFailed      = "failed"
)

// Reason maps an error to the reason code shown to the user.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, ErrUnsupportedMediaType),
		errors.Is(err, ErrProjectConflict):
		return ReasonRejected
	case errors.Is(err, ErrMetadataExtractionFailed), errors.Is(err, ErrExtractionInvalidInput):
		return ReasonManualEntry
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrOcrTimeout),
		errors.Is(err, ErrOcrService), errors.Is(err, ErrAnswerGenerationFailed),
		errors.Is(err, ErrIngestionInProgress):
		return ReasonUnavailable
	}
	if transient, known := classify(err); known && transient {
		return ReasonUnavailable
	}
	return ReasonFailed
}

// StatusError is implemented by errors that carry an upstream HTTP status.
type StatusError interface {
	HTTPStatus() int
}

func (e *OcrServiceError) HTTPStatus() int { return e.Status }

// UpstreamError is a non-2xx answer from an embedding or language-model service.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s error: status %d: %s", e.Service, e.Status, e.Body)
}

func (e *UpstreamError) HTTPStatus() int { return e.Status }

// IsTransient reports whether err is worth one more attempt: timeouts,
// rate limits, 5xx responses and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	transient, known := classify(err)
	if known {
		return transient
	}
	// Unclassified errors from SDK clients are treated as transient.
	return true
}

func classify(err error) (transient, known bool) {
	switch {
	case errors.Is(err, ErrPayloadTooLarge), errors.Is(err, ErrUnsupportedMediaType),
		errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrExtractionInvalidInput),
		errors.Is(err, ErrExtractionFailed), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrProjectConflict),
		errors.Is(err, context.Canceled):
		return false, true
	case errors.Is(err, ErrOcrTimeout), errors.Is(err, context.DeadlineExceeded):
		return true, true
	}

	var se StatusError
	if errors.As(err, &se) {
		code := se.HTTPStatus()
		return code == 429 || code >= 500, true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true, true
	}
	return false, false
}
