// Package rag answers questions from retrieved chunks.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"projectlens/internal/domain"
	"projectlens/internal/llm"
	"projectlens/internal/retriever"
	"projectlens/internal/retry"

	"github.com/google/uuid"
)

const (
	DefaultContextRunes = 12000
	DefaultTemperature  = 0.1
)

// Footnote ties an inline [N] marker to the chunk it cites.
type Footnote struct {
	ID      int    `json:"id"`
	ChunkID string `json:"chunk_id"`
}

// Answer is a grounded answer plus the chunks that were sent as context.
type Answer struct {
	Question   string             `json:"question"`
	Answer     string             `json:"answer"`
	Footnotes  []Footnote         `json:"footnotes,omitempty"`
	Confidence float64            `json:"confidence"`
	Sources    []retriever.Result `json:"sources"`
}

// Searcher is the retrieval dependency.
type Searcher interface {
	Search(ctx context.Context, query string, filter domain.Filter, topK int) ([]retriever.Result, error)
}

type Service struct {
	searcher     Searcher
	model        llm.Provider
	topK         int
	contextRunes int
	timeout      time.Duration
	policy       retry.Policy
	logger       *slog.Logger
}

type Option func(*Service)

func WithTopK(k int) Option {
	return func(s *Service) { s.topK = k }
}

// WithContextRunes bounds the total context sent to the model.
func WithContextRunes(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.contextRunes = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func New(searcher Searcher, model llm.Provider, opts ...Option) *Service {
	s := &Service{
		searcher:     searcher,
		model:        model,
		topK:         retriever.DefaultTopK,
		contextRunes: DefaultContextRunes,
		timeout:      60 * time.Second,
		policy:       retry.Once,
		logger:       slog.Default().With("component", "rag"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Answer retrieves context for question and asks the model to answer from
// it alone. Finding no chunks is not an error; the model is still asked and
// is expected to decline.
func (s *Service) Answer(ctx context.Context, question string, filter domain.Filter) (*Answer, error) {
	rid := uuid.New().String()
	start := time.Now()

	results, err := s.searcher.Search(ctx, question, filter, s.topK)
	if err != nil {
		return nil, err
	}

	contextStr, sources := FormatContext(results, s.contextRunes)
	userPrompt := fmt.Sprintf("Question: %s\n\nContext:\n%s", strings.TrimSpace(question), contextStr)

	s.logger.Info("rag.answer.start", "req_id", rid, "sources", len(sources), "context_runes", len([]rune(contextStr)))

	raw, err := retry.Value(ctx, s.policy, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.model.Complete(ctx, llm.Request{
			SystemPrompt: systemPrompt,
			UserPrompt:   userPrompt,
			Temperature:  DefaultTemperature,
			JSONMode:     true,
		})
	})
	if err != nil {
		s.logger.Error("rag.answer.error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("%w: %w", domain.ErrAnswerGenerationFailed, err)
	}

	ans := parseAnswer(raw, question)
	ans.Sources = sources
	if ans.Sources == nil {
		ans.Sources = []retriever.Result{}
	}
	s.logger.Info("rag.answer.ok", "req_id", rid, "confidence", ans.Confidence, "elapsed_ms", time.Since(start).Milliseconds())
	return ans, nil
}

// FormatContext concatenates chunk contents up to maxRunes. The last chunk
// that does not fit whole is truncated; chunks after it are dropped. The
// returned sources are exactly the chunks included.
func FormatContext(results []retriever.Result, maxRunes int) (string, []retriever.Result) {
	if len(results) == 0 {
		return "(no relevant excerpts were found)", nil
	}
	var (
		parts   []string
		sources []retriever.Result
		used    int
	)
	for i, r := range results {
		header := fmt.Sprintf("[Source %d] chunk_id: %s", i+1, r.ID)
		if name := r.Metadata.String(domain.MetaDocumentName); name != "" {
			header += " | document: " + name
		}
		body := []rune(r.Content)
		remaining := maxRunes - used - len([]rune(header)) - 1
		if remaining <= 0 {
			break
		}
		if len(body) > remaining {
			body = body[:remaining]
		}
		parts = append(parts, header+"\n"+string(body))
		sources = append(sources, r)
		used += len([]rune(header)) + 1 + len(body)
		if len(body) < len([]rune(r.Content)) {
			break
		}
	}
	return strings.Join(parts, "\n\n---\n\n"), sources
}

// parseAnswer extracts the JSON answer, falling back to the raw text.
func parseAnswer(rawText, question string) *Answer {
	rawText = strings.TrimSpace(rawText)
	cleaned := strings.TrimPrefix(rawText, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	if i := strings.Index(cleaned, "```"); i >= 0 {
		cleaned = cleaned[:i]
	}
	cleaned = strings.TrimSpace(cleaned)

	var parsed struct {
		Answer     string     `json:"answer"`
		Footnotes  []Footnote `json:"footnotes"`
		Confidence float64    `json:"confidence"`
	}
	err := json.Unmarshal([]byte(cleaned), &parsed)
	if err != nil {
		// Text around the object.
		lo, hi := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}")
		if lo >= 0 && hi > lo {
			err = json.Unmarshal([]byte(cleaned[lo:hi+1]), &parsed)
		}
	}
	if err != nil {
		return &Answer{Question: question, Answer: rawText, Confidence: 0.5}
	}

	// Valid JSON with a blank answer: show the raw text rather than nothing.
	answerText := parsed.Answer
	if strings.TrimSpace(answerText) == "" {
		answerText = rawText
	}
	return &Answer{
		Question:   question,
		Answer:     answerText,
		Footnotes:  parsed.Footnotes,
		Confidence: parsed.Confidence,
	}
}

const systemPrompt = `You are a precise assistant for project documents. You will be given a question and numbered excerpts from the documents.

Rules:
1. Answer ONLY from the provided excerpts. Do not use outside knowledge.
2. If the excerpts do not contain the answer, say that the documents do not contain this information and set confidence to 0.
3. Cite claims with inline markers like [1], [2] matching the excerpt numbers.
4. Use exact figures, names and dates as written in the excerpts.
5. Answer in the language of the question.

Respond with JSON in this exact shape:
{
  "answer": "The total budget is 1,200,000 yuan[1].",
  "footnotes": [{"id": 1, "chunk_id": "<chunk_id of source 1>"}],
  "confidence": 0.9
}

confidence is between 0.0 and 1.0 and reflects how well the excerpts answer the question.`
