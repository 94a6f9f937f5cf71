package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"projectlens/internal/domain"
	"projectlens/internal/llm"
	"projectlens/internal/retry"

	"github.com/google/uuid"
)

const (
	DefaultMinRunes      = 20
	DefaultMaxInputRunes = 16000
	DefaultTimeout       = 90 * time.Second

	temperature = 0.1
	maxTokens   = 4096
)

// State is a step of one extraction request:
// Pending → ModelInvoked → {ParsedStrict | ParsedRecovered | Failed} → Normalized.
type State string

const (
	StatePending         State = "pending"
	StateModelInvoked    State = "model_invoked"
	StateParsedStrict    State = "parsed_strict"
	StateParsedRecovered State = "parsed_recovered"
	StateFailed          State = "failed"
	StateNormalized      State = "normalized"
	// StateManual marks metadata entered or corrected by a person.
	StateManual State = "manual"
)

// Result is the outcome of one extraction.
type Result struct {
	Metadata ProjectMetadata `json:"metadata"`
	State    State           `json:"state"`
	Tier     Tier            `json:"tier,omitempty"`
	// Conformant reports whether the recovered model object already matched
	// the schema before normalization.
	Conformant bool    `json:"conformant"`
	History    []State `json:"history"`
	RequestID  string  `json:"request_id"`
}

func (r *Result) advance(s State) {
	r.State = s
	r.History = append(r.History, s)
}

type Extractor struct {
	model         llm.Provider
	minRunes      int
	maxInputRunes int
	timeout       time.Duration
	policy        retry.Policy
	now           func() time.Time
	logger        *slog.Logger
}

type Option func(*Extractor)

// WithMinRunes sets the shortest input worth a model call.
func WithMinRunes(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.minRunes = n
		}
	}
}

// WithMaxInputRunes caps how much source text goes into the prompt.
func WithMaxInputRunes(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxInputRunes = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Extractor) { e.policy = p }
}

// WithClock replaces time.Now for date defaults.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l.With("component", "metadata") }
}

func New(model llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{
		model:         model,
		minRunes:      DefaultMinRunes,
		maxInputRunes: DefaultMaxInputRunes,
		timeout:       DefaultTimeout,
		policy:        retry.Once,
		now:           time.Now,
		logger:        slog.Default().With("component", "metadata"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract asks the model for ProjectMetadata describing rawText. Malformed
// model output never fails the call. When the model call itself fails twice
// the returned error wraps domain.ErrMetadataExtractionFailed and the result
// still carries defaults with whatever could be scraped from rawText, for a
// manual-entry form.
func (e *Extractor) Extract(ctx context.Context, rawText string) (*Result, error) {
	text := strings.TrimSpace(rawText)
	if n := utf8.RuneCountInString(text); n < e.minRunes {
		return nil, fmt.Errorf("%w: %d characters, need at least %d", domain.ErrExtractionInvalidInput, n, e.minRunes)
	}

	res := &Result{RequestID: uuid.New().String()}
	res.advance(StatePending)
	start := time.Now()
	e.logger.Info("metadata.extract.start", "req_id", res.RequestID, "input_runes", utf8.RuneCountInString(text))

	prompt := userPrompt(truncateRunes(text, e.maxInputRunes))
	attempts := 0
	reply, err := retry.Value(ctx, e.policy, func(ctx context.Context) (string, error) {
		attempts++
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		out, err := e.model.Complete(ctx, llm.Request{
			SystemPrompt: systemPrompt,
			UserPrompt:   prompt,
			Temperature:  temperature,
			JSONMode:     true,
			MaxTokens:    maxTokens,
		})
		if errors.Is(err, llm.ErrEmptyResponse) {
			// An empty answer is malformed output, not a failed call.
			return "", nil
		}
		return out, err
	})
	res.advance(StateModelInvoked)

	if err != nil {
		res.advance(StateFailed)
		res.Metadata = normalize(map[string]any{"basicInfo": scrape(text)}, e.now())
		e.logger.Error("metadata.extract.error", "req_id", res.RequestID, "attempts", attempts,
			"error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return res, fmt.Errorf("%w: %w", domain.ErrMetadataExtractionFailed, err)
	}

	raw, tier := parseResponse(reply, text)
	res.Tier = tier
	if tier == TierDirect {
		res.advance(StateParsedStrict)
	} else {
		res.advance(StateParsedRecovered)
	}
	res.Conformant = tier != TierScraped && Validate(any(raw)) == nil

	res.Metadata = normalize(raw, e.now())
	if err := ValidateMetadata(res.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: normalized output rejected: %w", err)
	}
	res.advance(StateNormalized)

	e.logger.Info("metadata.extract.ok", "req_id", res.RequestID, "tier", tier, "conformant", res.Conformant,
		"attempts", attempts, "elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

const systemPrompt = `You extract structured project information from project documents such as proposals, task books and contracts.

Return ONLY one JSON object, with no markdown and no commentary, shaped exactly like this:
{
  "basicInfo": {
    "name": "", "code": "", "department": "", "executingOrganization": "", "manager": "",
    "startDate": "YYYY-MM-DD", "endDate": "YYYY-MM-DD",
    "totalBudget": 0, "supportingBudget": 0, "selfFundedBudget": 0,
    "description": "", "type": ""
  },
  "milestones": [
    {"phase": "", "startDate": "YYYY-MM-DD", "endDate": "YYYY-MM-DD", "tasks": [""], "deliverables": [""]}
  ],
  "budgets": [
    {"category": "", "subCategory": "", "amount": 0, "fundingSource": "supported", "description": ""}
  ],
  "team": [
    {"name": "", "title": "", "role": "", "workload": "", "unit": ""}
  ]
}

Rules:
- Write every text value in the language of the document.
- Budget amounts are plain numbers in the unit the document uses.
- fundingSource is "supported" for funding granted to the project and "self-funded" for money raised by the executing organization.
- Use "unspecified" for unknown text, 0 for unknown numbers and [] for unknown lists. Never use null.`

// Manual builds a result from user-entered metadata, normalized the same way
// model output is. prev, if set, contributes its history.
func Manual(m ProjectMetadata, prev *Result, today time.Time) (*Result, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExtractionInvalidInput, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExtractionInvalidInput, err)
	}
	out := normalize(raw, today)
	if err := ValidateMetadata(out); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExtractionInvalidInput, err)
	}
	res := &Result{Metadata: out, Conformant: true, RequestID: uuid.New().String()}
	if prev != nil {
		res.History = append(res.History, prev.History...)
	}
	res.advance(StateManual)
	return res, nil
}

func userPrompt(text string) string {
	return "Document text:\n\n" + text
}
