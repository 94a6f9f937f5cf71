// Package llm talks to the language-model service behind answering and
// metadata extraction.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"projectlens/internal/domain"

	"github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse is returned when the model answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is one completion call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	JSONMode     bool // bias the model towards a single JSON object
	MaxTokens    int
}

// Provider completes prompts. Errors carrying an upstream HTTP status
// implement domain.StatusError so callers can tell rate limits from bad input.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider string // openai, anthropic, huggingface, local
	APIKey   string
	Model    string
	BaseURL  string // optional endpoint override
	Timeout  time.Duration
}

const defaultMaxTokens = 2048

// NewProvider creates the provider named in cfg. Keys are checked by the
// service at call time, not here.
func NewProvider(cfg Config) (Provider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hc := &http.Client{Timeout: timeout}

	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, hc), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.Model, cfg.BaseURL, hc), nil
	case "huggingface":
		return NewHuggingFace(cfg.APIKey, cfg.Model, cfg.BaseURL, hc), nil
	case "local":
		return NewLocal(cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}

// WrapOpenAIError attaches the HTTP status of a go-openai error so retry
// policies can classify it.
func WrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("%w: %w", &domain.UpstreamError{Service: "openai", Status: apiErr.HTTPStatusCode, Body: apiErr.Message}, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Errorf("%w: %w", &domain.UpstreamError{Service: "openai", Status: reqErr.HTTPStatusCode}, err)
	}
	return fmt.Errorf("openai: %w", err)
}
