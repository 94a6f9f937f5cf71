package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LocalProvider drives a self-hosted OpenAI-compatible server (llama.cpp,
// vLLM, Ollama) through langchaingo.
type LocalProvider struct {
	client llms.Model
	logger *slog.Logger
}

func NewLocal(baseURL, apiKey, model string) (*LocalProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("local: base url required")
	}
	// Local servers usually ignore the token but the client requires one.
	if apiKey == "" {
		apiKey = "none"
	}
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(apiKey),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	return &LocalProvider{
		client: client,
		logger: slog.Default().With("component", "llm-local"),
	}, nil
}

func (p *LocalProvider) Complete(ctx context.Context, req Request) (string, error) {
	var content []llms.MessageContent
	if req.SystemPrompt != "" {
		content = append(content, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(req.SystemPrompt)},
		})
	}
	content = append(content, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.UserPrompt)},
	})

	opts := []llms.CallOption{llms.WithTemperature(float64(req.Temperature))}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	resp, err := p.client.GenerateContent(ctx, content, opts...)
	if err != nil {
		p.logger.Error("llm.local.error", "error", err)
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}
