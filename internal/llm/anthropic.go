package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"projectlens/internal/domain"
)

const anthropicURL = "https://api.anthropic.com/v1/messages"

const jsonOnlyInstruction = "\n\nRespond with a single JSON object and nothing else."

type AnthropicProvider struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

func NewAnthropic(apiKey, model, baseURL string, hc *http.Client) *AnthropicProvider {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	url := anthropicURL
	if baseURL != "" {
		url = strings.TrimRight(baseURL, "/") + "/v1/messages"
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &AnthropicProvider{apiKey: apiKey, model: model, url: url, client: hc}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	system := req.SystemPrompt
	if req.JSONMode {
		system += jsonOnlyInstruction
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	reqBody, err := json.Marshal(map[string]any{
		"model":       p.model,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
		"system":      system,
		"messages": []map[string]string{
			{"role": "user", "content": req.UserPrompt},
		},
	})
	if err != nil {
		return "", err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("x-api-key", p.apiKey)
	hreq.Header.Set("anthropic-version", "2023-06-01")
	hreq.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &domain.UpstreamError{Service: "anthropic", Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	var anthResp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&anthResp); err != nil {
		return "", fmt.Errorf("anthropic decode: %w", err)
	}

	// Some models return several text blocks.
	var sb strings.Builder
	for _, block := range anthResp.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
