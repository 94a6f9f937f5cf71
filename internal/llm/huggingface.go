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

const huggingFaceURL = "https://router.huggingface.co/v1/chat/completions"

// HuggingFaceProvider uses the OpenAI-compatible chat route of the HF router.
type HuggingFaceProvider struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

func NewHuggingFace(apiKey, model, baseURL string, hc *http.Client) *HuggingFaceProvider {
	if model == "" {
		model = "Qwen/Qwen2.5-7B-Instruct"
	}
	url := huggingFaceURL
	if baseURL != "" {
		url = strings.TrimRight(baseURL, "/") + "/v1/chat/completions"
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &HuggingFaceProvider{apiKey: apiKey, model: model, url: url, client: hc}
}

func (p *HuggingFaceProvider) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	var msgs []map[string]string
	if req.SystemPrompt != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	msgs = append(msgs, map[string]string{"role": "user", "content": req.UserPrompt})

	body := map[string]any{
		"model":       p.model,
		"messages":    msgs,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
		"stream":      false,
	}
	if req.JSONMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Authorization", "Bearer "+p.apiKey)
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("huggingface request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", &domain.UpstreamError{Service: "huggingface", Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("huggingface decode: %w", err)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return chatResp.Choices[0].Message.Content, nil
}
