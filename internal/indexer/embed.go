package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"projectlens/internal/domain"
	"projectlens/internal/llm"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

// Embedder turns texts into vectors. Ingestion and retrieval must share
// one Embedder so both live in the same embedding space.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderConfig selects and configures an embedder.
type EmbedderConfig struct {
	Provider string // openai, huggingface, local
	APIKey   string
	Model    string
	BaseURL  string
}

// NewEmbedder creates the embedder named in cfg.
func NewEmbedder(cfg EmbedderConfig) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		return NewOpenAIEmbedder(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "huggingface":
		return NewHuggingFaceEmbedder(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "local":
		return NewLocalEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// ==========================================
// OpenAI Embedder
// ==========================================
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(apiKey, model, baseURL string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, llm.WrapOpenAIError(err)
	}

	// The API does not promise response order; Index does.
	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	results := make([][]float32, 0, len(data))
	for _, d := range data {
		results = append(results, d.Embedding)
	}
	if len(results) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(results), len(texts))
	}
	return results, nil
}

// ==========================================
// HuggingFace Embedder
// ==========================================
type HuggingFaceEmbedder struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewHuggingFaceEmbedder(apiKey, model, baseURL string) *HuggingFaceEmbedder {
	if model == "" {
		model = "BAAI/bge-m3"
	}
	if baseURL == "" {
		baseURL = "https://router.huggingface.co/hf-inference/models"
	}
	return &HuggingFaceEmbedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (e *HuggingFaceEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody, err := json.Marshal(map[string]any{"inputs": texts})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/%s/pipeline/feature-extraction", e.baseURL, e.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("huggingface embeddings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &domain.UpstreamError{Service: "huggingface", Status: resp.StatusCode, Body: string(bodyBytes)}
	}

	var hfResp [][]float64
	if err := json.NewDecoder(resp.Body).Decode(&hfResp); err != nil {
		return nil, fmt.Errorf("huggingface embeddings decode: %w", err)
	}
	if len(hfResp) != len(texts) {
		return nil, fmt.Errorf("huggingface embeddings: got %d vectors for %d inputs", len(hfResp), len(texts))
	}

	results := make([][]float32, 0, len(hfResp))
	for _, vec := range hfResp {
		f32vec := make([]float32, len(vec))
		for i, val := range vec {
			f32vec[i] = float32(val)
		}
		results = append(results, f32vec)
	}
	return results, nil
}

// ==========================================
// Local Embedder
// ==========================================

// LocalEmbedder calls a self-hosted OpenAI-compatible embedding server.
type LocalEmbedder struct {
	embedder embeddings.Embedder
	logger   *slog.Logger
}

func NewLocalEmbedder(baseURL, apiKey, model string) (*LocalEmbedder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("local embedder: base url required")
	}
	if apiKey == "" {
		apiKey = "none"
	}
	client, err := lcopenai.New(
		lcopenai.WithBaseURL(baseURL),
		lcopenai.WithToken(apiKey),
		lcopenai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}
	return &LocalEmbedder{
		embedder: embedder,
		logger:   slog.Default().With("component", "local-embedder"),
	}, nil
}

func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("failed to generate embeddings", "count", len(texts), "err", err)
		return nil, err
	}
	return vecs, nil
}
