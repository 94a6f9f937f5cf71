package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"projectlens/internal/domain"
	"projectlens/internal/llm"
	"projectlens/internal/rag"
)

const batchConcurrency = 4

// BatchAnswer is one entry of a batch response; Answer is nil on failure.
type BatchAnswer struct {
	Question string      `json:"question"`
	Answer   *rag.Answer `json:"answer,omitempty"`
	Error    string      `json:"error,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

type BatchResponse struct {
	Answers   []BatchAnswer `json:"answers"`
	TotalTime float64       `json:"total_time_seconds"`
}

func validFilter(f domain.Filter) error {
	if err := domain.Metadata(f).Validate(); err != nil {
		return fmt.Errorf("%w: filter: %w", domain.ErrInvalidQuery, err)
	}
	return nil
}

// ========== Query Endpoints ==========

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validFilter(req.Filter); err != nil {
		jsonFail(w, err)
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.Retrieval.TopK
	}
	results, err := s.app.Retriever.Search(r.Context(), req.Query, req.Filter, topK)
	if err != nil {
		jsonFail(w, err)
		return
	}
	jsonResp(w, map[string]interface{}{"results": results, "count": len(results)})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validFilter(req.Filter); err != nil {
		jsonFail(w, err)
		return
	}
	answerer, err := s.answerer(req.Provider, req.Model)
	if err != nil {
		jsonErr(w, fmt.Sprintf("Provider error: %v", err), http.StatusBadRequest)
		return
	}

	start := time.Now()
	ans, err := answerer.Answer(r.Context(), req.Question, req.Filter)
	if err != nil {
		jsonFail(w, err)
		return
	}
	jsonResp(w, map[string]interface{}{
		"answer":     ans,
		"time_taken": time.Since(start).Seconds(),
	})
}

// answerer returns the shared answering service, or one bound to the
// requested provider and model.
func (s *Server) answerer(provider, model string) (*rag.Service, error) {
	if provider == "" && model == "" {
		return s.app.Answerer, nil
	}
	s.mu.RLock()
	cfg := s.cfg.LLM
	retrieval := s.cfg.Retrieval
	s.mu.RUnlock()
	if provider != "" {
		cfg.Provider = provider
	}
	cfg.Model = model
	if cfg.APIKey() == "" && cfg.Provider != "local" {
		return nil, fmt.Errorf("no API key configured for provider: %s", cfg.Provider)
	}
	p, err := llm.NewProvider(llm.Config{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey(),
		Model:    cfg.Model,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return rag.New(s.app.Retriever, p,
		rag.WithTopK(retrieval.TopK),
		rag.WithContextRunes(retrieval.ContextRunes),
		rag.WithTimeout(cfg.Timeout),
	), nil
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Questions) == 0 {
		jsonErr(w, "questions is required", http.StatusBadRequest)
		return
	}
	if err := validFilter(req.Filter); err != nil {
		jsonFail(w, err)
		return
	}

	start := time.Now()
	answers := make([]BatchAnswer, len(req.Questions))
	g := new(errgroup.Group)
	g.SetLimit(batchConcurrency)
	for i, q := range req.Questions {
		g.Go(func() error {
			answers[i] = s.answerOne(r.Context(), q, req.Filter)
			return nil
		})
	}
	_ = g.Wait()

	jsonResp(w, BatchResponse{
		Answers:   answers,
		TotalTime: time.Since(start).Seconds(),
	})
}

func (s *Server) answerOne(ctx context.Context, q string, filter domain.Filter) BatchAnswer {
	ans, err := s.app.Answerer.Answer(ctx, q, filter)
	if err != nil {
		return BatchAnswer{Question: q, Error: err.Error(), Reason: domain.Reason(err)}
	}
	return BatchAnswer{Question: q, Answer: ans}
}

// ========== Stats & Providers ==========

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	docs, err := s.app.Docs.List(r.Context())
	if err != nil {
		jsonFail(w, err)
		return
	}
	resp := StatsResponse{ByStatus: map[string]int{}}
	projects := map[string]bool{}
	for _, d := range docs {
		resp.Documents++
		resp.ByStatus[d.Status]++
		if d.Vectorized {
			resp.Chunks += d.ChunkCount
		}
		projects[d.ProjectID] = true
	}
	resp.Projects = len(projects)

	s.mu.RLock()
	resp.Providers = s.availableProviders()
	resp.DefaultLLM = s.cfg.LLM.Provider
	resp.OCR = s.app.Storage != nil && s.cfg.OCR.APIKey != ""
	s.mu.RUnlock()
	jsonResp(w, resp)
}

// availableProviders lists providers with a key. Callers hold s.mu.
func (s *Server) availableProviders() []string {
	var out []string
	for name, key := range s.cfg.LLM.Keys {
		if key != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

var providerModels = map[string][]map[string]string{
	"openai": {
		{"id": "gpt-4.1", "name": "GPT-4.1"},
		{"id": "gpt-4.1-mini", "name": "GPT-4.1 Mini"},
		{"id": "gpt-4o", "name": "GPT-4o"},
		{"id": "gpt-4o-mini", "name": "GPT-4o Mini"},
	},
	"anthropic": {
		{"id": "claude-sonnet-4-20250514", "name": "Claude Sonnet 4"},
		{"id": "claude-3-5-haiku-20241022", "name": "Claude 3.5 Haiku"},
	},
	"huggingface": {
		{"id": "Qwen/Qwen2.5-72B-Instruct", "name": "Qwen 2.5 72B"},
		{"id": "meta-llama/Meta-Llama-3-8B-Instruct", "name": "Llama 3 8B Instruct"},
	},
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	available := s.availableProviders()
	s.mu.RUnlock()
	result := make(map[string]interface{})
	for _, name := range available {
		result[name] = providerModels[name]
	}
	jsonResp(w, result)
}
