package main

import (
	"encoding/json"
	"net/http"

	"projectlens/internal/config"
)

// ========== Settings Endpoint ==========

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cur := s.cfg.Snapshot()
	resp := map[string]interface{}{
		"default_llm":     cur.DefaultLLM,
		"embed_provider":  cur.EmbedProvider,
		"openai_key":      config.MaskKey(cur.OpenAIKey),
		"anthropic_key":   config.MaskKey(cur.AnthropicKey),
		"huggingface_key": config.MaskKey(cur.HuggingFaceKey),
		"mistral_key":     config.MaskKey(cur.MistralKey),
		"ocr_available":   s.app.Storage != nil && cur.MistralKey != "",
	}
	s.mu.RUnlock()
	jsonResp(w, resp)
}

// handlePostSettings persists provider keys and choices. Masked values sent
// back by the client leave the stored key unchanged. The language model is
// switched immediately; embedding and OCR changes apply after a restart.
func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	var req config.Settings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "Invalid request", http.StatusBadRequest)
		return
	}
	for _, k := range []*string{&req.OpenAIKey, &req.AnthropicKey, &req.HuggingFaceKey, &req.MistralKey} {
		if config.IsMasked(*k) {
			*k = ""
		}
	}

	s.mu.Lock()
	prevEmbed, prevOCR := s.cfg.Embedding, s.cfg.OCR.APIKey
	s.cfg.Apply(req)
	saved := s.cfg.Snapshot()
	llmCfg := s.cfg.LLM
	restart := s.cfg.Embedding != prevEmbed || s.cfg.OCR.APIKey != prevOCR
	path, secret := s.cfg.Settings.Path, s.cfg.Settings.Secret
	s.mu.Unlock()

	if err := config.SaveSettings(path, secret, saved); err != nil {
		s.logger.Error("server.settings.persist.error", "error", err)
		jsonErr(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	if err := s.app.UseModel(llmCfg); err != nil {
		jsonErr(w, "Provider error: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info("server.settings.ok", "llm", saved.DefaultLLM, "embed", saved.EmbedProvider, "restart_required", restart)
	jsonResp(w, map[string]interface{}{"status": "saved", "restart_required": restart})
}
