package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ========== FromEnv ==========

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"CHUNK_SIZE", "CHUNK_OVERLAP", "LLM_PROVIDER", "RETRIEVAL_TOP_K", "OCR_DOCUMENT_TIMEOUT", "DATA_DIR", "PORT", "ADDR"} {
		t.Setenv(k, "")
	}
	cfg := FromEnv()
	if cfg.Chunking.Size != 1000 || cfg.Chunking.Overlap != 200 {
		t.Errorf("chunking = %+v, want 1000/200", cfg.Chunking)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("llm provider = %q", cfg.LLM.Provider)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("topK = %d", cfg.Retrieval.TopK)
	}
	if cfg.OCR.DocumentTimeout != 120*time.Second || cfg.OCR.ImageTimeout != 60*time.Second {
		t.Errorf("ocr timeouts = %v/%v", cfg.OCR.DocumentTimeout, cfg.OCR.ImageTimeout)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Settings.Path != "data/settings.json" {
		t.Errorf("settings path = %q", cfg.Settings.Path)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "500")
	t.Setenv("RETRIEVAL_HYBRID", "false")
	t.Setenv("EMBEDDING_RATE_LIMIT", "2.5")
	t.Setenv("OCR_IMAGE_TIMEOUT", "45s")
	t.Setenv("INGEST_WORKERS", "not-a-number")
	t.Setenv("EMBEDDING_PROVIDER", "huggingface")
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("HUGGINGFACE_API_KEY", "hf_token")

	cfg := FromEnv()
	if cfg.Chunking.Size != 500 {
		t.Errorf("size = %d", cfg.Chunking.Size)
	}
	if cfg.Retrieval.Hybrid {
		t.Error("hybrid should be off")
	}
	if cfg.Embedding.RateLimit != 2.5 {
		t.Errorf("rate = %v", cfg.Embedding.RateLimit)
	}
	if cfg.OCR.ImageTimeout != 45*time.Second {
		t.Errorf("image timeout = %v", cfg.OCR.ImageTimeout)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Embedding.APIKey != "hf_token" {
		t.Errorf("embedding key = %q", cfg.Embedding.APIKey)
	}
}

// ========== Settings ==========

func TestSettings_SealedOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	in := Settings{OpenAIKey: "sk-openai-123456789", MistralKey: "mistral-abcdefgh", DefaultLLM: "anthropic"}

	if err := SaveSettings(path, "secret", in); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "sk-openai") {
		t.Errorf("key stored in plaintext: %s", raw)
	}

	out, err := LoadSettings(path, "secret")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if *out != in {
		t.Errorf("loaded %+v, want %+v", *out, in)
	}
}

func TestSettings_LegacyPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	_ = os.WriteFile(path, []byte(`{"openai_key":"sk-legacy-key","default_llm":"openai"}`), 0644)

	out, err := LoadSettings(path, "")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if out.OpenAIKey != "sk-legacy-key" {
		t.Errorf("openai key = %q", out.OpenAIKey)
	}
}

func TestSettings_Missing(t *testing.T) {
	out, err := LoadSettings(filepath.Join(t.TempDir(), "none.json"), "")
	if err != nil || out != nil {
		t.Errorf("missing file = %v, %v; want nil, nil", out, err)
	}
}

func TestApply(t *testing.T) {
	cfg := &Config{Embedding: EmbeddingConfig{Provider: "openai"}}
	cfg.Apply(Settings{OpenAIKey: "sk-new", DefaultLLM: "anthropic", AnthropicKey: "ant-key", MistralKey: "m-key"})

	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKey() != "ant-key" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Embedding.APIKey != "sk-new" {
		t.Errorf("embedding key = %q", cfg.Embedding.APIKey)
	}
	if cfg.OCR.APIKey != "m-key" {
		t.Errorf("ocr key = %q", cfg.OCR.APIKey)
	}
	if got := cfg.Snapshot(); got.OpenAIKey != "sk-new" || got.EmbedProvider != "openai" {
		t.Errorf("snapshot = %+v", got)
	}
}

// ========== MaskKey ==========

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"short":             "****",
		"sk-abcdefghijklmn": "sk-a...klmn",
	}
	for in, want := range tests {
		if got := MaskKey(in); got != want {
			t.Errorf("MaskKey(%q) = %q, want %q", in, got, want)
		}
		if in != "" && !IsMasked(MaskKey(in)) {
			t.Errorf("IsMasked(MaskKey(%q)) = false", in)
		}
	}
	if IsMasked("sk-real-key") {
		t.Error("a real key is not masked")
	}
}
