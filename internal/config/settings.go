package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"projectlens/internal/crypto"
)

// Settings are the provider choices and keys saved from the settings screen.
// Keys are sealed on disk.
type Settings struct {
	OpenAIKey      string `json:"openai_key"`
	AnthropicKey   string `json:"anthropic_key"`
	HuggingFaceKey string `json:"huggingface_key"`
	MistralKey     string `json:"mistral_key"`
	DefaultLLM     string `json:"default_llm"`
	EmbedProvider  string `json:"embed_provider"`
}

func (s *Settings) keys() []*string {
	return []*string{&s.OpenAIKey, &s.AnthropicKey, &s.HuggingFaceKey, &s.MistralKey}
}

// LoadSettings reads the settings file. It returns nil, nil when the file
// does not exist. Unsealed values from older files are accepted as is.
func LoadSettings(path, secret string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sealer, err := crypto.New(secret)
	if err != nil {
		return nil, err
	}
	for _, k := range s.keys() {
		if *k, err = sealer.Open(*k); err != nil {
			return nil, fmt.Errorf("open settings key: %w", err)
		}
	}
	return &s, nil
}

// SaveSettings seals every key and writes the file.
func SaveSettings(path, secret string, s Settings) error {
	sealer, err := crypto.New(secret)
	if err != nil {
		return err
	}
	for _, k := range s.keys() {
		if *k, err = sealer.Seal(*k); err != nil {
			return fmt.Errorf("seal settings key: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Apply overlays non-empty saved values onto c. The key map is replaced,
// not mutated, so copies of c.LLM taken earlier stay valid.
func (c *Config) Apply(s Settings) {
	keys := make(map[string]string, len(c.LLM.Keys)+3)
	for k, v := range c.LLM.Keys {
		keys[k] = v
	}
	c.LLM.Keys = keys
	if s.OpenAIKey != "" {
		c.LLM.Keys["openai"] = s.OpenAIKey
	}
	if s.AnthropicKey != "" {
		c.LLM.Keys["anthropic"] = s.AnthropicKey
	}
	if s.HuggingFaceKey != "" {
		c.LLM.Keys["huggingface"] = s.HuggingFaceKey
	}
	if s.MistralKey != "" {
		c.OCR.APIKey = s.MistralKey
	}
	if s.DefaultLLM != "" {
		c.LLM.Provider = s.DefaultLLM
	}
	if s.EmbedProvider != "" {
		c.Embedding.Provider = s.EmbedProvider
	}
	switch strings.ToLower(c.Embedding.Provider) {
	case "openai":
		if k := c.LLM.Keys["openai"]; k != "" {
			c.Embedding.APIKey = k
		}
	case "huggingface":
		if k := c.LLM.Keys["huggingface"]; k != "" {
			c.Embedding.APIKey = k
		}
	}
}

// Snapshot returns the current provider settings of c.
func (c *Config) Snapshot() Settings {
	return Settings{
		OpenAIKey:      c.LLM.Keys["openai"],
		AnthropicKey:   c.LLM.Keys["anthropic"],
		HuggingFaceKey: c.LLM.Keys["huggingface"],
		MistralKey:     c.OCR.APIKey,
		DefaultLLM:     c.LLM.Provider,
		EmbedProvider:  c.Embedding.Provider,
	}
}

// MaskKey shows only the ends of a key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// IsMasked reports whether v looks like a MaskKey result sent back by a client.
func IsMasked(v string) bool {
	return v == "****" || strings.Contains(v, "...")
}
