// Package config loads configuration from the environment (and .env), then
// overlays provider settings saved from the settings screen.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	OCR         OCRConfig
	Embedding   EmbeddingConfig
	LLM         LLMConfig
	VectorStore VectorStoreConfig
	Redis       RedisConfig
	Pipeline    PipelineConfig
	Chunking    ChunkingConfig
	Retrieval   RetrievalConfig
	Metadata    MetadataConfig
	Settings    SettingsConfig
}

type ServerConfig struct {
	Addr       string
	DataDir    string
	LogLevel   string
	LogFormat  string // text or json
	CORSOrigin string
	MaxUpload  int64 // multipart form limit for one request
}

type StorageConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PublicBaseURL string
	URLExpiry     time.Duration
	TempPrefix    string
	TempRetention time.Duration
	SweepInterval time.Duration
}

type OCRConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	DocumentTimeout time.Duration
	ImageTimeout    time.Duration
	PageLimit       int
	ImageLimit      int
}

type EmbeddingConfig struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	BatchSize   int
	RateLimit   float64 // requests per second, 0 disables
	Burst       int
	ItemTimeout time.Duration
}

type LLMConfig struct {
	Provider string
	Model    string
	BaseURL  string
	Timeout  time.Duration
	Keys     map[string]string // provider name -> API key
}

// APIKey returns the key of the configured provider.
func (c LLMConfig) APIKey() string {
	return c.Keys[strings.ToLower(c.Provider)]
}

type VectorStoreConfig struct {
	Backend     string // badger or postgres
	Dir         string // badger directory, empty for in-memory
	PostgresDSN string
	MaxConns    int32
}

type RedisConfig struct {
	Addr     string // empty keeps documents in the data directory
	Password string
	DB       int
}

type PipelineConfig struct {
	Workers          int
	LockTTL          time.Duration
	ScannedThreshold int
	ProbePages       int
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	TopK         int
	OverFetch    int
	Hybrid       bool
	KeywordDir   string // bleve index directory, empty for in-memory
	Timeout      time.Duration
	ContextRunes int
}

type MetadataConfig struct {
	MinRunes      int
	MaxInputRunes int
	Timeout       time.Duration
}

type SettingsConfig struct {
	Path   string
	Secret string
}

// Load reads .env when present, then the environment, then the settings
// file. A missing settings file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := FromEnv()
	saved, err := LoadSettings(cfg.Settings.Path, cfg.Settings.Secret)
	if err != nil {
		return nil, err
	}
	if saved != nil {
		cfg.Apply(*saved)
	}
	return cfg, nil
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() *Config {
	dataDir := getEnv("DATA_DIR", "data")
	openAIKey := getEnv("OPENAI_API_KEY", "")
	embedProvider := getEnv("EMBEDDING_PROVIDER", "openai")

	return &Config{
		Server: ServerConfig{
			Addr:       getEnv("ADDR", ":"+getEnv("PORT", "8080")),
			DataDir:    dataDir,
			LogLevel:   getEnv("LOG_LEVEL", "info"),
			LogFormat:  getEnv("LOG_FORMAT", "text"),
			CORSOrigin: getEnv("CORS_ORIGIN", "*"),
			MaxUpload:  int64(getEnvInt("MAX_UPLOAD_MB", 100)) << 20,
		},
		Storage: StorageConfig{
			Endpoint:      getEnv("S3_ENDPOINT", ""),
			AccessKey:     getEnv("S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("S3_SECRET_KEY", ""),
			Bucket:        getEnv("S3_BUCKET", "projectlens"),
			Region:        getEnv("S3_REGION", ""),
			UseSSL:        getEnvBool("S3_USE_SSL", true),
			PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
			URLExpiry:     getEnvDuration("S3_URL_EXPIRY", time.Hour),
			TempPrefix:    getEnv("S3_TEMP_PREFIX", "tmp/ocr/"),
			TempRetention: getEnvDuration("S3_TEMP_RETENTION", 24*time.Hour),
			SweepInterval: getEnvDuration("S3_SWEEP_INTERVAL", time.Hour),
		},
		OCR: OCRConfig{
			BaseURL:         getEnv("OCR_BASE_URL", "https://api.mistral.ai"),
			APIKey:          getEnv("MISTRAL_API_KEY", ""),
			Model:           getEnv("OCR_MODEL", "mistral-ocr-latest"),
			DocumentTimeout: getEnvDuration("OCR_DOCUMENT_TIMEOUT", 120*time.Second),
			ImageTimeout:    getEnvDuration("OCR_IMAGE_TIMEOUT", 60*time.Second),
			PageLimit:       getEnvInt("OCR_PAGE_LIMIT", 0),
			ImageLimit:      getEnvInt("OCR_IMAGE_LIMIT", 0),
		},
		Embedding: EmbeddingConfig{
			Provider:    embedProvider,
			APIKey:      getEnv("EMBEDDING_API_KEY", defaultEmbeddingKey(embedProvider, openAIKey)),
			Model:       getEnv("EMBEDDING_MODEL", ""),
			BaseURL:     getEnv("EMBEDDING_BASE_URL", ""),
			BatchSize:   getEnvInt("EMBEDDING_BATCH_SIZE", 10),
			RateLimit:   getEnvFloat("EMBEDDING_RATE_LIMIT", 0),
			Burst:       getEnvInt("EMBEDDING_BURST", 10),
			ItemTimeout: getEnvDuration("EMBEDDING_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", "openai"),
			Model:    getEnv("LLM_MODEL", ""),
			BaseURL:  getEnv("LLM_BASE_URL", ""),
			Timeout:  getEnvDuration("LLM_TIMEOUT", 60*time.Second),
			Keys: map[string]string{
				"openai":      openAIKey,
				"anthropic":   getEnv("ANTHROPIC_API_KEY", ""),
				"huggingface": getEnv("HUGGINGFACE_API_KEY", ""),
				"local":       getEnv("LOCAL_API_KEY", ""),
			},
		},
		VectorStore: VectorStoreConfig{
			Backend:     getEnv("VECTOR_BACKEND", "badger"),
			Dir:         getEnv("VECTOR_DIR", dataDir+"/vectors"),
			PostgresDSN: getEnv("DB_URL", ""),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Pipeline: PipelineConfig{
			Workers:          getEnvInt("INGEST_WORKERS", 4),
			LockTTL:          getEnvDuration("INGEST_LOCK_TTL", 15*time.Minute),
			ScannedThreshold: getEnvInt("SCANNED_THRESHOLD", 100),
			ProbePages:       getEnvInt("SCANNED_PROBE_PAGES", 3),
		},
		Chunking: ChunkingConfig{
			Size:    getEnvInt("CHUNK_SIZE", 1000),
			Overlap: getEnvInt("CHUNK_OVERLAP", 200),
		},
		Retrieval: RetrievalConfig{
			TopK:         getEnvInt("RETRIEVAL_TOP_K", 5),
			OverFetch:    getEnvInt("RETRIEVAL_OVER_FETCH", 3),
			Hybrid:       getEnvBool("RETRIEVAL_HYBRID", true),
			KeywordDir:   getEnv("KEYWORD_DIR", dataDir+"/bm25.index"),
			Timeout:      getEnvDuration("RETRIEVAL_TIMEOUT", 30*time.Second),
			ContextRunes: getEnvInt("ANSWER_CONTEXT_RUNES", 12000),
		},
		Metadata: MetadataConfig{
			MinRunes:      getEnvInt("METADATA_MIN_RUNES", 20),
			MaxInputRunes: getEnvInt("METADATA_MAX_INPUT_RUNES", 16000),
			Timeout:       getEnvDuration("METADATA_TIMEOUT", 90*time.Second),
		},
		Settings: SettingsConfig{
			Path:   getEnv("SETTINGS_FILE", dataDir+"/settings.json"),
			Secret: getEnv("SETTINGS_SECRET", ""),
		},
	}
}

func defaultEmbeddingKey(provider, openAIKey string) string {
	switch strings.ToLower(provider) {
	case "huggingface":
		return getEnv("HUGGINGFACE_API_KEY", "")
	case "local":
		return getEnv("LOCAL_API_KEY", "")
	}
	return openAIKey
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
