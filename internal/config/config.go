package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ragcore/internal/models"
)

type Config struct {
	RAG      RAGConfig     `yaml:"rag"`
	EmbedLLM EmbedConfig   `yaml:"embed_llm"`
	LLM      LLMConfig     `yaml:"llm"`
	Index    IndexConfig   `yaml:"index"`
	Storage  StorageConfig `yaml:"storage"`
	Log      LogConfig     `yaml:"log"`
}

type RAGConfig struct {
	ChunkSize       int      `yaml:"chunk_size"`
	ChunkOverlap    int      `yaml:"chunk_overlap"`
	TopK            int      `yaml:"top_k"`
	MaxContextChars int      `yaml:"max_context_chars"`
	MinScore        *float64 `yaml:"min_score,omitempty"`

	// Rerank names the second-stage reranker: "none" or "keyword".
	Rerank     string `yaml:"rerank"`
	RerankTopK int    `yaml:"rerank_top_k"`

	// HistoryMessages caps the prior chat turns sent along with a question.
	HistoryMessages int `yaml:"history_messages"`
}

// LLMConfig describes a hosted or local model endpoint.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Key         string        `yaml:"key" json:"-"`
	KeyEnv      string        `yaml:"key_env"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// EmbedConfig is the embedding endpoint plus the gateway's batching and retry policy.
type EmbedConfig struct {
	LLMConfig      `yaml:",inline"`
	ModelTag       string        `yaml:"model_tag"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	Concurrency    int           `yaml:"concurrency"`
}

type IndexConfig struct {
	Strategy        string `yaml:"strategy"`
	CandidateFactor int    `yaml:"candidate_factor"`
}

type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Path     string         `yaml:"path"`
	Compress bool           `yaml:"compress"`
	Database DatabaseConfig `yaml:"database"`
}

type DatabaseConfig struct {
	DSN    string `yaml:"dsn" json:"-"`
	Driver string `yaml:"driver"`
	Debug  bool   `yaml:"debug"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

const (
	defaultChunkSize       = 1000
	defaultChunkOverlap    = 200
	defaultTopK            = 10
	defaultMaxContextChars = 4000
	defaultHistoryMessages = 10
	defaultBatchSize       = 32
	defaultMaxAttempts     = 3
	defaultRetryBaseDelay  = 200 * time.Millisecond
	defaultRetryMaxDelay   = 5 * time.Second
	defaultConcurrency     = 4
	defaultEmbedTimeout    = 30 * time.Second
	defaultLLMTimeout      = 60 * time.Second
	defaultCandidateFactor = 4
	defaultIndexPath       = "./data/index.gob"
)

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = defaultChunkSize
		if cfg.RAG.ChunkOverlap == 0 {
			cfg.RAG.ChunkOverlap = defaultChunkOverlap
		}
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = defaultTopK
	}
	if cfg.RAG.MaxContextChars == 0 {
		cfg.RAG.MaxContextChars = defaultMaxContextChars
	}
	if cfg.RAG.Rerank == "" {
		cfg.RAG.Rerank = "none"
	}
	if cfg.RAG.HistoryMessages == 0 {
		cfg.RAG.HistoryMessages = defaultHistoryMessages
	}

	e := &cfg.EmbedLLM
	if e.Provider == "" {
		e.Provider = "openai"
	}
	if e.ModelTag == "" {
		e.ModelTag = e.Provider + ":" + e.Model
	}
	if e.BatchSize == 0 {
		e.BatchSize = defaultBatchSize
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = defaultMaxAttempts
	}
	if e.RetryBaseDelay == 0 {
		e.RetryBaseDelay = defaultRetryBaseDelay
	}
	if e.RetryMaxDelay == 0 {
		e.RetryMaxDelay = defaultRetryMaxDelay
	}
	if e.Concurrency == 0 {
		e.Concurrency = defaultConcurrency
	}
	if e.Timeout == 0 {
		e.Timeout = defaultEmbedTimeout
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = defaultLLMTimeout
	}

	if cfg.Index.Strategy == "" {
		cfg.Index.Strategy = "exact"
	}
	if cfg.Index.CandidateFactor == 0 {
		cfg.Index.CandidateFactor = defaultCandidateFactor
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "none"
	}
	if cfg.Storage.Backend == "file" && cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultIndexPath
	}
	if cfg.Storage.Database.Driver == "" {
		cfg.Storage.Database.Driver = "pgdriver"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate reports the first invalid setting, wrapped in models.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	switch {
	case c.RAG.ChunkSize <= 0:
		return invalid("rag.chunk_size must be > 0, got %d", c.RAG.ChunkSize)
	case c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize:
		return invalid("rag.chunk_overlap must be >= 0 and < chunk_size, got %d", c.RAG.ChunkOverlap)
	case c.RAG.TopK <= 0:
		return invalid("rag.top_k must be > 0, got %d", c.RAG.TopK)
	case c.RAG.MaxContextChars < 0:
		return invalid("rag.max_context_chars must be >= 0, got %d", c.RAG.MaxContextChars)
	case c.RAG.RerankTopK < 0:
		return invalid("rag.rerank_top_k must be >= 0, got %d", c.RAG.RerankTopK)
	case c.RAG.HistoryMessages < 0:
		return invalid("rag.history_messages must be >= 0, got %d", c.RAG.HistoryMessages)
	}
	switch c.RAG.Rerank {
	case "none", "keyword":
	default:
		return invalid("unknown rag.rerank %q", c.RAG.Rerank)
	}

	switch c.EmbedLLM.Provider {
	case "openai", "ollama", "go-openai":
	default:
		return invalid("unknown embed_llm.provider %q", c.EmbedLLM.Provider)
	}
	if c.EmbedLLM.BatchSize < 0 || c.EmbedLLM.MaxAttempts < 0 || c.EmbedLLM.Concurrency < 0 {
		return invalid("embed_llm batch_size, max_attempts and concurrency must be positive")
	}

	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return invalid("unknown llm.provider %q", c.LLM.Provider)
	}

	switch c.Index.Strategy {
	case "exact", "chromem":
	default:
		return invalid("unknown index.strategy %q", c.Index.Strategy)
	}
	if c.Index.CandidateFactor < 2 {
		return invalid("index.candidate_factor must be >= 2, got %d", c.Index.CandidateFactor)
	}

	switch c.Storage.Backend {
	case "none", "file":
	case "postgres":
		if c.Storage.Database.DSN == "" {
			return invalid("storage.database.dsn is required for the postgres backend")
		}
		switch c.Storage.Database.Driver {
		case "pgdriver", "pq":
		default:
			return invalid("unknown storage.database.driver %q", c.Storage.Database.Driver)
		}
	default:
		return invalid("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// APIKey returns the inline key, or the value of KeyEnv when no inline key is set.
func (c *LLMConfig) APIKey() string {
	if c.Key != "" {
		return c.Key
	}
	if c.KeyEnv != "" {
		return os.Getenv(c.KeyEnv)
	}
	return ""
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}
