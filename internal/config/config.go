// Package config provides configuration loading and structs for the yakkan retrieval server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Search    SearchConfig    `yaml:"search"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Query     QueryConfig     `yaml:"query"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds paths for the document registry and local indices.
type StorageConfig struct {
	DatabasePath       string `yaml:"database_path"`
	BleveIndexPath     string `yaml:"bleve_index_path"`
	VectorSnapshotPath string `yaml:"vector_snapshot_path"`
}

// ModelConfig describes one embedding model in the registry.
type ModelConfig struct {
	Name            string  `yaml:"name"`
	Dimensions      int     `yaml:"dimensions"`
	Partition       string  `yaml:"partition"`
	Backend         string  `yaml:"backend"` // openai, azure, ollama, onnx, mock
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
	MaxInputTokens  int     `yaml:"max_input_tokens"`
	// RemoteModel is the model or deployment name sent to the backend when it differs from Name.
	RemoteModel string `yaml:"remote_model"`
	Endpoint    string `yaml:"endpoint"`
	APIKeyEnv   string `yaml:"api_key_env"`
	APIVersion  string `yaml:"api_version"`
	ModelPath   string `yaml:"model_path"`
}

// BatchConfig controls the adaptive batch size of the embedding router.
type BatchConfig struct {
	Initial        int     `yaml:"initial"`
	Min            int     `yaml:"min"`
	Max            int     `yaml:"max"`
	Window         int     `yaml:"window"`
	MinSamples     int     `yaml:"min_samples"`
	MinSuccessRate float64 `yaml:"min_success_rate"`
	GrowAfter      int     `yaml:"grow_after"`
}

// RetryConfig is the bounded exponential backoff applied to backend calls.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// QualityConfig bounds acceptable embedding vectors.
type QualityConfig struct {
	MinNorm float64 `yaml:"min_norm"`
	MaxNorm float64 `yaml:"max_norm"`
}

// RateLimitConfig throttles requests per backend. Zero means unlimited.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// EmbeddingConfig holds the model registry, tier policy and router tuning.
type EmbeddingConfig struct {
	Models      []ModelConfig     `yaml:"models"`
	Tiers       map[string]string `yaml:"tiers"`
	Batch       BatchConfig       `yaml:"batch"`
	Retry       RetryConfig       `yaml:"retry"`
	Quality     QualityConfig     `yaml:"quality"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CacheSize   int               `yaml:"cache_size"`
	Concurrency int               `yaml:"concurrency"`
	CallTimeout time.Duration     `yaml:"call_timeout"`
}

// VectorConfig selects the vector store backend and its approximate-index parameters.
type VectorConfig struct {
	Backend              string `yaml:"backend"` // memory or postgres
	PostgresURL          string `yaml:"postgres_url"`
	HNSWM                int    `yaml:"hnsw_m"`
	HNSWEfConstruction   int    `yaml:"hnsw_ef_construction"`
	HNSWEfSearch         int    `yaml:"hnsw_ef_search"`
	MaxIndexedDimensions int    `yaml:"max_indexed_dimensions"`
}

// ChunkingConfig holds chunk sizing.
type ChunkingConfig struct {
	Strategy           string  `yaml:"strategy"`  // fixed, content, semantic
	Tokenizer          string  `yaml:"tokenizer"` // tiktoken encoding name or "word"
	TargetTokens       int     `yaml:"target_tokens"`
	OverlapRatio       float64 `yaml:"overlap_ratio"`
	MinTokens          int     `yaml:"min_tokens"`
	MaxTokens          int     `yaml:"max_tokens"`
	SemanticBreakpoint float64 `yaml:"semantic_breakpoint"`
}

// Weights is a vector/keyword weight pair.
type Weights struct {
	Vector  float64 `yaml:"vector"`
	Keyword float64 `yaml:"keyword"`
}

// SearchConfig holds hybrid search settings.
type SearchConfig struct {
	DefaultLimit        int                `yaml:"default_limit"`
	MaxLimit            int                `yaml:"max_limit"`
	VectorWeight        float64            `yaml:"vector_weight"`
	KeywordWeight       float64            `yaml:"keyword_weight"`
	IntentWeights       map[string]Weights `yaml:"intent_weights"`
	MinScore            float64            `yaml:"min_score"`
	ComplexityRelax     float64            `yaml:"complexity_relax"`
	ComplexKeywordCount int                `yaml:"complex_keyword_count"`
	SubQueryTimeout     time.Duration      `yaml:"sub_query_timeout"`
}

// RerankConfig holds reranker thresholds.
type RerankConfig struct {
	Enabled            *bool   `yaml:"enabled"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	DiversityThreshold float64 `yaml:"diversity_threshold"`
	MergeAdjacent      *bool   `yaml:"merge_adjacent"`
	TopN               int     `yaml:"top_n"`
	// MinPassageChars drops candidates whose trimmed text is shorter; negative disables it.
	MinPassageChars int `yaml:"min_passage_chars"`
}

// EnabledOrDefault returns whether reranking runs; defaults to true when unset.
func (r *RerankConfig) EnabledOrDefault() bool {
	return r.Enabled == nil || *r.Enabled
}

// MergeAdjacentOrDefault returns whether adjacent chunks are merged; defaults to true when unset.
func (r *RerankConfig) MergeAdjacentOrDefault() bool {
	return r.MergeAdjacent == nil || *r.MergeAdjacent
}

// RetrievalConfig holds orchestrator budgets.
type RetrievalConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxContextTokens int           `yaml:"max_context_tokens"`
}

// QueryConfig tunes the query processor.
type QueryConfig struct {
	MinIntentConfidence float64  `yaml:"min_intent_confidence"`
	ExtraTerms          []string `yaml:"extra_terms"`
	ExtraStopWords      []string `yaml:"extra_stop_words"`
}

// WatchConfig holds inbox watch settings.
type WatchConfig struct {
	Directories []string      `yaml:"directories"`
	Extensions  []string      `yaml:"extensions"`
	Recursive   *bool         `yaml:"recursive"`
	Debounce    time.Duration `yaml:"debounce"`
	DefaultTier string        `yaml:"default_tier"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Model returns the registry entry with the given name.
func (e *EmbeddingConfig) Model(name string) (ModelConfig, bool) {
	for _, m := range e.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	for tier, model := range c.Embedding.Tiers {
		m, ok := c.Embedding.Model(model)
		if !ok {
			return fmt.Errorf("tier %s references unknown model %q", tier, model)
		}
		if m.Dimensions <= 0 {
			return fmt.Errorf("model %s has no dimensions", m.Name)
		}
	}
	if c.Chunking.OverlapRatio < 0 || c.Chunking.OverlapRatio >= 0.5 {
		return fmt.Errorf("chunking overlap_ratio %.2f out of range [0, 0.5)", c.Chunking.OverlapRatio)
	}
	if c.Chunking.MinTokens >= c.Chunking.TargetTokens {
		return fmt.Errorf("chunking min_tokens %d must be below target_tokens %d", c.Chunking.MinTokens, c.Chunking.TargetTokens)
	}
	if c.Rerank.DiversityThreshold > c.Rerank.DuplicateThreshold {
		return fmt.Errorf("rerank diversity_threshold %.2f exceeds duplicate_threshold %.2f",
			c.Rerank.DiversityThreshold, c.Rerank.DuplicateThreshold)
	}
	switch c.Vector.Backend {
	case "memory":
	case "postgres":
		if c.Vector.PostgresURL == "" {
			return fmt.Errorf("vector backend postgres requires postgres_url")
		}
	default:
		return fmt.Errorf("unknown vector backend %q", c.Vector.Backend)
	}
	return nil
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.VectorSnapshotPath = expandPath(cfg.Storage.VectorSnapshotPath, configDir)
	for i := range cfg.Embedding.Models {
		if cfg.Embedding.Models[i].ModelPath != "" {
			cfg.Embedding.Models[i].ModelPath = expandPath(cfg.Embedding.Models[i].ModelPath, configDir)
		}
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
