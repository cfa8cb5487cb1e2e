package config

import "time"

// DefaultModels is the embedding model registry used when the config lists none.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{Name: "text-embedding-3-large", Dimensions: 3072, Partition: "embeddings_text_embedding_3", Backend: "openai", CostPer1KTokens: 0.00013, MaxInputTokens: 8191, APIKeyEnv: "OPENAI_API_KEY"},
		{Name: "text-embedding-3-small", Dimensions: 1536, Partition: "embeddings_text_embedding_3_small", Backend: "openai", CostPer1KTokens: 0.00002, MaxInputTokens: 8191, APIKeyEnv: "OPENAI_API_KEY"},
		{Name: "azure-ada-002", Dimensions: 1536, Partition: "embeddings_ada_002", Backend: "azure", CostPer1KTokens: 0.0001, MaxInputTokens: 8191, RemoteModel: "text-embedding-ada-002", APIKeyEnv: "AZURE_OPENAI_API_KEY", APIVersion: "2024-02-01"},
		{Name: "qwen3-8b-embed", Dimensions: 4096, Partition: "embeddings_qwen3", Backend: "ollama", MaxInputTokens: 8192, RemoteModel: "qwen3-embedding:8b", Endpoint: "http://localhost:11434"},
		{Name: "multilingual-e5-large", Dimensions: 1024, Partition: "embeddings_e5_large", Backend: "onnx", MaxInputTokens: 512},
	}
}

// DefaultTiers maps each sensitivity tier to its model.
func DefaultTiers() map[string]string {
	return map[string]string{
		"public":     "text-embedding-3-large",
		"restricted": "azure-ada-002",
		"closed":     "qwen3-8b-embed",
	}
}

// DefaultIntentWeights shifts hybrid weights by query intent.
func DefaultIntentWeights() map[string]Weights {
	return map[string]Weights{
		"lookup":      {Vector: 0.8, Keyword: 0.2},
		"comparison":  {Vector: 0.5, Keyword: 0.5},
		"computation": {Vector: 0.3, Keyword: 0.7},
	}
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/yakkan/data/db/documents.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/yakkan/data/indices/bleve"
	}
	if cfg.Storage.VectorSnapshotPath == "" {
		cfg.Storage.VectorSnapshotPath = "/usr/local/var/yakkan/data/indices/vectors"
	}
	applyEmbeddingDefaults(&cfg.Embedding)
	applyVectorDefaults(&cfg.Vector)
	applyChunkingDefaults(&cfg.Chunking)
	applySearchDefaults(&cfg.Search)
	if cfg.Rerank.DuplicateThreshold == 0 {
		cfg.Rerank.DuplicateThreshold = 0.9
	}
	if cfg.Rerank.DiversityThreshold == 0 {
		cfg.Rerank.DiversityThreshold = 0.8
	}
	if cfg.Rerank.MinPassageChars == 0 {
		cfg.Rerank.MinPassageChars = 10
	}
	if cfg.Rerank.TopN == 0 {
		cfg.Rerank.TopN = 50
	}
	if cfg.Retrieval.Timeout == 0 {
		cfg.Retrieval.Timeout = 10 * time.Second
	}
	if cfg.Retrieval.MaxContextTokens == 0 {
		cfg.Retrieval.MaxContextTokens = 4000
	}
	if cfg.Query.MinIntentConfidence == 0 {
		cfg.Query.MinIntentConfidence = 0.3
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".json", ".txt", ".md", ".pdf", ".docx", ".xlsx", ".odt", ".rtf"}
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	if cfg.Watch.DefaultTier == "" {
		cfg.Watch.DefaultTier = "closed"
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}

func applyEmbeddingDefaults(e *EmbeddingConfig) {
	if len(e.Models) == 0 {
		e.Models = DefaultModels()
	}
	if len(e.Tiers) == 0 {
		e.Tiers = DefaultTiers()
	}
	if e.Batch.Initial == 0 {
		e.Batch.Initial = 100
	}
	if e.Batch.Min == 0 {
		e.Batch.Min = 10
	}
	if e.Batch.Max == 0 {
		e.Batch.Max = 2000
	}
	if e.Batch.Window == 0 {
		e.Batch.Window = 10
	}
	if e.Batch.MinSamples == 0 {
		e.Batch.MinSamples = 5
	}
	if e.Batch.MinSuccessRate == 0 {
		e.Batch.MinSuccessRate = 0.9
	}
	if e.Batch.GrowAfter == 0 {
		e.Batch.GrowAfter = 10
	}
	if e.Retry.MaxAttempts == 0 {
		e.Retry.MaxAttempts = 3
	}
	if e.Retry.InitialDelay == 0 {
		e.Retry.InitialDelay = 500 * time.Millisecond
	}
	if e.Retry.MaxDelay == 0 {
		e.Retry.MaxDelay = 10 * time.Second
	}
	if e.Retry.Multiplier == 0 {
		e.Retry.Multiplier = 2
	}
	if e.Quality.MinNorm == 0 {
		e.Quality.MinNorm = 0.1
	}
	if e.Quality.MaxNorm == 0 {
		e.Quality.MaxNorm = 10
	}
	if e.CacheSize == 0 {
		e.CacheSize = 10000
	}
	if e.Concurrency == 0 {
		e.Concurrency = 4
	}
	if e.CallTimeout == 0 {
		e.CallTimeout = 30 * time.Second
	}
}

func applyVectorDefaults(v *VectorConfig) {
	if v.Backend == "" {
		v.Backend = "memory"
	}
	if v.HNSWM == 0 {
		v.HNSWM = 16
	}
	if v.HNSWEfConstruction == 0 {
		v.HNSWEfConstruction = 64
	}
	if v.HNSWEfSearch == 0 {
		v.HNSWEfSearch = 40
	}
	if v.MaxIndexedDimensions == 0 {
		v.MaxIndexedDimensions = 2000
	}
}

func applyChunkingDefaults(c *ChunkingConfig) {
	if c.Strategy == "" {
		c.Strategy = "content"
	}
	if c.Tokenizer == "" {
		c.Tokenizer = "cl100k_base"
	}
	if c.TargetTokens == 0 {
		c.TargetTokens = 200
	}
	if c.OverlapRatio == 0 {
		c.OverlapRatio = 0.15
	}
	if c.MinTokens == 0 {
		c.MinTokens = 50
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 300
	}
	if c.SemanticBreakpoint == 0 {
		c.SemanticBreakpoint = 0.35
	}
}

func applySearchDefaults(s *SearchConfig) {
	if s.DefaultLimit == 0 {
		s.DefaultLimit = 10
	}
	if s.MaxLimit == 0 {
		s.MaxLimit = 50
	}
	if s.VectorWeight == 0 && s.KeywordWeight == 0 {
		s.VectorWeight = 0.7
		s.KeywordWeight = 0.3
	}
	if s.IntentWeights == nil {
		s.IntentWeights = DefaultIntentWeights()
	}
	if s.MinScore == 0 {
		s.MinScore = 0.25
	}
	if s.ComplexityRelax == 0 {
		s.ComplexityRelax = 0.9
	}
	if s.ComplexKeywordCount == 0 {
		s.ComplexKeywordCount = 5
	}
	if s.SubQueryTimeout == 0 {
		s.SubQueryTimeout = 3 * time.Second
	}
}
