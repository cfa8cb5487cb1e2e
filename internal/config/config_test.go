package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "./data/db/documents.db"
watch:
  directories: ["./dev/sample"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "documents.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	if len(cfg.Watch.Directories) != 1 {
		t.Fatalf("watch directories: got %d", len(cfg.Watch.Directories))
	}
	wantWatch := filepath.Join(dir, "dev", "sample")
	if cfg.Watch.Directories[0] != wantWatch {
		t.Errorf("watch directory = %s, want %s", cfg.Watch.Directories[0], wantWatch)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Search.DefaultLimit != 10 {
		t.Errorf("default limit: got %d", cfg.Search.DefaultLimit)
	}
	if cfg.Search.VectorWeight != 0.7 || cfg.Search.KeywordWeight != 0.3 {
		t.Errorf("default weights: got %.2f/%.2f", cfg.Search.VectorWeight, cfg.Search.KeywordWeight)
	}
	if w := cfg.Search.IntentWeights["comparison"]; w.Vector != 0.5 || w.Keyword != 0.5 {
		t.Errorf("comparison weights: got %+v", w)
	}
	if w := cfg.Search.IntentWeights["lookup"]; w.Vector != 0.8 || w.Keyword != 0.2 {
		t.Errorf("lookup weights: got %+v", w)
	}
	if cfg.Rerank.MinPassageChars != 10 {
		t.Errorf("min passage chars: got %d", cfg.Rerank.MinPassageChars)
	}
	if cfg.Chunking.TargetTokens != 200 || cfg.Chunking.OverlapRatio != 0.15 || cfg.Chunking.MinTokens != 50 {
		t.Errorf("chunking defaults: got %+v", cfg.Chunking)
	}
	if cfg.Embedding.Batch.Min != 10 || cfg.Embedding.Batch.MinSuccessRate != 0.9 {
		t.Errorf("batch defaults: got %+v", cfg.Embedding.Batch)
	}
	if cfg.Embedding.Tiers["closed"] != "qwen3-8b-embed" {
		t.Errorf("closed tier model: got %s", cfg.Embedding.Tiers["closed"])
	}
	if cfg.Rerank.DiversityThreshold > cfg.Rerank.DuplicateThreshold {
		t.Error("diversity threshold must not exceed duplicate threshold")
	}
	if cfg.Vector.Backend != "memory" || cfg.Vector.MaxIndexedDimensions != 2000 {
		t.Errorf("vector defaults: got %+v", cfg.Vector)
	}
	if cfg.Watch.Extensions == nil || cfg.Watch.Extensions[0] != ".json" {
		t.Errorf("watch extensions: got %v", cfg.Watch.Extensions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
retrieval:
  timeout: "2500ms"
embedding:
  retry:
    initial_delay: "1s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieval.Timeout != 2500*time.Millisecond {
		t.Errorf("retrieval timeout = %s", cfg.Retrieval.Timeout)
	}
	if cfg.Embedding.Retry.InitialDelay != time.Second {
		t.Errorf("initial delay = %s", cfg.Embedding.Retry.InitialDelay)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown tier model", func(c *Config) { c.Embedding.Tiers["public"] = "nope" }},
		{"overlap too large", func(c *Config) { c.Chunking.OverlapRatio = 0.6 }},
		{"min above target", func(c *Config) { c.Chunking.MinTokens = 400 }},
		{"diversity above duplicate", func(c *Config) { c.Rerank.DiversityThreshold = 0.95 }},
		{"postgres without url", func(c *Config) { c.Vector.Backend = "postgres" }},
		{"unknown vector backend", func(c *Config) { c.Vector.Backend = "faiss" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			ApplyDefaults(cfg)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEmbeddingConfig_Model(t *testing.T) {
	e := EmbeddingConfig{Models: DefaultModels()}
	m, ok := e.Model("azure-ada-002")
	if !ok || m.Dimensions != 1536 || m.Backend != "azure" {
		t.Errorf("azure-ada-002 lookup: %+v ok=%v", m, ok)
	}
	if _, ok := e.Model("missing"); ok {
		t.Error("unexpected model found")
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/docs"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		w := &WatchConfig{}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("true_returns_true", func(t *testing.T) {
		v := true
		w := &WatchConfig{Recursive: &v}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		w := &WatchConfig{Recursive: &f}
		if got := w.RecursiveOrDefault(); got {
			t.Errorf("RecursiveOrDefault() = %v, want false", got)
		}
	})
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
}
