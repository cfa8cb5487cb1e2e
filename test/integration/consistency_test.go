// Package integration exercises the registry, both indices and the orchestrator together
// (requires real storage and indices).
package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/extract"
	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/keyword"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/query"
	"github.com/hyperjump/yakkan/internal/rerank"
	"github.com/hyperjump/yakkan/internal/retrieval"
	"github.com/hyperjump/yakkan/internal/search"
	"github.com/hyperjump/yakkan/internal/storage"
	"github.com/hyperjump/yakkan/internal/tokenizer"
	"github.com/hyperjump/yakkan/internal/vector"
)

const dims = 32

type env struct {
	store    storage.Storage
	vectors  *vector.Store
	keywords keyword.Index
	indexer  *indexer.Indexer
	orch     *retrieval.Orchestrator
}

func newEnv(t *testing.T, vcfg config.VectorConfig, partition string) *env {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	cfg := &config.Config{Vector: vcfg}
	config.ApplyDefaults(cfg)
	cfg.Chunking.MinTokens = 2

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	spec := embedding.ModelSpec{Name: "mock", Dimensions: dims}
	policy, err := embedding.NewTierPolicy(map[models.Tier]embedding.ModelSpec{
		models.TierPublic: spec, models.TierRestricted: spec, models.TierClosed: spec,
	})
	if err != nil {
		t.Fatal(err)
	}
	router, err := embedding.NewRouter(policy, map[string]embedding.Embedder{"mock": embedding.NewMockEmbedder(dims)}, &cfg.Embedding)
	if err != nil {
		t.Fatal(err)
	}
	vectors, err := vector.OpenStore(ctx, &cfg.Vector,
		[]vector.PartitionSpec{{Name: partition, Model: "mock", Dimensions: dims}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = vectors.Close() })

	analyzer := query.NewAnalyzer(nil, nil)
	keywords, err := keyword.NewBleveIndex(filepath.Join(dir, "bleve"), analyzer)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = keywords.Close() })

	tok := tokenizer.NewWord()
	idx := indexer.NewIndexer(store, router, vectors, keywords, indexer.NewChunker(tok, &cfg.Chunking), extract.NewExtractor())
	orch := retrieval.New(query.NewProcessor(analyzer, &cfg.Query), router,
		search.NewEngine(store, vectors, keywords, analyzer, &cfg.Search),
		rerank.New(rerank.NewLexicalScorer(analyzer), &cfg.Rerank),
		store, &cfg.Retrieval, &cfg.Search, retrieval.WithTokenizer(tok))
	return &env{store: store, vectors: vectors, keywords: keywords, indexer: idx, orch: orch}
}

func (e *env) ingest(t *testing.T, id string, pages ...string) *indexer.IngestReport {
	t.Helper()
	segs := make([]models.Segment, len(pages))
	for i, p := range pages {
		segs[i] = models.Segment{PageNumber: i + 1, Text: p}
	}
	report, err := e.indexer.Ingest(context.Background(), indexer.IngestRequest{
		Document: &models.Document{ID: id, Title: id, Tier: models.TierPublic},
		Segments: segs,
	})
	if err != nil {
		t.Fatalf("ingest %s: %v", id, err)
	}
	return report
}

func (e *env) counts(t *testing.T) (registry, vectors, keywords int) {
	t.Helper()
	ctx := context.Background()
	known, err := e.store.ListChunkIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	vecRefs, err := e.vectors.ListChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	kwRefs, err := e.keywords.ListChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return len(known), len(vecRefs), len(kwRefs)
}

func runConsistency(t *testing.T, e *env) {
	ctx := context.Background()
	e.ingest(t, "doc-auto", "제1조 자동차보험 대인배상 보상 한도", "제2조 자기차량손해 자기부담금")
	e.ingest(t, "doc-fire", "제1조 화재보험 건물 손해 보상", "제2조 잔존물 제거 비용")

	reg, vec, kw := e.counts(t)
	if reg != vec || reg != kw {
		t.Fatalf("stores disagree after ingest: registry=%d vectors=%d keywords=%d", reg, vec, kw)
	}

	res, err := e.orch.Retrieve(ctx, models.RetrieveRequest{Query: "자동차보험 대인배상 한도", Tier: models.TierPublic})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Passages) == 0 || res.Passages[0].Citation.DocumentID != "doc-auto" {
		t.Fatalf("expected doc-auto first, got %+v", res.Passages)
	}

	// Re-ingesting replaces chunks instead of duplicating them.
	e.ingest(t, "doc-auto", "제1조 자동차보험 대인배상 보상 한도", "제2조 자기차량손해 자기부담금")
	if reg2, vec2, kw2 := e.counts(t); reg2 != reg || vec2 != vec || kw2 != kw {
		t.Errorf("re-ingest changed counts: %d/%d/%d -> %d/%d/%d", reg, vec, kw, reg2, vec2, kw2)
	}

	// Drift: an interrupted delete, a vector without a registered chunk and a chunk
	// missing from the keyword index.
	ghost, err := embedding.NewMockEmbedder(dims).Embed(ctx, "유령 청크")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.vectors.Upsert(ctx, "mock", []vector.Record{{
		ChunkID: "ghost", DocumentID: "doc-ghost", Text: "유령 청크", Vector: ghost, Model: "mock",
	}}); err != nil {
		t.Fatal(err)
	}
	chunks, err := e.store.GetChunksByDocumentID(ctx, "doc-fire")
	if err != nil || len(chunks) == 0 {
		t.Fatalf("doc-fire chunks: %v", err)
	}
	if err := e.keywords.DeleteChunks(ctx, []string{chunks[0].ID}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.AddPendingDelete(ctx, "doc-auto"); err != nil {
		t.Fatal(err)
	}

	report, err := e.indexer.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.PendingDeletes != 1 || report.VectorOrphans != 1 || report.KeywordRestored != 1 {
		t.Errorf("reconcile report: %+v", report)
	}
	if _, err := e.store.GetDocument(ctx, "doc-auto"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("replayed delete should remove doc-auto, got %v", err)
	}
	if pending, _ := e.store.ListPendingDeletes(ctx); len(pending) > 0 {
		t.Errorf("pending deletes left after reconcile: %v", pending)
	}
	reg, vec, kw = e.counts(t)
	if reg != vec || reg != kw {
		t.Errorf("stores disagree after reconcile: registry=%d vectors=%d keywords=%d", reg, vec, kw)
	}

	report, err = e.indexer.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *report != (indexer.ReconcileReport{}) {
		t.Errorf("second reconcile should find nothing, got %+v", report)
	}
}

func TestIntegration_MemoryConsistency(t *testing.T) {
	runConsistency(t, newEnv(t, config.VectorConfig{Backend: "memory"}, "embeddings_it_mock"))
}

func TestIntegration_PostgresConsistency(t *testing.T) {
	url := os.Getenv("YAKKAN_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("YAKKAN_TEST_POSTGRES_URL not set")
	}
	// A fresh table per run keeps leftovers of earlier runs out of the counts.
	partition := fmt.Sprintf("embeddings_it_%d", time.Now().UnixNano())
	runConsistency(t, newEnv(t, config.VectorConfig{Backend: "postgres", PostgresURL: url}, partition))
}
