package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/extract"
	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/keyword"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/query"
	"github.com/hyperjump/yakkan/internal/rerank"
	"github.com/hyperjump/yakkan/internal/search"
	"github.com/hyperjump/yakkan/internal/storage"
	"github.com/hyperjump/yakkan/internal/tokenizer"
	"github.com/hyperjump/yakkan/internal/vector"
)

const testDims = 256

type testEnv struct {
	cfg       *config.Config
	store     *storage.SQLiteStorage
	router    *embedding.Router
	vectors   *vector.Store
	keywords  *keyword.BleveIndex
	analyzer  *query.Analyzer
	processor *query.Processor
	idx       *indexer.Indexer
	reranker  *rerank.Reranker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	spec := embedding.ModelSpec{Name: "mock", Dimensions: testDims}
	policy, err := embedding.NewTierPolicy(map[models.Tier]embedding.ModelSpec{
		models.TierPublic: spec, models.TierRestricted: spec, models.TierClosed: spec,
	})
	require.NoError(t, err)
	router, err := embedding.NewRouter(policy, map[string]embedding.Embedder{"mock": embedding.NewMockEmbedder(testDims)}, &cfg.Embedding)
	require.NoError(t, err)

	vectors, err := vector.OpenStore(ctx, &config.VectorConfig{Backend: "memory"},
		[]vector.PartitionSpec{{Name: "embeddings_mock", Model: "mock", Dimensions: testDims}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	analyzer := query.NewAnalyzer(nil, nil)
	keywords, err := keyword.NewBleveIndex(filepath.Join(dir, "bleve"), analyzer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = keywords.Close() })

	chunker := indexer.NewChunker(tokenizer.NewWord(), &config.ChunkingConfig{
		TargetTokens: 200, OverlapRatio: 0.15, MinTokens: 2, MaxTokens: 300, SemanticBreakpoint: 0.35,
	})
	return &testEnv{
		cfg:       cfg,
		store:     store,
		router:    router,
		vectors:   vectors,
		keywords:  keywords,
		analyzer:  analyzer,
		processor: query.NewProcessor(analyzer, &cfg.Query),
		idx:       indexer.NewIndexer(store, router, vectors, keywords, chunker, extract.NewExtractor()),
		reranker:  rerank.New(rerank.NewLexicalScorer(analyzer), &cfg.Rerank),
	}
}

func (e *testEnv) orchestrator(searcher Searcher, embedder QueryEmbedder, opts ...Option) *Orchestrator {
	if searcher == nil {
		searcher = search.NewEngine(e.store, e.vectors, e.keywords, e.analyzer, &e.cfg.Search)
	}
	if embedder == nil {
		embedder = e.router
	}
	return New(e.processor, embedder, searcher, e.reranker, e.store, &e.cfg.Retrieval, &e.cfg.Search, opts...)
}

func (e *testEnv) ingest(t *testing.T, doc *models.Document, texts ...string) {
	t.Helper()
	segs := make([]models.Segment, len(texts))
	for i, text := range texts {
		segs[i] = models.Segment{PageNumber: i + 1, PositionIndex: 0, Text: text}
	}
	_, err := e.idx.Ingest(context.Background(), indexer.IngestRequest{Document: doc, Segments: segs})
	require.NoError(t, err)
}

func (e *testEnv) seed(t *testing.T) {
	e.ingest(t, &models.Document{ID: "doc-auto", Title: "자동차보험 약관", Issuer: "한빛손해보험", ProductName: "한빛 다이렉트 자동차보험", Tier: models.TierPublic},
		"제1조 자동차보험 자기차량손해 보상 범위",
		"자차 사고로 차량에 손해가 발생하면 회사는 약관에 따라 보상합니다")
	e.ingest(t, &models.Document{ID: "doc-cancer", Title: "암보험 약관", Issuer: "새봄생명", Tier: models.TierPublic},
		"제1조 암보험 진단금 지급 기준",
		"암으로 진단 확정되면 진단금을 일시금으로 지급합니다")
}

type recordingObserver struct {
	mu       sync.Mutex
	calls    int
	degraded int
}

func (o *recordingObserver) ObserveRetrieval(_ models.Intent, _ models.Timings, degraded bool, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if degraded {
		o.degraded++
	}
}

func TestRetrieve_citedPassages(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	obs := &recordingObserver{}
	o := env.orchestrator(nil, nil, WithObserver(obs))

	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{Query: "자동차보험 자차 손해 보상", Tier: models.TierPublic})
	require.NoError(t, err)

	assert.False(t, res.Degraded, "reasons: %v", res.DegradedReasons)
	require.NotEmpty(t, res.Passages)
	top := res.Passages[0]
	assert.Equal(t, "doc-auto", top.Citation.DocumentID)
	assert.Equal(t, "한빛손해보험", top.Citation.Issuer)
	assert.Equal(t, "한빛 다이렉트 자동차보험", top.Citation.ProductName)
	for _, p := range res.Passages {
		assert.NotEqual(t, "doc-cancer", p.Citation.DocumentID)
		assert.NotEmpty(t, p.Citation.Sources, "passage without position")
		assert.NotEmpty(t, p.Citation.ChunkIndexes)
		assert.Equal(t, p.Text, p.Citation.ChunkText)
	}
	assert.Equal(t, "mock", res.Model)
	assert.Positive(t, res.ContextTokens)
	assert.GreaterOrEqual(t, res.Timings.TotalMs, res.Timings.SearchMs)

	in := res.AnswerInput()
	assert.Equal(t, res.Query, in.Query)
	assert.Equal(t, res.Intent, in.Intent)
	assert.Len(t, in.ContextPassages, len(res.Passages))
	assert.Equal(t, 1, obs.calls)
}

func TestRetrieve_adjacentChunksMergeIntoOnePassage(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, &models.Document{ID: "doc-claim", Title: "보험금 청구", Issuer: "한빛손해보험", Tier: models.TierPublic},
		"제5조 보험금 청구 서류 보험금을 청구할 때에는 청구서와 사고증명서를 제출합니다",
		"제6조 보험금 청구 기한 보험금 청구 서류를 받은 날부터 3영업일 이내에 지급합니다")
	o := env.orchestrator(nil, nil)

	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{Query: "보험금 청구 서류", Tier: models.TierPublic})
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	c := res.Passages[0].Citation
	assert.Equal(t, []int{0, 1}, c.ChunkIndexes)
	assert.Len(t, c.Sources, 2)
	assert.Equal(t, rerank.ReasonMerged, res.Passages[0].Reason)
}

type slowVectors struct{ release chan struct{} }

func (s *slowVectors) Query(context.Context, string, []float32, int, vector.Filter) ([]vector.Hit, error) {
	<-s.release
	return nil, nil
}

// slowKeywords blocks Search until release is closed; the other methods go to the
// embedded index.
type slowKeywords struct {
	*keyword.BleveIndex
	release chan struct{}
}

func (s *slowKeywords) Search(context.Context, keyword.Query) ([]keyword.Hit, error) {
	<-s.release
	return nil, nil
}

func TestRetrieve_bothSubQueriesTimeOut(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	release := make(chan struct{})
	defer close(release)

	env.cfg.Retrieval.Timeout = 300 * time.Millisecond
	searchCfg := env.cfg.Search
	searchCfg.SubQueryTimeout = 100 * time.Millisecond
	engine := search.NewEngine(env.store, &slowVectors{release: release}, &slowKeywords{release: release}, nil, &searchCfg)
	obs := &recordingObserver{}
	o := env.orchestrator(engine, nil, WithObserver(obs))

	start := time.Now()
	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{Query: "자동차보험 자차 손해 보상", Tier: models.TierPublic})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, env.cfg.Retrieval.Timeout+200*time.Millisecond)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Passages)
	assert.NotNil(t, res.Passages)
	assert.Len(t, res.DegradedReasons, 2)
	assert.Equal(t, 1, obs.degraded)
}

func TestRetrieve_timeoutShorterThanSubQueries(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	defer close(release)

	env.cfg.Retrieval.Timeout = 50 * time.Millisecond
	searchCfg := env.cfg.Search
	searchCfg.SubQueryTimeout = time.Hour
	engine := search.NewEngine(env.store, &slowVectors{release: release}, &slowKeywords{release: release}, nil, &searchCfg)
	o := env.orchestrator(engine, nil)

	start := time.Now()
	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{Query: "암보험 진단금", Tier: models.TierPublic})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Passages)
}

func TestRetrieve_keywordTimeoutKeepsVectorPassages(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	release := make(chan struct{})
	defer close(release)

	env.cfg.Retrieval.Timeout = 150 * time.Millisecond
	searchCfg := env.cfg.Search
	searchCfg.SubQueryTimeout = time.Hour
	searchCfg.MinScore = 0.05
	engine := search.NewEngine(env.store, env.vectors, &slowKeywords{BleveIndex: env.keywords, release: release}, nil, &searchCfg)
	o := env.orchestrator(engine, nil)

	start := time.Now()
	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{Query: "자동차보험 자차 손해 보상", Tier: models.TierPublic})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Degraded)
	for _, reason := range res.DegradedReasons {
		assert.NotContains(t, reason, "hydrate")
	}
	require.NotEmpty(t, res.Passages, "reasons: %v", res.DegradedReasons)
	assert.Equal(t, "doc-auto", res.Passages[0].Citation.DocumentID)
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedQuery(context.Context, string, models.Tier) ([]float32, embedding.ModelSpec, error) {
	return nil, embedding.ModelSpec{}, errs.BackendUnavailable("embedding.query", errors.New("503 service unavailable"))
}

type hangingEmbedder struct{ release chan struct{} }

func (h hangingEmbedder) EmbedQuery(context.Context, string, models.Tier) ([]float32, embedding.ModelSpec, error) {
	<-h.release
	return nil, embedding.ModelSpec{}, errors.New("released")
}

func TestRetrieve_embeddingDownFallsBackToKeywords(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	o := env.orchestrator(nil, failingEmbedder{})

	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{Query: "암보험 진단금 지급", Tier: models.TierPublic})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.DegradedReasons, 1)
	assert.Contains(t, res.DegradedReasons[0], "query embedding unavailable")
	require.NotEmpty(t, res.Passages)
	assert.Equal(t, "doc-cancer", res.Passages[0].Citation.DocumentID)
	assert.Empty(t, res.Model)
}

func TestRetrieve_hangingEmbedderIsBounded(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	release := make(chan struct{})
	defer close(release)
	env.cfg.Retrieval.Timeout = 80 * time.Millisecond
	o := env.orchestrator(nil, hangingEmbedder{release: release})

	start := time.Now()
	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{Query: "암보험 진단금 지급", Tier: models.TierPublic})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Degraded)
}

func TestRetrieve_contextBudget(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, &models.Document{ID: "doc-a", Title: "A", Tier: models.TierPublic}, "제1조 보험료 납입 면제 조건 보험료 납입이 면제되는 경우를 정합니다")
	env.ingest(t, &models.Document{ID: "doc-b", Title: "B", Tier: models.TierPublic}, "제2조 보험료 할인 특약 보험료를 할인하는 특약의 조건을 정합니다")
	env.ingest(t, &models.Document{ID: "doc-c", Title: "C", Tier: models.TierPublic}, "제3조 보험료 자동이체 보험료 자동이체 신청 방법을 정합니다")

	full, err := env.orchestrator(nil, nil).Retrieve(context.Background(), models.RetrieveRequest{Query: "보험료", Tier: models.TierPublic})
	require.NoError(t, err)
	require.Len(t, full.Passages, 3)

	first := tokenizer.MustCount(tokenizer.NewWord(), full.Passages[0].Text)
	env.cfg.Retrieval.MaxContextTokens = first + 1
	res, err := env.orchestrator(nil, nil).Retrieve(context.Background(), models.RetrieveRequest{Query: "보험료", Tier: models.TierPublic})
	require.NoError(t, err)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, first, res.ContextTokens)
	assert.LessOrEqual(t, res.ContextTokens, env.cfg.Retrieval.MaxContextTokens)
}

func TestRetrieve_scopeAndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	o := env.orchestrator(nil, nil)

	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{
		Query: "보상 진단금 지급", Tier: models.TierPublic, DocumentIDs: []string{"doc-cancer"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Passages)
	for _, p := range res.Passages {
		assert.Equal(t, "doc-cancer", p.Citation.DocumentID)
	}

	suspended := models.StatusSuspended
	_, err = env.store.PatchDocument(context.Background(), "doc-cancer", &models.DocumentPatch{Status: &suspended})
	require.NoError(t, err)
	res, err = o.Retrieve(context.Background(), models.RetrieveRequest{
		Query: "보상 진단금 지급", Tier: models.TierPublic, DocumentIDs: []string{"doc-cancer"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Passages, "suspended documents are not cited")
}

func TestRetrieve_validation(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(nil, nil)

	tests := []models.RetrieveRequest{
		{Query: "   ", Tier: models.TierPublic},
		{Query: "보험료", Tier: "secret"},
		{Query: "?!", Tier: models.TierPublic},
	}
	for _, req := range tests {
		_, err := o.Retrieve(context.Background(), req)
		assert.True(t, errs.Is(err, errs.KindValidation), "query %q: %v", req.Query, err)
	}
}

func TestRetrieve_rerankerUnavailableIsDegradedNotFailed(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	env.reranker = rerank.New(nil, &env.cfg.Rerank)
	o := env.orchestrator(nil, nil)

	res, err := o.Retrieve(context.Background(), models.RetrieveRequest{Query: "자동차보험 자차 손해 보상", Tier: models.TierPublic})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.NotEmpty(t, res.Passages)
	assert.Equal(t, "doc-auto", res.Passages[0].Citation.DocumentID)
}
