package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/extract"
	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/keyword"
	"github.com/hyperjump/yakkan/internal/metrics"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/query"
	"github.com/hyperjump/yakkan/internal/rerank"
	"github.com/hyperjump/yakkan/internal/retrieval"
	"github.com/hyperjump/yakkan/internal/search"
	"github.com/hyperjump/yakkan/internal/storage"
	"github.com/hyperjump/yakkan/internal/tokenizer"
	"github.com/hyperjump/yakkan/internal/vector"
)

const testDims = 64

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

type testServer struct {
	srv       *Server
	handler   http.Handler
	store     *storage.SQLiteStorage
	collector *metrics.Collector
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage = config.StorageConfig{
		DatabasePath:   filepath.Join(dir, "db.sqlite"),
		BleveIndexPath: filepath.Join(dir, "bleve"),
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	spec := embedding.ModelSpec{Name: "mock", Dimensions: testDims}
	policy, err := embedding.NewTierPolicy(map[models.Tier]embedding.ModelSpec{
		models.TierPublic: spec, models.TierRestricted: spec, models.TierClosed: spec,
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	collector := metrics.NewCollector("yakkan", zap.NewNop())
	router, err := embedding.NewRouter(policy, map[string]embedding.Embedder{"mock": embedding.NewMockEmbedder(testDims)},
		&cfg.Embedding, embedding.WithObserver(collector))
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	vectors, err := vector.OpenStore(ctx, &config.VectorConfig{Backend: "memory"},
		[]vector.PartitionSpec{{Name: "embeddings_mock", Model: "mock", Dimensions: testDims}})
	if err != nil {
		t.Fatalf("vectors: %v", err)
	}
	t.Cleanup(func() { _ = vectors.Close() })

	analyzer := query.NewAnalyzer(nil, nil)
	keywords, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath, analyzer)
	if err != nil {
		t.Fatalf("bleve: %v", err)
	}
	t.Cleanup(func() { _ = keywords.Close() })

	chunker := indexer.NewChunker(tokenizer.NewWord(), &config.ChunkingConfig{
		TargetTokens: 200, OverlapRatio: 0.15, MinTokens: 2, MaxTokens: 300, SemanticBreakpoint: 0.35,
	})
	idx := indexer.NewIndexer(store, router, vectors, keywords, chunker, extract.NewExtractor())
	orch := retrieval.New(
		query.NewProcessor(analyzer, &cfg.Query),
		router,
		search.NewEngine(store, vectors, keywords, analyzer, &cfg.Search),
		rerank.New(rerank.NewLexicalScorer(analyzer), &cfg.Rerank),
		store,
		&cfg.Retrieval,
		&cfg.Search,
		retrieval.WithObserver(collector),
	)

	all := append([]Option{
		WithLogger(zap.NewNop()),
		WithUsage(router),
		WithVectorCounter(vectors),
		WithMetrics(collector),
	}, opts...)
	srv := NewServer(orch, idx, store, cfg, all...)
	return &testServer{srv: srv, handler: srv.Handler(), store: store, collector: collector}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) ingest(t *testing.T, doc *models.Document, texts ...string) *indexer.IngestReport {
	t.Helper()
	segs := make([]models.Segment, len(texts))
	for i, text := range texts {
		segs[i] = models.Segment{PageNumber: i + 1, Text: text}
	}
	w := ts.do(t, http.MethodPost, "/api/v1/documents", indexer.IngestRequest{Document: doc, Segments: segs})
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest status: got %d, body: %s", w.Code, w.Body.String())
	}
	var report indexer.IngestReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	return &report
}

func (ts *testServer) seed(t *testing.T) {
	t.Helper()
	ts.ingest(t, &models.Document{ID: "doc-auto", Title: "자동차보험 약관", Issuer: "한빛손해보험", Tier: models.TierPublic},
		"제1조 자동차보험 자기차량손해 보상 범위",
		"자차 사고로 차량에 손해가 발생하면 회사는 약관에 따라 보상합니다")
	ts.ingest(t, &models.Document{ID: "doc-cancer", Title: "암보험 약관", Issuer: "새봄생명", Tier: models.TierPublic},
		"제1조 암보험 진단금 지급 기준",
		"암으로 진단 확정되면 진단금을 일시금으로 지급합니다")
}

func TestHandleIngestDocument(t *testing.T) {
	ts := newTestServer(t)
	report := ts.ingest(t, &models.Document{ID: "doc-auto", Title: "자동차보험 약관", Tier: models.TierPublic},
		"제1조 자동차보험 자기차량손해 보상 범위")
	if report.DocumentID != "doc-auto" {
		t.Errorf("document_id: got %q", report.DocumentID)
	}
	if report.Chunks < 1 || report.Embedded != report.Chunks {
		t.Errorf("report: got chunks=%d embedded=%d", report.Chunks, report.Embedded)
	}
	if len(report.Failed) != 0 {
		t.Errorf("failed: got %v", report.Failed)
	}
}

func TestHandleIngestDocument_GeneratesID(t *testing.T) {
	ts := newTestServer(t)
	report := ts.ingest(t, &models.Document{Title: "실손보험 약관", Tier: models.TierRestricted}, "실손보험 통원 치료비 보상 한도")
	if !strings.HasPrefix(report.DocumentID, "doc-") {
		t.Fatalf("expected a generated document id, got %q", report.DocumentID)
	}
	if _, err := ts.store.GetDocument(context.Background(), report.DocumentID); err != nil {
		t.Errorf("generated document not stored: %v", err)
	}
}

func TestHandleIngestDocument_Invalid(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/documents", map[string]interface{}{
		"document": map[string]string{"id": "doc-x", "tier": "secret"},
		"segments": []map[string]interface{}{{"page_number": 1, "text": "보험료"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", w.Code)
	}
	w = ts.do(t, http.MethodPost, "/api/v1/documents", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing document: got %d, want 400", w.Code)
	}
}

func TestHandleRetrieve(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)

	w := ts.do(t, http.MethodPost, "/api/v1/retrieve", models.RetrieveRequest{Query: "자동차보험 자차 손해 보상", Tier: models.TierPublic})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var res models.RetrievalResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Degraded {
		t.Errorf("unexpected degraded result: %v", res.DegradedReasons)
	}
	if len(res.Passages) == 0 {
		t.Fatal("expected passages")
	}
	if got := res.Passages[0].Citation.DocumentID; got != "doc-auto" {
		t.Errorf("top citation: got %q, want doc-auto", got)
	}
	if res.Passages[0].Citation.Issuer != "한빛손해보험" {
		t.Errorf("issuer: got %q", res.Passages[0].Citation.Issuer)
	}
	if len(res.Passages[0].Citation.Sources) == 0 {
		t.Error("citation must carry page positions")
	}
}

func TestHandleRetrieve_Scope(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)

	w := ts.do(t, http.MethodPost, "/api/v1/retrieve", models.RetrieveRequest{
		Query: "보상 지급 기준", Tier: models.TierPublic, DocumentIDs: []string{"doc-cancer"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var res models.RetrievalResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	for _, p := range res.Passages {
		if p.Citation.DocumentID != "doc-cancer" {
			t.Errorf("passage outside scope: %s", p.Citation.DocumentID)
		}
	}
}

func TestHandleRetrieve_Validation(t *testing.T) {
	ts := newTestServer(t)
	cases := []interface{}{
		models.RetrieveRequest{Query: "   "},
		models.RetrieveRequest{Query: "보험료", Tier: "secret"},
		models.RetrieveRequest{Query: "?! ... ~"},
	}
	for i, body := range cases {
		w := ts.do(t, http.MethodPost, "/api/v1/retrieve", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("case %d: got %d, want 400 (body %s)", i, w.Code, w.Body.String())
			continue
		}
		var out map[string]string
		if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		if out["kind"] != string(errs.KindValidation) {
			t.Errorf("case %d: kind got %q", i, out["kind"])
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/retrieve", strings.NewReader("{"))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: got %d", w.Code)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)

	w := ts.do(t, http.MethodGet, "/api/v1/documents/doc-auto", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: got %d", w.Code)
	}
	var doc models.Document
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.StatusActive {
		t.Errorf("status: got %q", doc.Status)
	}

	suspended := models.StatusSuspended
	w = ts.do(t, http.MethodPatch, "/api/v1/documents/doc-auto", models.DocumentPatch{Status: &suspended})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: got %d, body: %s", w.Code, w.Body.String())
	}
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Status != models.StatusSuspended {
		t.Errorf("patched status: got %q", doc.Status)
	}

	// Suspended documents are no longer cited.
	w = ts.do(t, http.MethodPost, "/api/v1/retrieve", models.RetrieveRequest{Query: "자동차보험 자차 손해 보상"})
	var res models.RetrievalResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	for _, p := range res.Passages {
		if p.Citation.DocumentID == "doc-auto" {
			t.Error("suspended document cited")
		}
	}

	w = ts.do(t, http.MethodPatch, "/api/v1/documents/doc-auto", map[string]string{"status": "deleted"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid patch: got %d, want 400", w.Code)
	}
	w = ts.do(t, http.MethodPatch, "/api/v1/documents/missing", models.DocumentPatch{Status: &suspended})
	if w.Code != http.StatusNotFound {
		t.Errorf("patch missing: got %d, want 404", w.Code)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/documents/doc-auto", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: got %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/v1/documents/doc-auto", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", w.Code)
	}
}

func TestHandleReconcile(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)
	w := ts.do(t, http.MethodPost, "/api/v1/maintenance/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var report indexer.ReconcileReport
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.VectorOrphans != 0 || report.KeywordOrphans != 0 || report.PendingDeletes != 0 {
		t.Errorf("consistent indices reported repairs: %+v", report)
	}
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t)

	w := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Documents != 2 {
		t.Errorf("documents: got %d, want 2", out.Documents)
	}
	if out.Chunks < 2 {
		t.Errorf("chunks: got %d, want >= 2", out.Chunks)
	}
	if len(out.Vectors) != 1 || out.Vectors["embeddings_mock"] < 2 {
		t.Errorf("vectors per partition: got %v", out.Vectors)
	}
	if len(out.Embedding) == 0 || out.Embedding[0].Calls == 0 {
		t.Errorf("embedding usage: got %+v", out.Embedding)
	}
	if out.Disk == nil || out.Disk.Database < 1 {
		t.Errorf("disk usage: got %+v", out.Disk)
	}
	if out.Config == nil || out.Config.Tiers["public"] == "" {
		t.Errorf("config: got %+v", out.Config)
	}
}

func TestHandleHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health: got %d", w.Code)
	}
	ts.do(t, http.MethodGet, "/api/v1/documents/nope", nil)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`yakkan_http_requests_total{method="GET",path="/health",status="200"} 1`,
		`yakkan_http_requests_total{method="GET",path="/api/v1/documents/{id}",status="404"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestHandleWatchDirectoriesList(t *testing.T) {
	mock := &mockWatchService{dirs: []string{"/tmp/docs"}}
	ts := newTestServer(t, WithWatch(mock, ""))

	w := ts.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Directories) != 1 || out.Directories[0] != "/tmp/docs" {
		t.Errorf("directories: got %v", out.Directories)
	}
}

func TestHandleWatchDirectoriesList_NotEnabled(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestHandleWatchDirectoriesAddRemove(t *testing.T) {
	mock := &mockWatchService{}
	ts := newTestServer(t, WithWatch(mock, ""))
	inbox := t.TempDir()

	w := ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": inbox, "sync": false})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: got %d, body: %s", w.Code, w.Body.String())
	}
	if len(mock.dirs) != 1 || mock.dirs[0] != inbox {
		t.Errorf("dirs after add: got %v", mock.dirs)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": filepath.Join(inbox, "missing")})
	if w.Code != http.StatusNotFound {
		t.Errorf("add missing: got %d, want 404", w.Code)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/watch/directories?path="+inbox, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove: got %d", w.Code)
	}
	if len(mock.dirs) != 0 {
		t.Errorf("dirs after remove: got %v", mock.dirs)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.Validation("op", "bad"), http.StatusBadRequest},
		{errs.Quality("op", "nan"), http.StatusUnprocessableEntity},
		{errs.BackendUnavailable("op", errors.New("down")), http.StatusServiceUnavailable},
		{errs.Timeout("op", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errs.Consistency("op", "orphan"), http.StatusInternalServerError},
		{storage.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v): got %d, want %d", c.err, got, c.want)
		}
	}
}
