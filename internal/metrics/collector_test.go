package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/models"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector("test", zap.NewNop())

	assert.NotNil(t, c.Registry())
	assert.NotNil(t, c.embeddingCalls)
	assert.NotNil(t, c.retrievalDuration)
	assert.NotNil(t, c.httpRequests)
}

func TestCollector_collectorsAreIsolated(t *testing.T) {
	a := NewCollector("yakkan", nil)
	b := NewCollector("yakkan", nil)

	a.ObserveBatchSize("mock", 64)
	b.ObserveBatchSize("mock", 16)

	assert.Equal(t, 64.0, testutil.ToFloat64(a.batchSize.WithLabelValues("mock")))
	assert.Equal(t, 16.0, testutil.ToFloat64(b.batchSize.WithLabelValues("mock")))
}

func TestCollector_ObserveEmbeddingCall(t *testing.T) {
	c := NewCollector("test", nil)

	c.ObserveEmbeddingCall("text-embedding-3-large", 10, 1200, 0.000156, 80*time.Millisecond, true)
	c.ObserveEmbeddingCall("text-embedding-3-large", 5, 600, 0, 2*time.Second, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.embeddingCalls.WithLabelValues("text-embedding-3-large", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.embeddingCalls.WithLabelValues("text-embedding-3-large", "failure")))
	assert.Equal(t, 15.0, testutil.ToFloat64(c.embeddingItems.WithLabelValues("text-embedding-3-large")))
	assert.Equal(t, 1800.0, testutil.ToFloat64(c.embeddingTokens.WithLabelValues("text-embedding-3-large")))
	assert.InDelta(t, 0.000156, testutil.ToFloat64(c.embeddingCost.WithLabelValues("text-embedding-3-large")), 1e-12)
	assert.Equal(t, 1, testutil.CollectAndCount(c.embeddingDuration))
}

func TestCollector_ObserveRetrieval(t *testing.T) {
	c := NewCollector("test", nil)
	timings := models.Timings{ProcessMs: 1, EmbedMs: 20, SearchMs: 30, RerankMs: 5, TotalMs: 56}

	c.ObserveRetrieval(models.IntentLookup, timings, false, 3)
	c.ObserveRetrieval(models.IntentLookup, timings, true, 0)
	c.ObserveRetrieval("", timings, true, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.retrievalDegraded.WithLabelValues("lookup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retrievalDegraded.WithLabelValues("other")))
	assert.Equal(t, 4, testutil.CollectAndCount(c.stageDuration))
	assert.Equal(t, 2, testutil.CollectAndCount(c.retrievalDuration))
}

func TestCollector_RecordIngest(t *testing.T) {
	c := NewCollector("test", nil)

	c.RecordIngest(18, 2, nil)
	c.RecordIngest(5, 0, nil)
	c.RecordIngest(0, 0, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingestTotal.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingestTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ingestTotal.WithLabelValues("error")))
	assert.Equal(t, 23.0, testutil.ToFloat64(c.chunksEmbedded))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksFailed))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("yakkan", nil)
	c.RecordHTTPRequest("GET", "/health", 200, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `yakkan_http_requests_total{method="GET",path="/health",status="200"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
