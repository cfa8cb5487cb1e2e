// Package metrics exposes embedding cost/latency, retrieval and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// Collector records metrics into its own registry. It implements embedding.Observer and
// retrieval.Observer.
type Collector struct {
	registry *prometheus.Registry

	// Embedding
	embeddingCalls    *prometheus.CounterVec
	embeddingItems    *prometheus.CounterVec
	embeddingTokens   *prometheus.CounterVec
	embeddingCost     *prometheus.CounterVec
	embeddingDuration *prometheus.HistogramVec
	batchSize         *prometheus.GaugeVec

	// Retrieval
	retrievalDuration *prometheus.HistogramVec
	stageDuration     *prometheus.HistogramVec
	retrievalDegraded *prometheus.CounterVec
	passages          prometheus.Histogram

	// Ingestion
	ingestTotal    *prometheus.CounterVec
	chunksEmbedded prometheus.Counter
	chunksFailed   prometheus.Counter

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector whose metric names are prefixed with namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   utils.LoggerOrNop(logger).With(zap.String("component", "metrics")),
	}

	c.embeddingCalls = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_calls_total",
		Help:      "Embedding backend calls by model and outcome",
	}, []string{"model", "status"})
	c.embeddingItems = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_items_total",
		Help:      "Texts sent to embedding backends",
	}, []string{"model"})
	c.embeddingTokens = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_tokens_total",
		Help:      "Tokens sent to embedding backends",
	}, []string{"model"})
	c.embeddingCost = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "embedding_cost_usd_total",
		Help:      "Estimated embedding cost in USD",
	}, []string{"model"})
	c.embeddingDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "embedding_call_duration_seconds",
		Help:      "Embedding backend call latency",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"model"})
	c.batchSize = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "embedding_batch_size",
		Help:      "Current adaptive batch size per model",
	}, []string{"model"})

	c.retrievalDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_duration_seconds",
		Help:      "End-to-end retrieval latency by intent",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"intent"})
	c.stageDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_stage_duration_seconds",
		Help:      "Retrieval latency by stage",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"stage"})
	c.retrievalDegraded = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retrieval_degraded_total",
		Help:      "Retrievals that returned a degraded result",
	}, []string{"intent"})
	c.passages = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_passages",
		Help:      "Passages returned per retrieval",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	c.ingestTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_documents_total",
		Help:      "Document ingestions by outcome",
	}, []string{"status"})
	c.chunksEmbedded = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_chunks_embedded_total",
		Help:      "Chunks stored with a validated embedding",
	})
	c.chunksFailed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_chunks_failed_total",
		Help:      "Chunks whose embedding failed",
	})

	c.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	return c
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveEmbeddingCall records one backend call.
func (c *Collector) ObserveEmbeddingCall(model string, items, tokens int, cost float64, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.embeddingCalls.WithLabelValues(model, status).Inc()
	c.embeddingItems.WithLabelValues(model).Add(float64(items))
	c.embeddingTokens.WithLabelValues(model).Add(float64(tokens))
	c.embeddingCost.WithLabelValues(model).Add(cost)
	c.embeddingDuration.WithLabelValues(model).Observe(latency.Seconds())
}

// ObserveBatchSize records the current adaptive batch size of a model.
func (c *Collector) ObserveBatchSize(model string, size int) {
	c.batchSize.WithLabelValues(model).Set(float64(size))
}

// ObserveRetrieval records one retrieval.
func (c *Collector) ObserveRetrieval(intent models.Intent, t models.Timings, degraded bool, passages int) {
	label := string(intent)
	if label == "" {
		label = string(models.IntentOther)
	}
	c.retrievalDuration.WithLabelValues(label).Observe(ms(t.TotalMs))
	c.stageDuration.WithLabelValues("process").Observe(ms(t.ProcessMs))
	c.stageDuration.WithLabelValues("embed").Observe(ms(t.EmbedMs))
	c.stageDuration.WithLabelValues("search").Observe(ms(t.SearchMs))
	c.stageDuration.WithLabelValues("rerank").Observe(ms(t.RerankMs))
	c.passages.Observe(float64(passages))
	if degraded {
		c.retrievalDegraded.WithLabelValues(label).Inc()
	}
}

// RecordIngest records one document ingestion.
func (c *Collector) RecordIngest(embedded, failed int, err error) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
		c.logger.Debug("ingest failed", zap.Error(err))
	case failed > 0:
		status = "partial"
	}
	c.ingestTotal.WithLabelValues(status).Inc()
	c.chunksEmbedded.Add(float64(embedded))
	c.chunksFailed.Add(float64(failed))
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func ms(v int64) float64 {
	return float64(v) / 1000
}
