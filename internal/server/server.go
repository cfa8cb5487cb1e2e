// Package server provides the HTTP API for yakkan.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/metrics"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/storage"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// Retriever answers retrieval requests.
type Retriever interface {
	Retrieve(ctx context.Context, req models.RetrieveRequest) (*models.RetrievalResult, error)
}

// Ingester writes and removes documents in both indices.
type Ingester interface {
	Ingest(ctx context.Context, req indexer.IngestRequest) (*indexer.IngestReport, error)
	DeleteDocument(ctx context.Context, id string) error
	Reconcile(ctx context.Context) (*indexer.ReconcileReport, error)
}

// UsageReporter returns per-model embedding usage.
type UsageReporter interface {
	Stats() []embedding.ModelUsage
}

// VectorCounter returns the vector count per model partition.
type VectorCounter interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// WatchService manages watched inbox directories at runtime.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the yakkan API.
type Server struct {
	retriever Retriever
	ingester  Ingester
	storage   storage.Storage
	config    *config.Config
	logger    *zap.Logger

	usage   UsageReporter
	vectors VectorCounter
	metrics *metrics.Collector

	watch         WatchService
	configPath    string
	watchConfigMu sync.Mutex

	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithUsage exposes embedding usage in the status endpoint.
func WithUsage(u UsageReporter) Option {
	return func(s *Server) { s.usage = u }
}

// WithVectorCounter exposes vector partition sizes in the status endpoint.
func WithVectorCounter(v VectorCounter) Option {
	return func(s *Server) { s.vectors = v }
}

// WithMetrics records request metrics and serves /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithWatch enables the watch directory endpoints. When configPath is set, changes to the
// watched directories are persisted to it.
func WithWatch(w WatchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(retriever Retriever, ingester Ingester, store storage.Storage, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		retriever: retriever,
		ingester:  ingester,
		storage:   store,
		config:    cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.LoggerOrNop(s.logger)
	return s
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.recordMetrics)
	}
	timeout := s.config.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/documents", s.handleIngestDocument)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Patch("/documents/{id}", s.handlePatchDocument)
		r.Delete("/documents/{id}", s.handleDeleteDocument)
		r.Post("/maintenance/reconcile", s.handleReconcile)
		r.Get("/status", s.handleStatus)
		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}

// recordMetrics labels requests by route pattern so path parameters do not explode the
// label set.
func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordHTTPRequest(r.Method, path, status, time.Since(start))
	})
}
