package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/fileid"
	"github.com/hyperjump/yakkan/internal/indexer"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/storage"
)

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req models.RetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("retrieve request", zap.String("query", req.Query), zap.String("tier", string(req.Tier)),
		zap.Int("scope", len(req.DocumentIDs)), zap.Int("limit", req.Limit))
	res, err := s.retriever.Retrieve(r.Context(), req)
	if err != nil {
		s.respondClassified(w, "retrieve", err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req indexer.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Document == nil {
		s.respondError(w, http.StatusBadRequest, "document is required")
		return
	}
	if req.Document.ID == "" {
		req.Document.ID = fileid.NewDocID()
	}
	s.logger.Debug("ingest document request", zap.String("id", req.Document.ID),
		zap.String("title", req.Document.Title), zap.Int("segments", len(req.Segments)))
	report, err := s.ingester.Ingest(r.Context(), req)
	if s.metrics != nil {
		embedded, failed := 0, 0
		if report != nil {
			embedded, failed = report.Embedded, len(report.Failed)
		}
		s.metrics.RecordIngest(embedded, failed, err)
	}
	if err != nil {
		s.respondClassified(w, "ingest", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, report)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.storage.GetDocument(r.Context(), id)
	if err != nil {
		s.respondClassified(w, "get document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePatchDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch models.DocumentPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc, err := s.storage.PatchDocument(r.Context(), id, &patch)
	if err != nil {
		s.respondClassified(w, "patch document", err)
		return
	}
	s.logger.Info("document patched", zap.String("id", id), zap.String("status", string(doc.Status)))
	s.respondJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete document request", zap.String("id", id))
	if err := s.ingester.DeleteDocument(r.Context(), id); err != nil {
		s.respondClassified(w, "delete document", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.ingester.Reconcile(r.Context())
	if err != nil {
		s.respondClassified(w, "reconcile", err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusConfig is the configuration summary included in StatusResponse.
type StatusConfig struct {
	Tiers              map[string]string `json:"tiers"`
	VectorBackend      string            `json:"vector_backend"`
	ChunkStrategy      string            `json:"chunk_strategy"`
	ChunkTargetTokens  int               `json:"chunk_target_tokens"`
	RerankEnabled      bool              `json:"rerank_enabled"`
	MaxContextTokens   int               `json:"max_context_tokens"`
	DatabasePath       string            `json:"database_path,omitempty"`
	BleveIndexPath     string            `json:"bleve_index_path,omitempty"`
	VectorSnapshotPath string            `json:"vector_snapshot_path,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Documents int64 `json:"documents"`
	Chunks    int64 `json:"chunks"`
	// Vectors counts stored vectors per partition name.
	Vectors        map[string]int         `json:"vectors,omitempty"`
	Embedding      []embedding.ModelUsage `json:"embedding,omitempty"`
	Disk           *storage.DiskUsage     `json:"disk,omitempty"`
	WatchedDirs    []string               `json:"watched_directories,omitempty"`
	Config         *StatusConfig          `json:"config,omitempty"`
	PendingDeletes int                    `json:"pending_deletes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// Status collects corpus counts, embedding usage and disk usage. Vector counts and
// disk usage are omitted when unavailable.
func (s *Server) Status(ctx context.Context) (*StatusResponse, error) {
	docCount, err := s.storage.CountDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	chunkCount, err := s.storage.CountChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("count chunks: %w", err)
	}
	resp := &StatusResponse{Documents: docCount, Chunks: chunkCount}
	if pending, err := s.storage.ListPendingDeletes(ctx); err == nil {
		resp.PendingDeletes = len(pending)
	}
	if s.vectors != nil {
		counts, err := s.vectors.Counts(ctx)
		if err != nil {
			s.logger.Warn("status: vector counts unavailable", zap.Error(err))
		} else {
			resp.Vectors = counts
		}
	}
	if s.usage != nil {
		resp.Embedding = s.usage.Stats()
	}
	if s.watch != nil {
		resp.WatchedDirs = s.watch.Directories()
	}
	if cfg := s.config; cfg != nil {
		resp.Config = &StatusConfig{
			Tiers:              cfg.Embedding.Tiers,
			VectorBackend:      cfg.Vector.Backend,
			ChunkStrategy:      cfg.Chunking.Strategy,
			ChunkTargetTokens:  cfg.Chunking.TargetTokens,
			RerankEnabled:      cfg.Rerank.EnabledOrDefault(),
			MaxContextTokens:   cfg.Retrieval.MaxContextTokens,
			DatabasePath:       cfg.Storage.DatabasePath,
			BleveIndexPath:     cfg.Storage.BleveIndexPath,
			VectorSnapshotPath: cfg.Storage.VectorSnapshotPath,
		}
		if usage, err := storage.Usage(&cfg.Storage); err == nil {
			resp.Disk = &usage
		}
	}
	return resp, nil
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.watchConfigMu.Lock()
	defer s.watchConfigMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindQuality:
		return http.StatusUnprocessableEntity
	case errs.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondClassified(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.Int("status", status), zap.Error(err))
	}
	body := map[string]string{"error": err.Error()}
	if kind := errs.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
