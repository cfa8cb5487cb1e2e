// Package indexer chunks policy documents and writes them to the registry, the keyword
// index and the vector store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/extract"
	"github.com/hyperjump/yakkan/internal/fileid"
	"github.com/hyperjump/yakkan/internal/keyword"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/storage"
	"github.com/hyperjump/yakkan/internal/vector"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// Indexer runs the ingestion path: chunk, register, embed and index.
// Writes for one document are serialized; different documents proceed in parallel.
type Indexer struct {
	storage     storage.Storage
	router      *embedding.Router
	vectors     *vector.Store
	keywords    keyword.Index
	chunker     *Chunker
	extractor   *extract.Extractor
	strategy    models.ChunkStrategy
	concurrency int
	locks       *keyedMutex
	logger      *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets the logger for ingestion events.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithStrategy sets the chunking strategy used when a request does not name one.
func WithStrategy(s models.ChunkStrategy) IndexerOption {
	return func(idx *Indexer) { idx.strategy = s }
}

// WithConcurrency bounds the number of documents IngestMany processes at once.
func WithConcurrency(n int) IndexerOption {
	return func(idx *Indexer) { idx.concurrency = n }
}

// NewIndexer creates an indexer with the given dependencies.
// extractor may be nil; IngestFile then treats every file as plain text.
func NewIndexer(
	store storage.Storage,
	router *embedding.Router,
	vectors *vector.Store,
	keywords keyword.Index,
	chunker *Chunker,
	extractor *extract.Extractor,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		storage:     store,
		router:      router,
		vectors:     vectors,
		keywords:    keywords,
		chunker:     chunker,
		extractor:   extractor,
		strategy:    models.StrategyContentAware,
		concurrency: 4,
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = utils.LoggerOrNop(idx.logger)
	if idx.extractor == nil {
		idx.extractor = extract.NewExtractor()
	}
	if idx.concurrency < 1 {
		idx.concurrency = 1
	}
	return idx
}

// IngestRequest is one document with its extracted segments.
type IngestRequest struct {
	Document *models.Document     `json:"document"`
	Segments []models.Segment     `json:"segments"`
	Strategy models.ChunkStrategy `json:"strategy,omitempty"`
}

// IngestReport summarizes one ingestion. Failed lists chunk indices without an embedding;
// those chunks are still stored and keyword-searchable.
type IngestReport struct {
	DocumentID string                  `json:"document_id"`
	Chunks     int                     `json:"chunks"`
	Embedded   int                     `json:"embedded"`
	Failed     []embedding.ItemFailure `json:"failed,omitempty"`
	Model      string                  `json:"model,omitempty"`
	Strategy   models.ChunkStrategy    `json:"strategy"`
	Duration   time.Duration           `json:"duration"`
}

// Ingest chunks the request's segments and replaces everything previously stored for the
// document. Partial embedding failures do not fail the call: the report lists them.
func (idx *Indexer) Ingest(ctx context.Context, req IngestRequest) (*IngestReport, error) {
	start := time.Now()
	if req.Document == nil {
		return nil, errs.Validation("indexer.ingest", "document is required")
	}
	doc := req.Document
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = idx.strategy
	}
	if !strategy.Valid() {
		return nil, errs.Validation("indexer.ingest", "unknown chunking strategy %q", strategy)
	}

	unlock := idx.locks.Lock(doc.ID)
	defer unlock()

	chunker := idx.chunker
	if strategy == models.StrategySemantic {
		chunker = chunker.With(WithSentenceEmbedder(idx.sentenceEmbedder(doc.Tier)))
	}
	chunks := chunker.Chunk(ctx, doc.ID, req.Segments, strategy)
	report := &IngestReport{DocumentID: doc.ID, Chunks: len(chunks), Strategy: strategy}
	if len(chunks) > 0 {
		report.Strategy = chunks[0].Strategy
	}
	now := time.Now().UTC()
	for _, ch := range chunks {
		ch.CreatedAt = now
	}

	if err := idx.removeIndexed(ctx, doc.ID); err != nil {
		return nil, err
	}
	if err := idx.storage.SaveDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	if err := idx.storage.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}
	if len(chunks) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}
	if err := idx.keywords.Index(ctx, keywordEntries(chunks)); err != nil {
		return nil, fmt.Errorf("failed to index keywords: %w", err)
	}

	embedded, failures, model, err := idx.embedChunks(ctx, doc.Tier, chunks)
	report.Embedded = embedded
	report.Failed = failures
	report.Model = model
	report.Duration = time.Since(start)
	if err != nil {
		return report, err
	}
	if len(failures) > 0 {
		idx.logger.Warn("some chunks were not embedded",
			zap.String("doc_id", doc.ID), zap.Int("failed", len(failures)), zap.Int("chunks", len(chunks)))
	}
	idx.logger.Debug("document ingested",
		zap.String("doc_id", doc.ID), zap.Int("chunks", len(chunks)), zap.Int("embedded", embedded),
		zap.String("strategy", string(report.Strategy)), zap.Duration("took", report.Duration))
	return report, nil
}

// sentenceEmbedder embeds sentences for semantic chunking with the document's tier model.
// Any failed sentence makes semantic chunking fall back to content-aware.
func (idx *Indexer) sentenceEmbedder(tier models.Tier) SentenceEmbedder {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		res, err := idx.router.Embed(ctx, texts, tier)
		if err != nil {
			return nil, err
		}
		return res.Vectors, nil
	}
}

// embedChunks embeds chunks and upserts the successful vectors. A partial failure is not an
// error; a failure of the whole call is.
func (idx *Indexer) embedChunks(ctx context.Context, tier models.Tier, chunks []*models.Chunk) (int, []embedding.ItemFailure, string, error) {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	res, err := idx.router.Embed(ctx, texts, tier)
	var failures []embedding.ItemFailure
	if err != nil {
		var ee *embedding.EmbeddingError
		if res == nil || !errors.As(err, &ee) {
			return 0, nil, "", fmt.Errorf("failed to generate embeddings: %w", err)
		}
		failures = ee.Failures
	}

	records := make([]vector.Record, 0, len(chunks))
	for i, ch := range chunks {
		if res.Vectors[i] == nil {
			continue
		}
		records = append(records, vector.Record{
			ChunkID:    ch.ID,
			DocumentID: ch.DocumentID,
			ChunkIndex: ch.Index,
			Text:       ch.Text,
			Vector:     res.Vectors[i],
			Model:      res.Model.Name,
			CreatedAt:  ch.CreatedAt,
		})
	}
	if len(records) > 0 {
		if err := idx.vectors.Upsert(ctx, res.Model.Name, records); err != nil {
			return 0, failures, res.Model.Name, fmt.Errorf("failed to index vectors: %w", err)
		}
	}
	return len(records), failures, res.Model.Name, nil
}

func keywordEntries(chunks []*models.Chunk) []keyword.Entry {
	entries := make([]keyword.Entry, len(chunks))
	for i, ch := range chunks {
		entries[i] = keyword.Entry{ChunkID: ch.ID, DocumentID: ch.DocumentID, ChunkIndex: ch.Index, Text: ch.Text}
	}
	return entries
}

// removeIndexed drops the document's chunks from both indices.
func (idx *Indexer) removeIndexed(ctx context.Context, docID string) error {
	if _, err := idx.vectors.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("failed to delete from vector store: %w", err)
	}
	if _, err := idx.keywords.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("failed to delete from keyword index: %w", err)
	}
	return nil
}

// IngestMany ingests requests with at most the configured number in flight. Reports are
// aligned with reqs; a failed request leaves a nil report and its error is joined into
// the returned error.
func (idx *Indexer) IngestMany(ctx context.Context, reqs []IngestRequest) ([]*IngestReport, error) {
	reports := make([]*IngestReport, len(reqs))
	errList := make([]error, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.concurrency)
	for i := range reqs {
		i := i
		g.Go(func() error {
			r, err := idx.Ingest(gctx, reqs[i])
			if err != nil {
				id := ""
				if reqs[i].Document != nil {
					id = reqs[i].Document.ID
				}
				errList[i] = fmt.Errorf("document %q: %w", id, err)
			}
			reports[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errList...)
}

// DeleteDocument removes a document from both indices and the registry. The intent is
// recorded first so an interrupted delete is finished by Reconcile.
func (idx *Indexer) DeleteDocument(ctx context.Context, id string) error {
	unlock := idx.locks.Lock(id)
	defer unlock()
	return idx.deleteLocked(ctx, id)
}

func (idx *Indexer) deleteLocked(ctx context.Context, id string) error {
	idx.logger.Debug("deleting document", zap.String("doc_id", id))
	if err := idx.storage.AddPendingDelete(ctx, id); err != nil {
		return fmt.Errorf("failed to record delete intent: %w", err)
	}
	if err := idx.removeIndexed(ctx, id); err != nil {
		return err
	}
	if err := idx.storage.DeleteDocument(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if err := idx.storage.RemovePendingDelete(ctx, id); err != nil {
		return fmt.Errorf("failed to clear delete intent: %w", err)
	}
	idx.logger.Debug("document deleted", zap.String("doc_id", id))
	return nil
}

const (
	metaKeySourcePath  = "source_path"
	metaKeySourceMtime = "source_mtime"
	metaKeySourceSize  = "source_size"
)

// IngestFile extracts and ingests the file at path. The document ID is derived from the
// absolute path so re-ingesting replaces the same document. If allowedExts is non-empty the
// file's extension must be in it. Unchanged files (same mtime and size) are skipped and a nil
// report is returned. A .json extractor output may carry its own document attributes; tier
// is used when it does not.
func (idx *Indexer) IngestFile(ctx context.Context, path string, tier models.Tier, allowedExts []string) (*IngestReport, error) {
	idx.logger.Debug("ingesting file", zap.String("path", path))
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
		return nil, errs.Validation("indexer.ingest_file", "extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, errs.Validation("indexer.ingest_file", "not a regular file: %s", absPath)
	}
	if skip, err := idx.shouldSkipFile(ctx, absPath, info); err != nil {
		return nil, err
	} else if skip {
		idx.logger.Debug("skipping unchanged file", zap.String("path", absPath))
		return nil, nil
	}

	res, err := idx.extractor.Extract(absPath)
	if err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}
	doc := res.Document
	if doc == nil {
		doc = &models.Document{}
	}
	if doc.ID == "" {
		doc.ID = fileid.PathDocID(absPath)
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(filepath.Base(absPath), filepath.Ext(absPath))
	}
	if doc.Tier == "" {
		doc.Tier = tier
	}
	if doc.OriginalPath == "" {
		doc.OriginalPath = absPath
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]interface{}{}
	}
	// Stored as strings: UnixNano exceeds the float64 precision JSON numbers decode to.
	doc.Metadata[metaKeySourcePath] = absPath
	doc.Metadata[metaKeySourceMtime] = strconv.FormatInt(info.ModTime().UnixNano(), 10)
	doc.Metadata[metaKeySourceSize] = strconv.FormatInt(info.Size(), 10)

	report, err := idx.Ingest(ctx, IngestRequest{Document: doc, Segments: res.Segments})
	if err != nil {
		return report, err
	}
	idx.logger.Info("file ingested", zap.String("path", absPath), zap.String("doc_id", doc.ID),
		zap.Int("chunks", report.Chunks), zap.Int("failed", len(report.Failed)))
	return report, nil
}

// shouldSkipFile reports whether a document for absPath is already stored with the same
// mtime and size.
func (idx *Indexer) shouldSkipFile(ctx context.Context, absPath string, info os.FileInfo) (bool, error) {
	doc, err := idx.storage.FindBySourcePath(ctx, absPath)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find document: %w", err)
	}
	return metadataInt64(doc.Metadata, metaKeySourceMtime) == info.ModTime().UnixNano() &&
		metadataInt64(doc.Metadata, metaKeySourceSize) == info.Size(), nil
}

func metadataInt64(m map[string]interface{}, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case string:
		x, _ := strconv.ParseInt(n, 10, 64)
		return x
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// IngestDirectory walks dir recursively and ingests each regular file whose extension is in
// allowedExts (all files when empty). Returns the number of files ingested (unchanged files
// are not counted) and the errors of the files that failed.
func (idx *Indexer) IngestDirectory(ctx context.Context, dir string, tier models.Tier, allowedExts []string) (int, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}
	n := 0
	var errList []error
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
			return nil
		}
		// Resolve symlinks so only regular files are ingested.
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		report, ingestErr := idx.IngestFile(ctx, path, tier, allowedExts)
		if ingestErr != nil {
			errList = append(errList, fmt.Errorf("%s: %w", path, ingestErr))
			return nil
		}
		if report != nil {
			n++
		}
		return nil
	})
	if err != nil {
		errList = append(errList, err)
	}
	return n, errors.Join(errList...)
}

// DeleteFile removes the document ingested from path, if any.
func (idx *Indexer) DeleteFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	id := fileid.PathDocID(absPath)
	doc, err := idx.storage.FindBySourcePath(ctx, absPath)
	switch {
	case err == nil:
		id = doc.ID
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("find document: %w", err)
	}
	return idx.DeleteDocument(ctx, id)
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
