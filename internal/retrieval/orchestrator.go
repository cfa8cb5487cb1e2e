// Package retrieval sequences query processing, query embedding, hybrid search and reranking
// into cited context passages for answer generation.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/embedding"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/query"
	"github.com/hyperjump/yakkan/internal/rerank"
	"github.com/hyperjump/yakkan/internal/search"
	"github.com/hyperjump/yakkan/internal/tokenizer"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// QueryEmbedder embeds a normalized question with the model of a tier.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string, tier models.Tier) ([]float32, embedding.ModelSpec, error)
}

// Searcher runs hybrid search.
type Searcher interface {
	Search(ctx context.Context, req *search.Request) (*search.Response, error)
}

// Reranker reorders search results.
type Reranker interface {
	Rerank(ctx context.Context, q *query.Processed, results []*models.SearchResult, limit int) *rerank.Outcome
}

// DocumentSource loads documents for citations.
type DocumentSource interface {
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
}

// Observer receives one call per retrieval.
type Observer interface {
	ObserveRetrieval(intent models.Intent, timings models.Timings, degraded bool, passages int)
}

// Orchestrator implements retrieve(query, tier, scope).
type Orchestrator struct {
	processor *query.Processor
	embedder  QueryEmbedder
	searcher  Searcher
	reranker  Reranker
	documents DocumentSource
	tok       tokenizer.Tokenizer
	config    *config.RetrievalConfig
	search    *config.SearchConfig
	observer  Observer
	logger    *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithObserver reports every retrieval to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// WithTokenizer sets the tokenizer used for the context budget. Defaults to the word tokenizer.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(o *Orchestrator) {
		o.tok = t
	}
}

// New creates an orchestrator. The reranker may be nil.
func New(
	processor *query.Processor,
	embedder QueryEmbedder,
	searcher Searcher,
	reranker Reranker,
	documents DocumentSource,
	cfg *config.RetrievalConfig,
	searchCfg *config.SearchConfig,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		processor: processor,
		embedder:  embedder,
		searcher:  searcher,
		reranker:  reranker,
		documents: documents,
		config:    cfg,
		search:    searchCfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tok == nil {
		o.tok = tokenizer.NewWord()
	}
	o.logger = utils.LoggerOrNop(o.logger)
	return o
}

// Retrieve answers one question with cited passages. Validation problems are returned as
// errors; backend failures and timeouts yield a degraded, possibly empty, result instead.
func (o *Orchestrator) Retrieve(ctx context.Context, req models.RetrieveRequest) (*models.RetrievalResult, error) {
	start := time.Now()
	if err := req.Validate(o.search.DefaultLimit, o.search.MaxLimit); err != nil {
		return nil, err
	}
	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	stage := time.Now()
	processed, err := o.processor.Process(req.Query)
	if err != nil {
		return nil, err
	}
	res := &models.RetrievalResult{
		Query:            req.Query,
		NormalizedQuery:  processed.Normalized,
		Intent:           processed.Intent,
		IntentConfidence: processed.Confidence,
		Passages:         []models.Passage{},
	}
	res.Timings.ProcessMs = time.Since(stage).Milliseconds()

	stage = time.Now()
	vec, model, err := o.embedQuery(ctx, processed.Normalized, req.Tier)
	res.Timings.EmbedMs = time.Since(stage).Milliseconds()
	if err != nil {
		o.degrade(res, "query embedding unavailable: %v", err)
	} else {
		res.Model = model.Name
	}

	stage = time.Now()
	resp, err := o.searcher.Search(ctx, &search.Request{
		Query:       processed,
		Vector:      vec,
		Model:       model.Name,
		DocumentIDs: req.DocumentIDs,
		Limit:       req.Limit,
	})
	res.Timings.SearchMs = time.Since(stage).Milliseconds()
	if err != nil {
		if errs.Is(err, errs.KindValidation) {
			return nil, err
		}
		if ctx.Err() == nil {
			return nil, fmt.Errorf("hybrid search: %w", err)
		}
		o.degrade(res, "search: %v", errs.Timeout("retrieve.search", err))
		return o.finish(res, start), nil
	}
	for _, reason := range resp.DegradedReasons {
		o.degrade(res, "%s", reason)
	}

	results := resp.Results
	docs, err := o.loadDocuments(ctx, results)
	if err != nil {
		if ctx.Err() == nil {
			return nil, err
		}
		o.degrade(res, "documents: %v", errs.Timeout("retrieve.documents", err))
		return o.finish(res, start), nil
	}
	results = citable(results, docs)

	stage = time.Now()
	if o.reranker != nil && len(results) > 0 {
		out := o.reranker.Rerank(ctx, processed, results, req.Limit)
		if out.Passthrough && out.Err != nil {
			o.degrade(res, "rerank: %v", out.Err)
		}
		results = out.Results
	}
	res.Timings.RerankMs = time.Since(stage).Milliseconds()

	o.fillPassages(res, results, docs)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		o.degrade(res, "retrieval exceeded its %s budget", o.config.Timeout)
	}
	return o.finish(res, start), nil
}

func (o *Orchestrator) finish(res *models.RetrievalResult, start time.Time) *models.RetrievalResult {
	res.Timings.TotalMs = time.Since(start).Milliseconds()
	if res.Degraded {
		o.logger.Warn("degraded retrieval",
			zap.String("query", res.NormalizedQuery),
			zap.Strings("reasons", res.DegradedReasons),
			zap.Int("passages", len(res.Passages)))
	} else {
		o.logger.Debug("retrieval",
			zap.String("query", res.NormalizedQuery),
			zap.String("intent", string(res.Intent)),
			zap.Int("passages", len(res.Passages)),
			zap.Int64("total_ms", res.Timings.TotalMs))
	}
	if o.observer != nil {
		o.observer.ObserveRetrieval(res.Intent, res.Timings, res.Degraded, len(res.Passages))
	}
	return res
}

func (o *Orchestrator) degrade(res *models.RetrievalResult, format string, args ...any) {
	res.Degraded = true
	res.DegradedReasons = append(res.DegradedReasons, fmt.Sprintf(format, args...))
}

type embedResult struct {
	vec   []float32
	model embedding.ModelSpec
	err   error
}

// embedQuery returns when the embedding arrives or ctx ends, whichever is first.
func (o *Orchestrator) embedQuery(ctx context.Context, text string, tier models.Tier) ([]float32, embedding.ModelSpec, error) {
	if o.embedder == nil {
		return nil, embedding.ModelSpec{}, errs.BackendUnavailable("retrieve.embed", errors.New("no query embedder configured"))
	}
	ch := make(chan embedResult, 1)
	go func() {
		vec, model, err := o.embedder.EmbedQuery(ctx, text, tier)
		ch <- embedResult{vec: vec, model: model, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, embedding.ModelSpec{}, r.err
		}
		return r.vec, r.model, nil
	case <-ctx.Done():
		return nil, embedding.ModelSpec{}, errs.FromContext(ctx, "retrieve.embed")
	}
}

func (o *Orchestrator) loadDocuments(ctx context.Context, results []*models.SearchResult) (map[string]*models.Document, error) {
	if len(results) == 0 {
		return map[string]*models.Document{}, nil
	}
	seen := make(map[string]bool)
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if !seen[r.Chunk.DocumentID] {
			seen[r.Chunk.DocumentID] = true
			ids = append(ids, r.Chunk.DocumentID)
		}
	}
	ctx, cancel := search.LookupContext(ctx)
	defer cancel()
	docs, err := o.documents.GetDocuments(ctx, ids)
	if err != nil {
		return nil, errs.BackendUnavailable("retrieve.documents", err)
	}
	return docs, nil
}

// citable keeps results whose document is registered and active; anything else cannot be
// cited.
func citable(results []*models.SearchResult, docs map[string]*models.Document) []*models.SearchResult {
	out := make([]*models.SearchResult, 0, len(results))
	for _, r := range results {
		doc, ok := docs[r.Chunk.DocumentID]
		if !ok || doc.Status != models.StatusActive {
			continue
		}
		out = append(out, r)
	}
	return out
}

// fillPassages adds passages in rank order until the next one would exceed the context budget.
func (o *Orchestrator) fillPassages(res *models.RetrievalResult, results []*models.SearchResult, docs map[string]*models.Document) {
	budget := o.config.MaxContextTokens
	for _, r := range results {
		doc, ok := docs[r.Chunk.DocumentID]
		if !ok {
			continue
		}
		tokens := tokenizer.MustCount(o.tok, r.Chunk.Text)
		if budget > 0 && res.ContextTokens+tokens > budget {
			o.logger.Debug("context budget reached",
				zap.Int("budget", budget), zap.Int("used", res.ContextTokens), zap.Int("next", tokens))
			break
		}
		res.ContextTokens += tokens
		res.Passages = append(res.Passages, models.Passage{
			Text:     r.Chunk.Text,
			Score:    r.FinalScore(),
			Reason:   r.RelevanceReason,
			Citation: NewCitation(doc, r),
		})
	}
}

// NewCitation builds the citation tracing r back to its document and positions.
func NewCitation(doc *models.Document, r *models.SearchResult) models.Citation {
	indexes := r.MergedIndexes
	if len(indexes) == 0 {
		indexes = []int{r.Chunk.Index}
	}
	return models.Citation{
		DocumentID:   doc.ID,
		Issuer:       doc.Issuer,
		ProductName:  doc.ProductName,
		Title:        doc.Title,
		ChunkIndexes: append([]int(nil), indexes...),
		Sources:      append([]models.SegmentRef(nil), r.Chunk.Sources...),
		ChunkText:    r.Chunk.Text,
	}
}
