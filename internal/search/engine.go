package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/keyword"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/query"
	"github.com/hyperjump/yakkan/internal/storage"
	"github.com/hyperjump/yakkan/internal/vector"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// lookupGrace bounds registry reads that run after the query deadline has passed.
const lookupGrace = time.Second

// LookupContext returns a context for registry reads made with results already in hand.
// Once ctx has ended it is detached from ctx and bounded by a short grace period, so the
// results of a finished sub-query are still loaded when the other one timed out.
func LookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), lookupGrace)
}

// VectorSearcher runs a similarity query against the partition of one model.
type VectorSearcher interface {
	Query(ctx context.Context, model string, vec []float32, k int, filter vector.Filter) ([]vector.Hit, error)
}

// Engine runs hybrid (vector + keyword) search over chunks.
type Engine struct {
	storage  storage.Storage
	vectors  VectorSearcher
	keywords keyword.Index
	analyzer *query.Analyzer
	config   *config.SearchConfig
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a search engine with the given dependencies. The analyzer tokenizes quoted
// phrases the same way the keyword index was built; it may be nil.
func NewEngine(
	store storage.Storage,
	vectors VectorSearcher,
	keywords keyword.Index,
	analyzer *query.Analyzer,
	cfg *config.SearchConfig,
	opts ...Option,
) *Engine {
	e := &Engine{
		storage:  store,
		vectors:  vectors,
		keywords: keywords,
		analyzer: analyzer,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.LoggerOrNop(e.logger)
	return e
}

// Response is the fused, thresholded candidate list for one query.
type Response struct {
	Results []*models.SearchResult
	// Weights are the weights the combined score was computed with.
	Weights    config.Weights
	Threshold  float64
	Relaxed    bool
	Candidates int
	// Degraded is set when a sub-query failed or timed out and the results come from the other.
	Degraded        bool
	DegradedReasons []string
	VectorErr       error
	KeywordErr      error
}

// Weights returns the hybrid weights for an intent, falling back to the configured defaults.
func (e *Engine) Weights(intent models.Intent) config.Weights {
	if w, ok := e.config.IntentWeights[string(intent)]; ok && w.Vector+w.Keyword > 0 {
		return w
	}
	return config.Weights{Vector: e.config.VectorWeight, Keyword: e.config.KeywordWeight}
}

// Search issues the vector and keyword sub-queries concurrently, each for twice the limit,
// fuses them by chunk and returns at most limit results above the score threshold.
// A failed sub-query degrades the response instead of failing it.
func (e *Engine) Search(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	if err := e.prepare(req); err != nil {
		return nil, err
	}
	k := 2 * req.Limit
	resp := &Response{Weights: e.Weights(req.Query.Intent)}

	var (
		vectorHits  []vector.Hit
		keywordHits []keyword.Hit
		wg          sync.WaitGroup
	)

	runVector := e.vectors != nil && len(req.Vector) > 0 && req.Model != ""
	if runVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := within(ctx, e.config.SubQueryTimeout, func(ctx context.Context) ([]vector.Hit, error) {
				return e.vectors.Query(ctx, req.Model, req.Vector, k, vector.Filter{DocumentIDs: req.DocumentIDs})
			})
			if err != nil {
				resp.VectorErr = classify("search.vector", err)
				return
			}
			vectorHits = hits
		}()
	}

	kq := e.keywordQuery(req, k)
	runKeyword := e.keywords != nil && len(kq.Terms) > 0
	if runKeyword {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits, err := within(ctx, e.config.SubQueryTimeout, func(ctx context.Context) ([]keyword.Hit, error) {
				return e.keywords.Search(ctx, kq)
			})
			if err != nil {
				resp.KeywordErr = classify("search.keyword", err)
				return
			}
			keywordHits = hits
		}()
	}
	wg.Wait()

	if resp.VectorErr != nil {
		resp.degrade("vector search: " + resp.VectorErr.Error())
	}
	if resp.KeywordErr != nil {
		resp.degrade("keyword search: " + resp.KeywordErr.Error())
	}

	vectorOK := runVector && resp.VectorErr == nil
	keywordOK := runKeyword && resp.KeywordErr == nil
	switch {
	case !vectorOK && !keywordOK:
		e.logger.Warn("no search backend answered",
			zap.Bool("vector_ran", runVector),
			zap.Bool("keyword_ran", runKeyword),
			zap.NamedError("vector_error", resp.VectorErr),
			zap.NamedError("keyword_error", resp.KeywordErr))
		resp.Results = []*models.SearchResult{}
		return resp, nil
	case !vectorOK:
		resp.Weights = config.Weights{Keyword: 1}
	case !keywordOK:
		resp.Weights = config.Weights{Vector: 1}
	}

	fused := Fuse(vectorHits, keywordHits, resp.Weights)
	resp.Candidates = len(fused)
	threshold := e.config.MinScore
	if req.Query.Complex(e.config.ComplexKeywordCount) && e.config.ComplexityRelax > 0 {
		threshold *= e.config.ComplexityRelax
	}
	kept, applied, relaxed := ApplyThreshold(fused, threshold)
	resp.Threshold, resp.Relaxed = applied, relaxed

	results, err := e.hydrate(ctx, kept, req.Limit)
	if err != nil {
		return nil, err
	}
	resp.Results = results

	e.logger.Debug("hybrid search",
		zap.Int("vector_hits", len(vectorHits)),
		zap.Int("keyword_hits", len(keywordHits)),
		zap.Int("candidates", len(fused)),
		zap.Int("results", len(results)),
		zap.Float64("threshold", applied),
		zap.Bool("relaxed", relaxed),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

func (r *Response) degrade(reason string) {
	r.Degraded = true
	r.DegradedReasons = append(r.DegradedReasons, reason)
}

func (e *Engine) keywordQuery(req *Request, k int) keyword.Query {
	q := keyword.Query{
		Terms:       req.Query.Keywords,
		DocumentIDs: req.DocumentIDs,
		Limit:       k,
	}
	if e.analyzer != nil {
		for _, p := range req.Query.Phrases {
			if tokens := e.analyzer.Tokens(p); len(tokens) > 1 {
				q.Phrases = append(q.Phrases, tokens)
			}
		}
	}
	return q
}

// hydrate loads the chunks of the fused results in order until limit results are filled.
// Chunks known to an index but missing from the registry are skipped.
func (e *Engine) hydrate(ctx context.Context, fused []*FusedResult, limit int) ([]*models.SearchResult, error) {
	if len(fused) == 0 {
		return []*models.SearchResult{}, nil
	}
	ids := make([]string, len(fused))
	for i, r := range fused {
		ids[i] = r.ChunkID
	}
	ctx, cancel := LookupContext(ctx)
	defer cancel()
	chunks, err := e.storage.GetChunks(ctx, ids)
	if err != nil {
		return nil, errs.BackendUnavailable("search.hydrate", err)
	}

	out := make([]*models.SearchResult, 0, min(limit, len(fused)))
	for _, r := range fused {
		if len(out) == limit {
			break
		}
		chunk, ok := chunks[r.ChunkID]
		if !ok {
			e.logger.Warn("indexed chunk missing from registry",
				zap.Error(errs.Consistency("search.hydrate", "chunk %s of document %s is not registered", r.ChunkID, r.DocumentID)))
			continue
		}
		out = append(out, &models.SearchResult{
			Chunk:           chunk,
			VectorScore:     r.VectorScore,
			KeywordScore:    r.KeywordScore,
			CombinedScore:   r.Score,
			RelevanceReason: r.Reason(),
		})
	}
	return out, nil
}

type subResult[T any] struct {
	hits []T
	err  error
}

// within runs fn with an optional timeout and returns as soon as fn finishes or the deadline
// passes, even when the backend ignores cancellation.
func within[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) ([]T, error)) ([]T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ch := make(chan subResult[T], 1)
	go func() {
		hits, err := fn(ctx)
		ch <- subResult[T]{hits: hits, err: err}
	}()
	select {
	case r := <-ch:
		return r.hits, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Timeout(op, err)
	}
	if errs.KindOf(err) != "" {
		return err
	}
	return errs.BackendUnavailable(op, err)
}
