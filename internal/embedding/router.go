package embedding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/tokenizer"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// Result holds the vectors of one Embed call, aligned with the input texts.
// Vectors[i] is nil when input i failed.
type Result struct {
	Model   ModelSpec
	Vectors [][]float32
}

// Succeeded returns the number of inputs that have a vector.
func (r *Result) Succeeded() int {
	n := 0
	for _, v := range r.Vectors {
		if v != nil {
			n++
		}
	}
	return n
}

// Router selects the embedding backend by tier and embeds texts in adaptive batches.
type Router struct {
	policy      *TierPolicy
	backends    map[string]Embedder
	batches     map[string]*BatchController
	limiters    map[string]*rate.Limiter
	validator   *QualityValidator
	retry       RetryPolicy
	tokenizer   tokenizer.Tokenizer
	stats       *UsageStats
	cache       *EmbeddingCache
	flight      singleflight.Group
	observer    Observer
	callTimeout time.Duration
	logger      *zap.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger for the router.
func WithLogger(l *zap.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// WithObserver forwards usage to o.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) {
		r.observer = o
	}
}

// WithTokenizer sets the tokenizer used for cost accounting.
func WithTokenizer(t tokenizer.Tokenizer) RouterOption {
	return func(r *Router) {
		r.tokenizer = t
	}
}

// WithRetryPolicy overrides the configured retry policy.
func WithRetryPolicy(p RetryPolicy) RouterOption {
	return func(r *Router) {
		r.retry = p
	}
}

// NewRouter creates a router over backends keyed by model name. A model without a
// backend makes its tiers unavailable; a backend whose dimensionality disagrees with
// the policy is a configuration error.
func NewRouter(policy *TierPolicy, backends map[string]Embedder, cfg *config.EmbeddingConfig, opts ...RouterOption) (*Router, error) {
	r := &Router{
		policy:      policy,
		backends:    make(map[string]Embedder, len(backends)),
		batches:     make(map[string]*BatchController),
		limiters:    make(map[string]*rate.Limiter),
		validator:   NewQualityValidator(cfg.Quality),
		retry:       RetryPolicyFromConfig(cfg.Retry),
		stats:       NewUsageStats(),
		cache:       NewEmbeddingCache(cfg.CacheSize),
		callTimeout: cfg.CallTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = utils.LoggerOrNop(r.logger)
	if r.tokenizer == nil {
		r.tokenizer = tokenizer.NewWord()
	}

	for _, spec := range policy.Models() {
		b, ok := backends[spec.Name]
		if !ok || b == nil {
			r.logger.Warn("no embedding backend for model; its tiers are unavailable", zap.String("model", spec.Name))
			continue
		}
		if d := b.Dimensions(); d > 0 && d != spec.Dimensions {
			return nil, fmt.Errorf("backend for %s produces %d dimensions, policy declares %d", spec.Name, d, spec.Dimensions)
		}
		r.backends[spec.Name] = b

		ctrl := NewBatchController(cfg.Batch)
		model := spec.Name
		ctrl.onResize = func(old, size int) {
			r.logger.Debug("embedding batch size changed",
				zap.String("model", model), zap.Int("from", old), zap.Int("to", size))
			r.stats.setBatchSize(model, size)
			if r.observer != nil {
				r.observer.ObserveBatchSize(model, size)
			}
		}
		r.batches[model] = ctrl
		r.stats.setBatchSize(model, ctrl.Size())

		if cfg.RateLimit.RequestsPerSecond > 0 {
			r.limiters[model] = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), max(cfg.RateLimit.Burst, 1))
		}
	}
	return r, nil
}

// Policy returns the tier policy in force.
func (r *Router) Policy() *TierPolicy {
	return r.policy
}

// Stats returns a usage snapshot per model.
func (r *Router) Stats() []ModelUsage {
	return r.stats.Snapshot()
}

// Embed embeds texts with the model of tier. Members of a batch that fail validation are
// retried alone. When some inputs still fail, the returned Result holds the successful
// vectors and the error is an *EmbeddingError listing the failed indices.
func (r *Router) Embed(ctx context.Context, texts []string, tier models.Tier) (*Result, error) {
	spec, err := r.policy.Resolve(tier)
	if err != nil {
		return nil, err
	}
	backend, ok := r.backends[spec.Name]
	if !ok {
		return nil, errs.BackendUnavailable("embedding.embed", fmt.Errorf("no backend for model %s", spec.Name))
	}

	res := &Result{Model: spec, Vectors: make([][]float32, len(texts))}
	var failures []ItemFailure
	pending := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			failures = append(failures, ItemFailure{Index: i, Kind: errs.KindValidation, Reason: "empty text"})
			continue
		}
		pending = append(pending, i)
	}

	ctrl := r.batches[spec.Name]
	for start := 0; start < len(pending); {
		if err := errs.FromContext(ctx, "embedding.embed"); err != nil {
			for _, i := range pending[start:] {
				failures = append(failures, ItemFailure{Index: i, Kind: errs.KindTimeout, Reason: err.Error()})
			}
			break
		}
		end := min(start+ctrl.Size(), len(pending))
		idx := pending[start:end]
		start = end

		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}
		vecs, err := r.call(ctx, spec, backend, batch)
		if err != nil {
			ctrl.Record(false)
			kind := errs.KindOf(err)
			if kind == "" {
				kind = errs.KindBackendUnavailable
			}
			for _, i := range idx {
				failures = append(failures, ItemFailure{Index: i, Kind: kind, Reason: err.Error()})
			}
			r.logger.Warn("embedding batch failed",
				zap.String("model", spec.Name), zap.Int("size", len(idx)), zap.Error(err))
			continue
		}

		var alone []int
		if len(vecs) != len(idx) {
			alone = idx
		} else {
			for j, i := range idx {
				if rep := r.validator.Validate(vecs[j], spec.Dimensions); rep.Valid {
					res.Vectors[i] = vecs[j]
				} else {
					alone = append(alone, i)
				}
			}
		}
		ctrl.Record(len(alone) == 0)

		for _, i := range alone {
			vec, err := r.embedAlone(ctx, spec, backend, ctrl, texts[i])
			if err != nil {
				failures = append(failures, ItemFailure{Index: i, Kind: errs.KindOf(err), Reason: err.Error()})
				continue
			}
			res.Vectors[i] = vec
		}
	}

	if len(failures) == 0 {
		return res, nil
	}
	sort.Slice(failures, func(a, b int) bool { return failures[a].Index < failures[b].Index })
	r.logger.Warn("some texts could not be embedded",
		zap.String("model", spec.Name), zap.Int("failed", len(failures)), zap.Int("total", len(texts)))
	return res, &EmbeddingError{Model: spec.Name, Total: len(texts), Failures: failures}
}

// EmbedQuery embeds one query text, serving repeats from the LRU cache. Concurrent
// requests for the same text share one backend call.
func (r *Router) EmbedQuery(ctx context.Context, text string, tier models.Tier) ([]float32, ModelSpec, error) {
	spec, err := r.policy.Resolve(tier)
	if err != nil {
		return nil, ModelSpec{}, err
	}
	if vec, ok := r.cache.Get(spec.Name, text); ok {
		return vec, spec, nil
	}
	v, err, _ := r.flight.Do(cacheKey(spec.Name, text), func() (any, error) {
		res, err := r.Embed(ctx, []string{text}, tier)
		if err != nil {
			var ee *EmbeddingError
			if errors.As(err, &ee) && len(ee.Failures) > 0 {
				f := ee.Failures[0]
				return nil, errs.New(f.Kind, "embedding.query", f.Reason).WithRetryable(f.Kind == errs.KindBackendUnavailable)
			}
			return nil, err
		}
		vec := res.Vectors[0]
		r.cache.Set(spec.Name, text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, spec, err
	}
	return v.([]float32), spec, nil
}

// Close closes every backend.
func (r *Router) Close() error {
	var errList []error
	for name, b := range r.backends {
		if err := b.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errList...)
}

func (r *Router) embedAlone(ctx context.Context, spec ModelSpec, backend Embedder, ctrl *BatchController, text string) ([]float32, error) {
	vecs, err := r.call(ctx, spec, backend, []string{text})
	if err != nil {
		ctrl.Record(false)
		return nil, err
	}
	if len(vecs) != 1 {
		ctrl.Record(false)
		return nil, errs.Quality("embedding.embed", "backend returned %d vectors for 1 text", len(vecs))
	}
	rep := r.validator.Validate(vecs[0], spec.Dimensions)
	ctrl.Record(rep.Valid)
	if !rep.Valid {
		r.stats.recordQualityFailure(spec.Name)
		r.logger.Debug("embedding failed quality validation",
			zap.String("model", spec.Name), zap.Float64("score", rep.Score), zap.String("reason", rep.Reason()))
		return nil, errs.Quality("embedding.embed", "%s", rep.Reason())
	}
	return vecs[0], nil
}

// call sends one batch through the limiter and retry loop and records usage.
func (r *Router) call(ctx context.Context, spec ModelSpec, backend Embedder, texts []string) ([][]float32, error) {
	limiter := r.limiters[spec.Name]
	var out [][]float32
	start := time.Now()
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return errs.Timeout("embedding.ratelimit", err).WithRetryable(false)
			}
		}
		callCtx := ctx
		if r.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
			defer cancel()
		}
		vecs, err := backend.EmbedBatch(callCtx, texts)
		if err != nil {
			return classifyBackendError(ctx, callCtx, err)
		}
		out = vecs
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		r.logger.Debug("retrying embedding call",
			zap.String("model", spec.Name), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	})
	latency := time.Since(start)

	tokens, cost := 0, 0.0
	if err == nil {
		for _, t := range texts {
			tokens += tokenizer.MustCount(r.tokenizer, t)
		}
		cost = float64(tokens) / 1000 * spec.CostPer1KTokens
	}
	r.stats.recordCall(spec.Name, len(texts), tokens, cost, latency, err == nil)
	if r.observer != nil {
		r.observer.ObserveEmbeddingCall(spec.Name, len(texts), tokens, cost, latency, err == nil)
	}
	return out, err
}

func classifyBackendError(parent, callCtx context.Context, err error) error {
	if perr := errs.FromContext(parent, "embedding.call"); perr != nil {
		return perr
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if callCtx.Err() != nil {
		return errs.Timeout("embedding.call", err)
	}
	return errs.BackendUnavailable("embedding.call", err)
}
