// Package rerank reorders hybrid search candidates by cross relevance, removes near
// duplicates, merges adjacent chunks into extended passages and enforces diversity.
package rerank

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/query"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// Reranker runs the second, higher-precision ranking pass.
type Reranker struct {
	scorer Scorer
	config *config.RerankConfig
	logger *zap.Logger
}

// Option configures a Reranker.
type Option func(*Reranker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reranker) {
		r.logger = l
	}
}

// New creates a reranker. A nil scorer makes every call pass candidates through.
func New(scorer Scorer, cfg *config.RerankConfig, opts ...Option) *Reranker {
	r := &Reranker{scorer: scorer, config: cfg}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = utils.LoggerOrNop(r.logger)
	return r
}

// Outcome is the reranked list with counts of what each step removed.
type Outcome struct {
	Results []*models.SearchResult
	// Passthrough is set when the cross scorer was unavailable and the combined-score order
	// was kept unchanged.
	Passthrough      bool
	Err              error
	LowQuality       int
	Duplicates       int
	Merged           int
	DiversitySkipped int
}

// Rerank drops candidates too short or repetitive to cite, scores the rest against q,
// collapses near duplicates, merges adjacent chunks and
// greedily selects up to limit diverse results. It never fails: when the scorer errors the
// input order is returned truncated to limit.
func (r *Reranker) Rerank(ctx context.Context, q *query.Processed, results []*models.SearchResult, limit int) *Outcome {
	out := &Outcome{}
	results = r.dropLowQuality(results, out)
	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}
	if len(results) == 0 {
		out.Results = []*models.SearchResult{}
		return out
	}
	if !r.config.EnabledOrDefault() {
		out.Results = results[:limit]
		return out
	}
	if r.scorer == nil {
		return r.passthrough(out, results, limit, errs.BackendUnavailable("rerank", fmt.Errorf("no cross scorer configured")))
	}

	candidates := results
	if r.config.TopN > 0 && len(candidates) > r.config.TopN {
		candidates = candidates[:r.config.TopN]
	}
	scores, err := r.scorer.Score(ctx, q, candidates)
	if err == nil && len(scores) != len(candidates) {
		err = fmt.Errorf("scorer %s returned %d scores for %d candidates", r.scorer.Name(), len(scores), len(candidates))
	}
	if err != nil {
		if ctxErr := errs.FromContext(ctx, "rerank"); ctxErr != nil {
			err = ctxErr
		} else {
			err = errs.BackendUnavailable("rerank", err)
		}
		return r.passthrough(out, results, limit, err)
	}

	scored := make([]*models.SearchResult, len(candidates))
	for i, c := range candidates {
		cp := *c
		cp.CrossScore = utils.Clamp01(scores[i])
		cp.Reranked = true
		scored[i] = &cp
	}
	sortByFinal(scored)

	kept := r.dedup(scored, out)
	if r.config.MergeAdjacentOrDefault() {
		kept, out.Merged = mergeAdjacent(kept)
		sortByFinal(kept)
	}
	out.Results = r.diversify(kept, limit, out)

	r.logger.Debug("reranked",
		zap.String("scorer", r.scorer.Name()),
		zap.Int("candidates", len(candidates)),
		zap.Int("low_quality", out.LowQuality),
		zap.Int("duplicates", out.Duplicates),
		zap.Int("merged", out.Merged),
		zap.Int("diversity_skipped", out.DiversitySkipped),
		zap.Int("results", len(out.Results)))
	return out
}

func (r *Reranker) passthrough(out *Outcome, results []*models.SearchResult, limit int, err error) *Outcome {
	r.logger.Warn("cross scorer unavailable, keeping combined order", zap.Error(err))
	out.Results, out.Passthrough, out.Err = results[:limit], true, err
	return out
}

// dedup collapses results whose text is near-identical to a higher-ranked one.
func (r *Reranker) dedup(sorted []*models.SearchResult, out *Outcome) []*models.SearchResult {
	kept := make([]*models.SearchResult, 0, len(sorted))
	for _, c := range sorted {
		if similarToAny(c, kept, r.config.DuplicateThreshold) {
			out.Duplicates++
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// diversify fills up to limit results, skipping any whose text is too similar to one
// already selected.
func (r *Reranker) diversify(sorted []*models.SearchResult, limit int, out *Outcome) []*models.SearchResult {
	selected := make([]*models.SearchResult, 0, min(limit, len(sorted)))
	for _, c := range sorted {
		if len(selected) == limit {
			break
		}
		if similarToAny(c, selected, r.config.DiversityThreshold) {
			out.DiversitySkipped++
			continue
		}
		selected = append(selected, c)
	}
	return selected
}

func similarToAny(c *models.SearchResult, others []*models.SearchResult, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	for _, o := range others {
		if TrigramJaccard(c.Chunk.Text, o.Chunk.Text) > threshold {
			return true
		}
	}
	return false
}

// sortByFinal orders by final score, then combined score, then document and chunk index.
func sortByFinal(results []*models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.FinalScore() != b.FinalScore() {
			return a.FinalScore() > b.FinalScore()
		}
		if a.CombinedScore != b.CombinedScore {
			return a.CombinedScore > b.CombinedScore
		}
		if a.Chunk.DocumentID != b.Chunk.DocumentID {
			return a.Chunk.DocumentID < b.Chunk.DocumentID
		}
		return a.Chunk.Index < b.Chunk.Index
	})
}
