// Package search provides hybrid search (vector + keyword) over chunks and result fusion.
package search

import (
	"sort"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/keyword"
	"github.com/hyperjump/yakkan/internal/vector"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// Relevance reasons attached to fused results.
const (
	ReasonBoth    = "vector+keyword"
	ReasonVector  = "vector"
	ReasonKeyword = "keyword"
)

// FusedResult holds a chunk identity and its normalized vector/keyword and combined scores.
type FusedResult struct {
	ChunkID      string
	DocumentID   string
	ChunkIndex   int
	VectorScore  float64
	KeywordScore float64
	Score        float64
	inVector     bool
	inKeyword    bool
}

// Reason names the sub-queries that found the chunk.
func (r *FusedResult) Reason() string {
	switch {
	case r.inVector && r.inKeyword:
		return ReasonBoth
	case r.inVector:
		return ReasonVector
	default:
		return ReasonKeyword
	}
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(hits []keyword.Hit) map[string]float64 {
	normalized := make(map[string]float64, len(hits))
	var maxScore float64
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	for _, h := range hits {
		if maxScore > 0 {
			normalized[h.ChunkID] = h.Score / maxScore
		} else {
			normalized[h.ChunkID] = 0
		}
	}
	return normalized
}

// NormalizeVectorScores clamps cosine similarities to [0,1]; they are already on a fixed scale.
func NormalizeVectorScores(hits []vector.Hit) map[string]float64 {
	normalized := make(map[string]float64, len(hits))
	for _, h := range hits {
		normalized[h.ChunkID] = utils.Clamp01(h.Similarity)
	}
	return normalized
}

// Fuse merges vector and keyword hits by chunk identity. A chunk missing from one side scores
// zero there. Results are sorted by combined score, then document ID, then chunk index.
func Fuse(vectorHits []vector.Hit, keywordHits []keyword.Hit, w config.Weights) []*FusedResult {
	vectorScores := NormalizeVectorScores(vectorHits)
	keywordScores := NormalizeKeywordScores(keywordHits)

	byChunk := make(map[string]*FusedResult, len(vectorHits)+len(keywordHits))
	for _, h := range vectorHits {
		if _, ok := byChunk[h.ChunkID]; ok {
			continue
		}
		byChunk[h.ChunkID] = &FusedResult{
			ChunkID:     h.ChunkID,
			DocumentID:  h.DocumentID,
			ChunkIndex:  h.ChunkIndex,
			VectorScore: vectorScores[h.ChunkID],
			inVector:    true,
		}
	}
	for _, h := range keywordHits {
		if r, ok := byChunk[h.ChunkID]; ok {
			r.KeywordScore = keywordScores[h.ChunkID]
			r.inKeyword = true
			continue
		}
		byChunk[h.ChunkID] = &FusedResult{
			ChunkID:      h.ChunkID,
			DocumentID:   h.DocumentID,
			ChunkIndex:   h.ChunkIndex,
			KeywordScore: keywordScores[h.ChunkID],
			inKeyword:    true,
		}
	}

	results := make([]*FusedResult, 0, len(byChunk))
	for _, r := range byChunk {
		r.Score = w.Vector*r.VectorScore + w.Keyword*r.KeywordScore
		results = append(results, r)
	}
	SortFused(results)
	return results
}

// SortFused orders results by score descending with deterministic tie-breaks.
func SortFused(results []*FusedResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		return a.ChunkID < b.ChunkID
	})
}

// ApplyThreshold drops results scoring below threshold. When nothing survives, the threshold
// is halved once. The returned threshold is the one actually applied.
func ApplyThreshold(results []*FusedResult, threshold float64) ([]*FusedResult, float64, bool) {
	kept := filterByScore(results, threshold)
	if len(kept) > 0 || threshold <= 0 || len(results) == 0 {
		return kept, threshold, false
	}
	threshold /= 2
	return filterByScore(results, threshold), threshold, true
}

func filterByScore(results []*FusedResult, threshold float64) []*FusedResult {
	out := make([]*FusedResult, 0, len(results))
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}
