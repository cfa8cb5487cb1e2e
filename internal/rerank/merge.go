package rerank

import (
	"sort"
	"strings"

	"github.com/hyperjump/yakkan/internal/models"
)

// ReasonMerged marks a result that absorbed adjacent chunks of the same document.
const ReasonMerged = "merged context"

// mergeAdjacent merges runs of results whose chunks are consecutive within one document into
// a single extended result owned by the run's best-scoring member. The input order is by
// final score; the output keeps that order with each run in its anchor's place.
func mergeAdjacent(results []*models.SearchResult) ([]*models.SearchResult, int) {
	byDoc := make(map[string][]*models.SearchResult)
	for _, r := range results {
		byDoc[r.Chunk.DocumentID] = append(byDoc[r.Chunk.DocumentID], r)
	}

	replaced := make(map[*models.SearchResult]*models.SearchResult)
	absorbed := make(map[*models.SearchResult]bool)
	var merged int
	for _, group := range byDoc {
		if len(group) < 2 {
			continue
		}
		sorted := append([]*models.SearchResult(nil), group...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Chunk.Index < sorted[j].Chunk.Index })
		for start := 0; start < len(sorted); {
			end := start + 1
			for end < len(sorted) && sorted[end].Chunk.Index == sorted[end-1].Chunk.Index+1 {
				end++
			}
			if run := sorted[start:end]; len(run) > 1 {
				anchor := bestOf(run)
				replaced[anchor] = mergeRun(anchor, run)
				for _, r := range run {
					if r != anchor {
						absorbed[r] = true
					}
				}
				merged += len(run) - 1
			}
			start = end
		}
	}
	if merged == 0 {
		return results, 0
	}

	out := make([]*models.SearchResult, 0, len(results)-merged)
	for _, r := range results {
		if absorbed[r] {
			continue
		}
		if m, ok := replaced[r]; ok {
			r = m
		}
		out = append(out, r)
	}
	return out, merged
}

// bestOf returns the member with the highest final score, the lowest index on ties.
func bestOf(run []*models.SearchResult) *models.SearchResult {
	best := run[0]
	for _, r := range run[1:] {
		if r.FinalScore() > best.FinalScore() {
			best = r
		}
	}
	return best
}

// mergeRun builds the extended result for run (sorted by chunk index), keeping the anchor's
// identity and scores. Text repeated by chunk overlap is joined only once.
func mergeRun(anchor *models.SearchResult, run []*models.SearchResult) *models.SearchResult {
	chunk := *anchor.Chunk
	chunk.Index = run[0].Chunk.Index
	chunk.Boundary = run[0].Chunk.Boundary
	chunk.Text = run[0].Chunk.Text
	chunk.TokenCount = run[0].Chunk.TokenCount
	chunk.Sources = append([]models.SegmentRef(nil), run[0].Chunk.Sources...)

	out := *anchor
	out.Chunk = &chunk
	out.Extended = true
	out.RelevanceReason = ReasonMerged
	out.MergedChunkIDs = []string{run[0].Chunk.ID}
	out.MergedIndexes = []int{run[0].Chunk.Index}
	for _, r := range run[1:] {
		chunk.Text = joinOverlapping(chunk.Text, r.Chunk.Text)
		chunk.TokenCount += r.Chunk.TokenCount
		chunk.Sources = models.MergeRefs(chunk.Sources, r.Chunk.Sources)
		out.MergedChunkIDs = append(out.MergedChunkIDs, r.Chunk.ID)
		out.MergedIndexes = append(out.MergedIndexes, r.Chunk.Index)
		out.VectorScore = max(out.VectorScore, r.VectorScore)
		out.KeywordScore = max(out.KeywordScore, r.KeywordScore)
		out.CombinedScore = max(out.CombinedScore, r.CombinedScore)
	}
	return &out
}

// joinOverlapping appends b to a, dropping the longest run of leading words of b that
// repeats the trailing words of a.
func joinOverlapping(a, b string) string {
	aw, bw := strings.Fields(a), strings.Fields(b)
	for k := min(len(aw), len(bw)); k > 0; k-- {
		if equalWords(aw[len(aw)-k:], bw[:k]) {
			if k == len(bw) {
				return a
			}
			return a + " " + strings.Join(bw[k:], " ")
		}
	}
	return a + "\n" + b
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
