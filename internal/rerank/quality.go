package rerank

import (
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/yakkan/internal/models"
)

// repeatRun is the number of identical consecutive sentences that marks text as repetitive.
const repeatRun = 3

// LowQuality reports whether text is too short to cite or is the same sentence repeated.
func LowQuality(text string, minChars int) bool {
	trimmed := strings.TrimSpace(text)
	if minChars > 0 && utf8.RuneCountInString(trimmed) < minChars {
		return true
	}
	return repetitive(trimmed)
}

// repetitive reports whether a non-blank sentence appears repeatRun times in a row.
func repetitive(text string) bool {
	sentences := strings.Split(text, ".")
	run := 1
	for i := 1; i < len(sentences); i++ {
		cur := strings.TrimSpace(sentences[i])
		if cur != "" && cur == strings.TrimSpace(sentences[i-1]) {
			run++
			if run >= repeatRun {
				return true
			}
			continue
		}
		run = 1
	}
	return false
}

// dropLowQuality removes results whose chunk text fails LowQuality, keeping order.
func (r *Reranker) dropLowQuality(results []*models.SearchResult, out *Outcome) []*models.SearchResult {
	kept := make([]*models.SearchResult, 0, len(results))
	for _, res := range results {
		if LowQuality(res.Chunk.Text, r.config.MinPassageChars) {
			out.LowQuality++
			continue
		}
		kept = append(kept, res)
	}
	return kept
}
