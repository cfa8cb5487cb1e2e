package rerank

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/yakkan/internal/models"
)

func TestTrigramJaccard(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		min, max float64
	}{
		{"identical", "보험금 지급 사유", "보험금 지급 사유", 1, 1},
		{"whitespace and case", "Premium  Waiver\n조건", "premium waiver 조건", 1, 1},
		{"disjoint", "보험금 지급", "계약 해지", 0, 0},
		{"partial", "보험금 지급 사유", "보험금 지급 제한", 0.2, 0.8},
		{"short equal", "암", "암", 1, 1},
		{"short different", "암", "뇌", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrigramJaccard(tt.a, tt.b)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
			assert.Equal(t, got, TrigramJaccard(tt.b, tt.a), "must be symmetric")
		})
	}
}

func TestJoinOverlapping(t *testing.T) {
	assert.Equal(t, "a b c d e", joinOverlapping("a b c", "b c d e"))
	assert.Equal(t, "a b c", joinOverlapping("a b c", "b c"))
	assert.Equal(t, "a b\nc d", joinOverlapping("a b", "c d"))
}

func TestLexicalScorer_Score(t *testing.T) {
	s := NewLexicalScorer(nil)
	q := processed(t, "\"해약환급금 계산\" 해약환급금 계산 방법")
	candidates := []*models.SearchResult{
		result("doc-a", 0, "제12조 해약환급금 계산 방법 해약환급금 계산은 별표에 따릅니다", 0.5),
		result("doc-b", 0, "보험료 납입 방법과 계산 기준 그리고 환급에 관한 사항", 0.5),
		result("doc-c", 0, "교통사고 처리 절차", 0.5),
	}
	scores, err := s.Score(context.Background(), q, candidates)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[1], scores[2])
	assert.InDelta(t, 0.1, scores[2], 1e-9, "no match keeps only the prior")
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}
