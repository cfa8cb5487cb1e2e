package rerank

import (
	"context"
	"regexp"
	"strings"

	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/query"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// Scorer assigns a cross-relevance score in [0,1] to each (query, candidate) pair.
// An error means the scorer is unavailable for this query.
type Scorer interface {
	Name() string
	Score(ctx context.Context, q *query.Processed, candidates []*models.SearchResult) ([]float64, error)
}

// LexicalWeights weight the components of the lexical cross score.
type LexicalWeights struct {
	Coverage float64
	InOrder  float64
	Phrase   float64
	Prior    float64
	Header   float64
}

// DefaultLexicalWeights returns the default component weights. They sum to 1.
func DefaultLexicalWeights() LexicalWeights {
	return LexicalWeights{Coverage: 0.45, InOrder: 0.15, Phrase: 0.1, Prior: 0.2, Header: 0.1}
}

// clauseHeader matches a clause or chapter heading opening a line.
var clauseHeader = regexp.MustCompile(`^\s*(제\s*\d+\s*[조장절관]|\d+(\.\d+)*\.\s|\[[^\]]+\]|【[^】]+】)`)

// LexicalScorer scores candidates by how completely and how closely they contain the query's
// keywords, tokenized with the same analyzer as the keyword index.
type LexicalScorer struct {
	analyzer *query.Analyzer
	weights  LexicalWeights
	// positionBoost multiplies scores whose first keyword match is in the leading tenth.
	positionBoost float64
}

// NewLexicalScorer creates a lexical cross scorer.
func NewLexicalScorer(analyzer *query.Analyzer) *LexicalScorer {
	if analyzer == nil {
		analyzer = query.NewAnalyzer(nil, nil)
	}
	return &LexicalScorer{analyzer: analyzer, weights: DefaultLexicalWeights(), positionBoost: 1.1}
}

// Name returns the scorer name.
func (s *LexicalScorer) Name() string {
	return "lexical"
}

// Score scores every candidate against q.
func (s *LexicalScorer) Score(ctx context.Context, q *query.Processed, candidates []*models.SearchResult) ([]float64, error) {
	phrases := make([][]string, 0, len(q.Phrases))
	for _, p := range q.Phrases {
		if tokens := s.analyzer.Tokens(p); len(tokens) > 1 {
			phrases = append(phrases, tokens)
		}
	}
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c == nil || c.Chunk == nil {
			continue
		}
		out[i] = s.score(q.Keywords, phrases, c)
	}
	return out, nil
}

func (s *LexicalScorer) score(keywords []string, phrases [][]string, c *models.SearchResult) float64 {
	tokens := s.analyzer.Tokens(c.Chunk.Text)
	w := s.weights
	score := w.Prior * utils.Clamp01(c.CombinedScore)
	if len(tokens) == 0 || len(keywords) == 0 {
		return utils.Clamp01(score)
	}

	positions := make(map[string][]int, len(tokens))
	for i, t := range tokens {
		positions[t] = append(positions[t], i)
	}

	first := -1
	var matched int
	for _, k := range keywords {
		if pos, ok := positions[k]; ok {
			matched++
			if first < 0 || pos[0] < first {
				first = pos[0]
			}
		}
	}
	if matched == 0 {
		return utils.Clamp01(score)
	}
	score += w.Coverage * float64(matched) / float64(len(keywords))
	score += w.InOrder * adjacentPairs(keywords, positions)
	for _, p := range phrases {
		if containsSequence(tokens, p) {
			score += w.Phrase
			break
		}
	}
	if s.headerMatches(c.Chunk.Text, keywords) {
		score += w.Header
	}
	if first >= 0 && float64(first) < 0.1*float64(len(tokens)) {
		score *= s.positionBoost
	}
	return utils.Clamp01(score)
}

// headerMatches reports whether text opens with a clause heading that names one of the keywords.
func (s *LexicalScorer) headerMatches(text string, keywords []string) bool {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if !clauseHeader.MatchString(line) {
		return false
	}
	lineTokens := s.analyzer.Tokens(line)
	for _, k := range keywords {
		for _, t := range lineTokens {
			if t == k {
				return true
			}
		}
	}
	return false
}

// adjacentPairs returns the fraction of consecutive keyword pairs that also appear next to
// each other, in order, in the candidate. A single keyword counts as fully in order.
func adjacentPairs(keywords []string, positions map[string][]int) float64 {
	if len(keywords) < 2 {
		if _, ok := positions[keywords[0]]; ok {
			return 1
		}
		return 0
	}
	var hits int
	for i := 0; i+1 < len(keywords); i++ {
		next := positions[keywords[i+1]]
		found := false
		for _, p := range positions[keywords[i]] {
			for _, n := range next {
				if n == p+1 {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if found {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords)-1)
}

func containsSequence(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
