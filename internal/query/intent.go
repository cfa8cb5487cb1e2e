package query

import (
	"math"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/hyperjump/yakkan/internal/models"
)

const (
	keywordScore = 1.0
	patternScore = 2.0
	// fullConfidenceScore is the rule score at which confidence reaches 1.
	fullConfidenceScore = 3.0
)

type intentRule struct {
	intent   models.Intent
	keywords []string
	patterns []*regexp.Regexp
}

// intentRules are checked in order; earlier rules win ties.
var intentRules = []intentRule{
	{
		intent:   models.IntentComparison,
		keywords: []string{"비교", "차이", "다른점", "다른 점", "어느", "vs", "대비", "낫나", "나은"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\S+(와|과|랑|하고|이랑)\s+\S+.*(비교|차이|다른)`),
			regexp.MustCompile(`더\s*(좋|낫|싸|비싸|유리)`),
			regexp.MustCompile(`\bvs\.?\b`),
		},
	},
	{
		intent:   models.IntentComputation,
		keywords: []string{"계산", "산출", "얼마", "금액", "합계", "총액", "비용", "가격"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\d+\s*(만\s*원|천\s*원|원|세|살|년|개월)`),
			regexp.MustCompile(`얼마(나|를|까지|인가|예요|에요)?`),
			regexp.MustCompile(`(몇|며)\s*(년|개월|회|번|%|퍼센트)`),
		},
	},
	{
		intent: models.IntentLookup,
		keywords: []string{"알려", "알고", "뭔지", "무엇", "어떤", "궁금", "조회", "확인", "정보", "방법",
			"절차", "설명", "보장", "보상", "조건", "기준", "범위", "약관"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(무엇|뭐|어떻게|어떤|언제|어디)`),
			regexp.MustCompile(`(되나요|됩니까|인가요|있나요|가능한가)`),
		},
	},
	{
		intent:   models.IntentOther,
		keywords: []string{"안녕", "감사", "고마워", "고맙", "hello", "thanks"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`^(안녕|hi\b|hello\b)`),
		},
	},
}

// IntentScore is the classification of a question.
type IntentScore struct {
	Intent     models.Intent
	Confidence float64
	// Defaulted is set when no rule reached the confidence floor.
	Defaulted bool
}

// ClassifyIntent scores text against the intent rules. Keyword hits count once and
// pattern hits twice; confidence is the best score over three, capped at one. When the best
// confidence is below minConfidence the intent defaults to lookup. Text is NFC-composed
// before matching, so decomposed Hangul classifies like its composed form.
func ClassifyIntent(text string, minConfidence float64) IntentScore {
	lower := strings.ToLower(strings.TrimSpace(norm.NFC.String(text)))
	best := IntentScore{Intent: models.IntentLookup}
	var bestScore float64
	for _, rule := range intentRules {
		var score float64
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				score += keywordScore
			}
		}
		for _, p := range rule.patterns {
			if p.MatchString(lower) {
				score += patternScore
			}
		}
		if score > bestScore {
			bestScore = score
			best.Intent = rule.intent
		}
	}
	best.Confidence = math.Min(bestScore/fullConfidenceScore, 1)
	if bestScore == 0 || best.Confidence < minConfidence {
		return IntentScore{Intent: models.IntentLookup, Confidence: best.Confidence, Defaulted: true}
	}
	return best
}
