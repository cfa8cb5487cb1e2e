// Package query normalizes and tokenizes questions, classifies their intent and provides
// the analyzer shared with the keyword index.
package query

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// maxCompoundWords is the longest run of words joined into one dictionary term.
const maxCompoundWords = 3

// DefaultTerms are insurance compound terms kept as single tokens.
var DefaultTerms = []string{
	"가입조건", "보험료", "보험금", "보장범위", "특약", "면책기간", "납입기간", "만기환급금",
	"해약환급금", "진단금", "수술비", "입원비", "통원비", "생명보험", "손해보험", "건강보험",
	"암보험", "자동차보험", "실손보험", "심장질환", "뇌혈관질환", "교통사고", "산재보험",
	"자기신체사고", "대인배상", "대물배상", "자기차량손해", "무보험차상해", "보험기간",
	"보험계약자", "피보험자", "보험수익자", "청약철회", "계약전알릴의무",
}

// DefaultStopWords are particles and filler words excluded from keywords.
var DefaultStopWords = []string{
	"은", "는", "이", "가", "을", "를", "에", "의", "와", "과", "로", "으로", "에서", "부터",
	"까지", "도", "만", "조차", "마저", "라도", "이라도", "라면", "이라면", "에게", "로써", "로서",
	"좀", "그", "저", "것", "수", "등", "및", "또는", "the", "a", "an", "of", "and", "or", "to", "in",
	"is", "are", "what", "how",
}

// particles are trailing postpositions stripped from words, longest first.
var particles = []string{
	"으로는", "에서는", "이라는", "에서", "으로", "에게", "까지", "부터", "에는", "이나", "이란",
	"보다", "처럼", "은", "는", "이", "가", "을", "를", "에", "의", "와", "과", "도", "만", "로",
}

// Analyzer turns text into index terms. The keyword index and the query processor share
// one Analyzer so that a term produced at indexing time is produced again at query time.
type Analyzer struct {
	terms map[string]bool
	stop  map[string]bool
}

// NewAnalyzer builds an analyzer from the default dictionaries plus extras.
func NewAnalyzer(extraTerms, extraStopWords []string) *Analyzer {
	a := &Analyzer{terms: make(map[string]bool), stop: make(map[string]bool)}
	for _, t := range append(append([]string{}, DefaultTerms...), extraTerms...) {
		if t = Normalize(t); t != "" {
			a.terms[strings.ReplaceAll(t, " ", "")] = true
		}
	}
	for _, s := range append(append([]string{}, DefaultStopWords...), extraStopWords...) {
		a.stop[Normalize(s)] = true
	}
	return a
}

// Normalize composes Hangul (NFC), lowercases, replaces everything but letters, digits and
// whitespace with a space and collapses whitespace.
func Normalize(text string) string {
	text = strings.ToLower(norm.NFC.String(text))
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// IsTerm reports whether word is a dictionary compound.
func (a *Analyzer) IsTerm(word string) bool {
	return a.terms[word]
}

// IsStopWord reports whether word carries no retrieval value.
func (a *Analyzer) IsStopWord(word string) bool {
	return a.stop[word]
}

// Tokens normalizes text and splits it into terms. Runs of up to three words that form a
// dictionary compound become one token; trailing particles are stripped from other words.
func (a *Analyzer) Tokens(text string) []string {
	words := strings.Fields(Normalize(text))
	tokens := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		if n, term := a.compoundAt(words, i); n > 0 {
			tokens = append(tokens, term)
			i += n
			continue
		}
		if tok := a.stripParticle(words[i]); tok != "" {
			tokens = append(tokens, tok)
		}
		i++
	}
	return tokens
}

// compoundAt returns the longest dictionary compound starting at words[i] and how many
// words it spans. Single words only count when they are not already plain terms.
func (a *Analyzer) compoundAt(words []string, i int) (int, string) {
	for n := min(maxCompoundWords, len(words)-i); n >= 2; n-- {
		joined := strings.Join(words[i:i+n], "")
		if a.terms[joined] {
			return n, joined
		}
		if stripped := a.stripParticle(joined); stripped != joined && a.terms[stripped] {
			return n, stripped
		}
	}
	return 0, ""
}

// stripParticle removes one trailing particle when at least two runes remain, unless the
// word is itself a dictionary term.
func (a *Analyzer) stripParticle(word string) string {
	if a.terms[word] {
		return word
	}
	for _, p := range particles {
		if !strings.HasSuffix(word, p) {
			continue
		}
		rest := strings.TrimSuffix(word, p)
		if len([]rune(rest)) >= 2 && isHangul(lastRune(rest)) {
			return rest
		}
	}
	return word
}

func lastRune(s string) rune {
	r := []rune(s)
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1]
}

func isHangul(r rune) bool {
	return unicode.Is(unicode.Hangul, r)
}
