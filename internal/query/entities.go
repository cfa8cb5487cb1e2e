package query

import (
	"regexp"
	"strings"
)

var (
	agePattern    = regexp.MustCompile(`(\d+)\s*(세|살)`)
	periodPattern = regexp.MustCompile(`(\d+)\s*(년|개월|일)`)
	amountPattern = regexp.MustCompile(`(\d+(?:,\d{3})*)\s*(만\s*원|천\s*원|억\s*원|원)`)
	phrasePattern = regexp.MustCompile(`["“]([^"”]+)["”]`)
)

// Entities are the typed values mentioned in a question.
type Entities struct {
	Ages    []string `json:"ages,omitempty"`
	Periods []string `json:"periods,omitempty"`
	Amounts []string `json:"amounts,omitempty"`
}

// Empty reports whether no entity was found.
func (e Entities) Empty() bool {
	return len(e.Ages) == 0 && len(e.Periods) == 0 && len(e.Amounts) == 0
}

// ExtractEntities finds ages, periods and amounts. Matches are returned with internal
// whitespace removed, for example "10 만 원" becomes "10만원".
func ExtractEntities(text string) Entities {
	return Entities{
		Ages:    findAll(agePattern, text),
		Periods: findAll(periodPattern, text),
		Amounts: findAll(amountPattern, text),
	}
}

func findAll(p *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range p.FindAllString(text, -1) {
		out = append(out, strings.Join(strings.Fields(m), ""))
	}
	return out
}

// extractPhrases returns the normalized quoted phrases in text.
func extractPhrases(text string) []string {
	var phrases []string
	for _, m := range phrasePattern.FindAllStringSubmatch(text, -1) {
		if p := Normalize(m[1]); p != "" {
			phrases = append(phrases, p)
		}
	}
	return phrases
}
