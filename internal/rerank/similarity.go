package rerank

import (
	"strings"
	"unicode"
)

// TrigramJaccard returns the Jaccard similarity of the character-trigram sets of a and b.
// Case and whitespace differences are ignored. Texts shorter than three characters are
// compared for equality.
func TrigramJaccard(a, b string) float64 {
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		if squash(a) == squash(b) {
			return 1
		}
		return 0
	}
	small, large := ta, tb
	if len(small) > len(large) {
		small, large = large, small
	}
	var inter int
	for g := range small {
		if _, ok := large[g]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func squash(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace), " ")
}

func trigrams(s string) map[string]struct{} {
	runes := []rune(squash(s))
	if len(runes) < 3 {
		return nil
	}
	out := make(map[string]struct{}, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = struct{}{}
	}
	return out
}
