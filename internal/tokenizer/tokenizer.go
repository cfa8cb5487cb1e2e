// Package tokenizer provides the canonical token counter shared by the chunker,
// the embedding router and the context budget.
package tokenizer

import (
	"fmt"
	"strings"
)

// Span is the byte range of one token in the source text.
type Span struct {
	Start int
	End   int
}

// Tokenizer splits text into tokens. Spans must be contiguous and cover the whole
// input, so text[spans[i].Start:spans[j].End] reproduces any run of tokens.
type Tokenizer interface {
	Name() string
	CountTokens(text string) (int, error)
	Spans(text string) ([]Span, error)
}

// WordName selects the offline whitespace tokenizer.
const WordName = "word"

// New returns the tokenizer for name: "word" or a tiktoken encoding such as cl100k_base.
func New(name string) (Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case WordName:
		return NewWord(), nil
	case "":
		return NewTiktoken("cl100k_base"), nil
	default:
		t := NewTiktoken(name)
		if err := t.init(); err != nil {
			return nil, fmt.Errorf("tokenizer %s: %w", name, err)
		}
		return t, nil
	}
}

// MustCount counts tokens and falls back to a whitespace word count on error.
func MustCount(t Tokenizer, text string) int {
	n, err := t.CountTokens(text)
	if err != nil {
		return len(strings.Fields(text))
	}
	return n
}
