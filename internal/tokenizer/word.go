package tokenizer

import "unicode"

// Word treats each whitespace-separated word as one token. It needs no model data and is
// used offline and in tests.
type Word struct{}

// NewWord returns the word tokenizer.
func NewWord() *Word { return &Word{} }

// Name returns "word".
func (w *Word) Name() string { return WordName }

// CountTokens returns the number of words in text.
func (w *Word) CountTokens(text string) (int, error) {
	spans, _ := w.Spans(text)
	return len(spans), nil
}

// Spans returns one span per word. Leading whitespace belongs to the first word and
// trailing whitespace to the word before it.
func (w *Word) Spans(text string) ([]Span, error) {
	var spans []Span
	inWord := false
	start := 0
	for i, r := range text {
		space := unicode.IsSpace(r)
		switch {
		case !space && !inWord:
			if len(spans) > 0 {
				spans[len(spans)-1].End = i
			} else {
				i = 0
			}
			start = i
			inWord = true
		case space && inWord:
			spans = append(spans, Span{Start: start, End: i})
			inWord = false
		}
	}
	if inWord {
		spans = append(spans, Span{Start: start, End: len(text)})
	} else if len(spans) > 0 {
		spans[len(spans)-1].End = len(text)
	}
	return spans, nil
}
