package indexer

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Preprocess normalizes extracted text for chunking: NFC composition, LF line endings,
// collapsed horizontal whitespace and at most one blank line between paragraphs. Line
// starts are kept because clause headers are detected on them.
func Preprocess(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var b strings.Builder
	b.Grow(len(text))
	wasSpace := false
	newlines := 0
	for _, r := range text {
		switch {
		case r == '\n':
			newlines++
			wasSpace = false
		case unicode.IsSpace(r):
			wasSpace = true
		default:
			if newlines > 0 {
				if b.Len() > 0 {
					b.WriteString(strings.Repeat("\n", min(newlines, 2)))
				}
				newlines = 0
			} else if wasSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			wasSpace = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
