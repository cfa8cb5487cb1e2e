package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/yakkan/internal/models"
)

// extractPlain returns one text segment per paragraph on page 1. Invalid UTF-8 sequences
// are replaced with the replacement character.
func extractPlain(content []byte) ([]models.Segment, error) {
	text := string(content)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return appendSegments(nil, 1, models.SegmentText, paragraphs(text)...), nil
}
