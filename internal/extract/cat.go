package extract

import (
	"fmt"
	"os"
	"strings"

	"github.com/lu4p/cat"

	"github.com/hyperjump/yakkan/internal/models"
)

// extractWithCat reads ODT and RTF files through lu4p/cat and splits the text into
// paragraph segments. Single line breaks are treated as paragraph breaks since cat
// flattens paragraph markup to newlines.
func extractWithCat(path string) ([]models.Segment, error) {
	text, err := cat.File(path)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}
	return appendSegments(nil, 1, models.SegmentText, strings.Split(text, "\n")...), nil
}

// extractCatBytes stages content in a temp file because cat dispatches on the file extension.
func extractCatBytes(content []byte, ext string) ([]models.Segment, error) {
	f, err := os.CreateTemp("", "yakkan-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return extractWithCat(f.Name())
}
