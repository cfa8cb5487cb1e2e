package extract

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/hyperjump/yakkan/internal/models"
)

// extractPDF returns the paragraphs of each page, numbered by page.
func extractPDF(content []byte) ([]models.Segment, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	var segs []models.Segment
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		segs = appendSegments(segs, i, models.SegmentText, paragraphs(text)...)
	}
	return segs, nil
}
