package extract

import (
	"regexp"
	"strings"

	"github.com/hyperjump/yakkan/internal/models"
)

var odpPage = regexp.MustCompile(`(?s)<draw:page[ >].*?</draw:page>`)

// extractODP returns one segment per draw:page, numbered from 1.
func extractODP(content []byte) ([]models.Segment, error) {
	zr, err := openZip(content, "ODP")
	if err != nil {
		return nil, err
	}
	xml, err := readODFContent(zr, "ODP")
	if err != nil {
		return nil, err
	}
	var segs []models.Segment
	for i, page := range odpPage.FindAllString(xml, -1) {
		segs = appendSegments(segs, i+1, models.SegmentText, strings.Join(odfLines(page), "\n"))
	}
	return segs, nil
}
