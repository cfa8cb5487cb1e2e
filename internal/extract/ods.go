package extract

import (
	"regexp"
	"strings"

	"github.com/hyperjump/yakkan/internal/models"
)

var (
	odsTable = regexp.MustCompile(`(?s)<table:table[ >].*?</table:table>`)
	odsRow   = regexp.MustCompile(`(?s)<table:table-row[ >].*?</table:table-row>`)
	odsCell  = regexp.MustCompile(`(?s)<table:table-cell[ >].*?</table:table-cell>|<table:table-cell[^>]*/>`)
)

// extractODS returns one table segment per sheet; cells are tab-separated and rows are lines.
func extractODS(content []byte) ([]models.Segment, error) {
	zr, err := openZip(content, "ODS")
	if err != nil {
		return nil, err
	}
	xml, err := readODFContent(zr, "ODS")
	if err != nil {
		return nil, err
	}
	var segs []models.Segment
	for i, table := range odsTable.FindAllString(xml, -1) {
		var b strings.Builder
		for _, row := range odsRow.FindAllString(table, -1) {
			cells := odsCell.FindAllString(row, -1)
			vals := make([]string, len(cells))
			empty := true
			for j, c := range cells {
				vals[j] = strings.Join(odfLines(c), " ")
				if vals[j] != "" {
					empty = false
				}
			}
			if empty {
				continue
			}
			b.WriteString(strings.TrimRight(strings.Join(vals, "\t"), "\t"))
			b.WriteByte('\n')
		}
		segs = appendSegments(segs, i+1, models.SegmentTable, b.String())
	}
	return segs, nil
}
