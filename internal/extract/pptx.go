package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperjump/yakkan/internal/models"
)

var (
	// atTag matches <a:t>text</a:t> with any attributes.
	atTag = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
	// apTag matches one drawing paragraph.
	apTag = regexp.MustCompile(`(?s)<a:p>.*?</a:p>|<a:p [^>]*>.*?</a:p>`)
	// slidePath matches ppt/slides/slideN.xml and captures N.
	slidePath = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

// extractPPTX returns one segment per slide, with the slide number as page number.
// Paragraphs within a slide are joined by newlines.
func extractPPTX(content []byte) ([]models.Segment, error) {
	zr, err := openZip(content, "PPTX")
	if err != nil {
		return nil, err
	}
	type slide struct {
		num  int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		m := slidePath.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: n, name: f.Name})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var segs []models.Segment
	for _, s := range slides {
		data, err := readZipEntry(zr, s.name, "PPTX")
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, p := range apTag.FindAllString(string(data), -1) {
			var b strings.Builder
			for _, m := range atTag.FindAllStringSubmatch(p, -1) {
				b.WriteString(m[1])
			}
			if line := strings.TrimSpace(b.String()); line != "" {
				lines = append(lines, line)
			}
		}
		segs = appendSegments(segs, s.num, models.SegmentText, strings.Join(lines, "\n"))
	}
	return segs, nil
}
