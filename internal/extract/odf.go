package extract

import (
	"archive/zip"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// odfContentPath is the path to the main content inside OpenDocument packages.
const odfContentPath = "content.xml"

var (
	// odfParagraph matches text:p and text:h elements including nested spans.
	odfParagraph = regexp.MustCompile(`(?s)<text:(p|h)[ >].*?</text:(?:p|h)>|<text:(?:p|h)/>`)
	odfTag       = regexp.MustCompile(`<[^>]+>`)
)

func readODFContent(zr *zip.Reader, format string) (string, error) {
	data, err := readZipEntry(zr, odfContentPath, format)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("extract %s: %s not found", format, odfContentPath)
	}
	return string(data), nil
}

// odfLines returns the text of each paragraph or heading in xml, in order.
func odfLines(xml string) []string {
	var out []string
	for _, p := range odfParagraph.FindAllString(xml, -1) {
		text := html.UnescapeString(odfTag.ReplaceAllString(p, ""))
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, text)
		}
	}
	return out
}
