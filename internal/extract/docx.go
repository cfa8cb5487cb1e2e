package extract

import (
	"archive/zip"
	"fmt"
	"regexp"
	"strings"

	"github.com/hyperjump/yakkan/internal/models"
)

// docxDocumentXMLPath is the default path to the main document body inside a .docx zip.
const docxDocumentXMLPath = "word/document.xml"

// contentTypesPath is the path to [Content_Types].xml in OOXML packages.
const contentTypesPath = "[Content_Types].xml"

// docxMainContentType is the content type for the main document in DOCX files.
const docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"

var (
	// wtTag matches <w:t>text</w:t> with any attributes.
	wtTag = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	// docxBlock matches, in document order, whole tables or body paragraphs.
	docxBlock = regexp.MustCompile(`(?s)<w:tbl>.*?</w:tbl>|<w:p[ >].*?</w:p>`)
	docxRow   = regexp.MustCompile(`(?s)<w:tr[ >].*?</w:tr>`)
	docxCell  = regexp.MustCompile(`(?s)<w:tc[ >].*?</w:tc>`)

	partNameRe  = regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`)
	partNameRe2 = regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`)
)

// findDocxMainDocumentPath finds the main document path from [Content_Types].xml.
// Returns the path without leading slash, or empty string if not found.
func findDocxMainDocumentPath(zr *zip.Reader) string {
	data, err := readZipEntry(zr, contentTypesPath, "DOCX")
	if err != nil || data == nil {
		return ""
	}
	content := string(data)
	if matches := partNameRe.FindStringSubmatch(content); len(matches) > 1 {
		return strings.TrimPrefix(matches[1], "/")
	}
	if matches := partNameRe2.FindStringSubmatch(content); len(matches) > 1 {
		return strings.TrimPrefix(matches[1], "/")
	}
	return ""
}

// extractDOCX returns one text segment per paragraph and one table segment per table.
// DOCX has no stable pagination, so everything is on page 1 in document order.
func extractDOCX(content []byte) ([]models.Segment, error) {
	zr, err := openZip(content, "DOCX")
	if err != nil {
		return nil, err
	}
	docPath := findDocxMainDocumentPath(zr)
	if docPath == "" {
		docPath = docxDocumentXMLPath
	}
	docXML, err := readZipEntry(zr, docPath, "DOCX")
	if err != nil {
		return nil, err
	}
	if docXML == nil {
		return nil, fmt.Errorf("extract DOCX: %s not found", docPath)
	}

	var segs []models.Segment
	for _, block := range docxBlock.FindAllString(string(docXML), -1) {
		if strings.HasPrefix(block, "<w:tbl>") {
			segs = appendSegments(segs, 1, models.SegmentTable, docxTable(block))
			continue
		}
		segs = appendSegments(segs, 1, models.SegmentText, runText(block))
	}
	return segs, nil
}

// runText joins the text runs of one paragraph.
func runText(xml string) string {
	var b strings.Builder
	for _, m := range wtTag.FindAllStringSubmatch(xml, -1) {
		b.WriteString(m[1])
	}
	return strings.TrimSpace(b.String())
}

func docxTable(xml string) string {
	var b strings.Builder
	for _, row := range docxRow.FindAllString(xml, -1) {
		cells := docxCell.FindAllString(row, -1)
		vals := make([]string, len(cells))
		for i, c := range cells {
			vals[i] = runText(c)
		}
		b.WriteString(strings.Join(vals, "\t"))
		b.WriteByte('\n')
	}
	return b.String()
}
