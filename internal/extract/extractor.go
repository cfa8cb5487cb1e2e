// Package extract turns policy files into ordered segments for the chunker.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyperjump/yakkan/internal/models"
)

// Result is the output of one extraction. Document carries the attributes an upstream
// extractor supplied (JSON input only); it is nil for raw files.
type Result struct {
	Document *models.Document
	Segments []models.Segment
}

// Extractor converts files into segments.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

type extractFunc func(content []byte) ([]models.Segment, error)

var byExtension = map[string]extractFunc{
	".pdf":  extractPDF,
	".docx": extractDOCX,
	".xlsx": extractExcel,
	".pptx": extractPPTX,
	".odp":  extractODP,
	".ods":  extractODS,
	".txt":  extractPlain,
	".md":   extractPlain,
	".rst":  extractPlain,
}

// SupportedExtensions lists the extensions Extract understands, sorted.
func SupportedExtensions() []string {
	exts := []string{".json", ".odt", ".rtf"}
	for ext := range byExtension {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Extract reads the file at path and returns its segments.
// A .json file is read as extractor output: a document with its segments, or a bare
// segment array. ODT and RTF go through lu4p/cat; other formats are parsed in-process.
func (e *Extractor) Extract(path string) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".odt" || ext == ".rtf" {
		segs, err := extractWithCat(path)
		if err != nil {
			return nil, err
		}
		return &Result{Segments: segs}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, ext)
}

// ExtractBytes extracts segments from content based on the given extension.
// ext should include the leading dot (e.g. ".pdf"). Unknown extensions are read as plain text.
func (e *Extractor) ExtractBytes(content []byte, ext string) (*Result, error) {
	ext = strings.ToLower(ext)
	switch ext {
	case ".json":
		return extractJSON(content)
	case ".odt", ".rtf":
		segs, err := extractCatBytes(content, ext)
		if err != nil {
			return nil, err
		}
		return &Result{Segments: segs}, nil
	}
	fn, ok := byExtension[ext]
	if !ok {
		fn = extractPlain
	}
	segs, err := fn(content)
	if err != nil {
		return nil, err
	}
	return &Result{Segments: segs}, nil
}

// paragraphs splits text on blank lines and returns non-empty trimmed blocks.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			out = append(out, block)
		}
	}
	return out
}

// appendSegments adds one segment per text on page, numbering positions from the current
// count of segments on that page.
func appendSegments(segs []models.Segment, page int, kind models.SegmentKind, texts ...string) []models.Segment {
	pos := 0
	for _, s := range segs {
		if s.PageNumber == page {
			pos++
		}
	}
	for _, t := range texts {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		segs = append(segs, models.Segment{PageNumber: page, PositionIndex: pos, Text: t, Kind: kind})
		pos++
	}
	return segs
}
