package e2e

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/xuri/excelize/v2"
)

// SupportedFileExtensions are the policy file types written by PolicyFile. PDF extraction
// is covered by the extract package; ODT and RTF go through an external converter.
var SupportedFileExtensions = []string{
	".txt", ".md", ".rst",
	".docx", ".xlsx", ".pptx", ".odp", ".ods",
}

// PolicyFile returns the bytes of a minimal file of type ext holding pages. Slide and
// sheet formats put each page on its own slide or sheet; the others separate pages with
// paragraph breaks.
func PolicyFile(ext string, pages []string) ([]byte, error) {
	switch ext {
	case ".txt", ".md", ".rst":
		return []byte(strings.Join(pages, "\n\n")), nil
	case ".docx":
		return docx(pages)
	case ".pptx":
		return pptx(pages)
	case ".odp":
		return odf(`<office:presentation>`, `</office:presentation>`, pages, func(p string) string {
			return `<draw:page draw:name="p"><draw:frame><draw:text-box><text:p>` + p + `</text:p></draw:text-box></draw:frame></draw:page>`
		})
	case ".ods":
		return odf(`<office:spreadsheet>`, `</office:spreadsheet>`, pages, func(p string) string {
			return `<table:table table:name="t"><table:table-row><table:table-cell><text:p>` + p + `</text:p></table:table-cell></table:table-row></table:table>`
		})
	case ".xlsx":
		return xlsx(pages)
	default:
		return nil, fmt.Errorf("no fixture writer for %s", ext)
	}
}

func zipped(files map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		fw, err := w.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func docx(pages []string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range pages {
		b.WriteString(`<w:p><w:r><w:t>` + html.EscapeString(p) + `</w:t></w:r></w:p>`)
	}
	b.WriteString(`</w:body></w:document>`)
	return zipped(map[string]string{"word/document.xml": b.String()})
}

func pptx(pages []string) ([]byte, error) {
	files := make(map[string]string, len(pages))
	for i, p := range pages {
		files[fmt.Sprintf("ppt/slides/slide%d.xml", i+1)] = `<p:sld xmlns:p="p" xmlns:a="a"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>` +
			html.EscapeString(p) + `</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`
	}
	return zipped(files)
}

func odf(open, close string, pages []string, page func(string) string) ([]byte, error) {
	var b strings.Builder
	b.WriteString(`<office:document-content><office:body>` + open)
	for _, p := range pages {
		b.WriteString(page(html.EscapeString(p)))
	}
	b.WriteString(close + `</office:body></office:document-content>`)
	return zipped(map[string]string{"content.xml": b.String()})
}

func xlsx(pages []string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	for i, p := range pages {
		sheet := fmt.Sprintf("Sheet%d", i+1)
		if i > 0 {
			if _, err := f.NewSheet(sheet); err != nil {
				return nil, err
			}
		}
		if err := f.SetCellValue(sheet, "A1", p); err != nil {
			return nil, err
		}
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
