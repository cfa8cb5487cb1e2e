package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
)

// openZip opens an OOXML or OpenDocument package.
func openZip(content []byte, format string) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract %s: not a zip: %w", format, err)
	}
	return zr, nil
}

// readZipEntry returns the bytes of the named entry, or nil when it does not exist.
func readZipEntry(zr *zip.Reader, name, format string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("extract %s: open %s: %w", format, f.Name, err)
		}
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("extract %s: read %s: %w", format, f.Name, err)
		}
		return buf.Bytes(), nil
	}
	return nil, nil
}
