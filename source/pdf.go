package source

import (
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFTextLayer extracts embedded text from a PDF's native text layer.
type PDFTextLayer struct {
	file   *os.File
	reader *pdf.Reader
}

// OpenTextLayer opens a PDF for per-page text extraction.
func OpenTextLayer(path string) (*PDFTextLayer, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	return &PDFTextLayer{file: f, reader: reader}, nil
}

func (t *PDFTextLayer) NumPages() int {
	return t.reader.NumPage()
}

// PageText returns the plain text of one page. Pages with no text layer
// (pure scans) return an empty string, not an error.
func (t *PDFTextLayer) PageText(page int) (string, error) {
	if page < 1 || page > t.reader.NumPage() {
		return "", fmt.Errorf("page %d out of range (1-%d)", page, t.reader.NumPage())
	}

	p := t.reader.Page(page)
	if p.V.IsNull() {
		return "", nil
	}

	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extracting text layer: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (t *PDFTextLayer) Close() error {
	return t.file.Close()
}
