package source

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

// DefaultRasterDPI balances recognition accuracy against upload size.
const DefaultRasterDPI = 150

// FitzRasterizer renders PDF pages to PNG via MuPDF.
type FitzRasterizer struct {
	doc *fitz.Document
	dpi float64
}

// OpenRasterizer opens a PDF for page rendering at the given DPI.
// A dpi of 0 uses DefaultRasterDPI.
func OpenRasterizer(path string, dpi float64) (*FitzRasterizer, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF for rendering: %w", err)
	}
	if dpi <= 0 {
		dpi = DefaultRasterDPI
	}
	return &FitzRasterizer{doc: doc, dpi: dpi}, nil
}

// RenderPNG rasterizes one page (1-based) to PNG bytes.
func (r *FitzRasterizer) RenderPNG(page int) ([]byte, error) {
	if page < 1 || page > r.doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range (1-%d)", page, r.doc.NumPage())
	}

	img, err := r.doc.ImageDPI(page-1, r.dpi)
	if err != nil {
		return nil, fmt.Errorf("rendering page %d: %w", page, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding page %d: %w", page, err)
	}
	return buf.Bytes(), nil
}

func (r *FitzRasterizer) Close() error {
	return r.doc.Close()
}
