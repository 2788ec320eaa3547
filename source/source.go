// Package source materializes the page inputs the pipeline consumes.
//
// Section boundaries are decided upstream and arrive as a manifest; this
// package only loads what the manifest names: the embedded text layer and
// a rasterized image for every page of every section.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PageSource is the immutable input for one page. Created once at load
// time; never mutated by the pipeline.
type PageSource struct {
	SectionID    string // owning section identifier
	Index        int    // 1-based page index within the section
	PDFPage      int    // absolute 1-based page number in the source document
	Image        []byte // PNG raster, used for recognition fallback and generation submission
	EmbeddedText string // native text layer content, may be empty
}

// Ref returns a stable identifier for logging and artifact paths.
func (p PageSource) Ref() string {
	return fmt.Sprintf("%s/page-%d", p.SectionID, p.Index)
}

// Section is an ordered run of pages processed and aggregated as one unit.
type Section struct {
	ID    string
	Title string
	Pages []PageSource
}

// Book is the full set of sections loaded from one manifest.
type Book struct {
	Path         string // source document path
	ManifestPath string // manifest the sections came from
	Sections     []Section
}

// TextLayer extracts embedded text for single pages.
type TextLayer interface {
	NumPages() int
	PageText(page int) (string, error) // 1-based absolute page
	Close() error
}

// Rasterizer renders single pages to PNG.
type Rasterizer interface {
	RenderPNG(page int) ([]byte, error) // 1-based absolute page
	Close() error
}

// Load materializes a Book from a manifest using the given text layer and
// rasterizer. Pages whose text layer fails to extract get an empty embedded
// text (the extraction tier logic downstream decides what to do about it);
// a raster failure is fatal because the generation service cannot be called
// without the page image.
func Load(ctx context.Context, m *Manifest, text TextLayer, raster Rasterizer) (*Book, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	total := text.NumPages()
	book := &Book{Path: m.PDF, ManifestPath: m.Path}

	start := time.Now()
	for _, ms := range m.Sections {
		if ms.End > total {
			return nil, fmt.Errorf("section %s: page range %d-%d exceeds document (%d pages)",
				ms.ID, ms.Start, ms.End, total)
		}

		sec := Section{ID: ms.ID, Title: ms.Title}
		for abs := ms.Start; abs <= ms.End; abs++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			txt, err := text.PageText(abs)
			if err != nil {
				slog.Warn("source: text layer extraction failed",
					"section", ms.ID, "page", abs, "error", err)
				txt = ""
			}

			img, err := raster.RenderPNG(abs)
			if err != nil {
				return nil, fmt.Errorf("rendering page %d: %w", abs, err)
			}

			sec.Pages = append(sec.Pages, PageSource{
				SectionID:    ms.ID,
				Index:        abs - ms.Start + 1,
				PDFPage:      abs,
				Image:        img,
				EmbeddedText: txt,
			})
		}
		book.Sections = append(book.Sections, sec)
	}

	slog.Info("source: book loaded",
		"path", m.PDF, "sections", len(book.Sections),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return book, nil
}
