package scanning

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/go-fitz"
)

// DefaultRenderScale renders pages at twice the nominal 72 DPI, which keeps
// small receipt print legible for the model.
const DefaultRenderScale = 2.0

const nominalDPI = 72.0

// Page is one rasterized PDF page. Image is nil when Err is set.
type Page struct {
	Number int    // 1-based
	Image  []byte // PNG
	Err    error
}

// Rasterizer turns a PDF document into page images
type Rasterizer interface {
	// PageCount returns the number of pages in the document
	PageCount(data []byte) (int, error)
	// Rasterize renders every page in order. A page that fails to render is
	// still returned, carrying Err instead of an image.
	Rasterize(data []byte) ([]Page, error)
}

// FitzRasterizer renders pages with MuPDF
type FitzRasterizer struct {
	Scale float64
}

// NewFitzRasterizer creates a rasterizer; a non-positive scale uses DefaultRenderScale
func NewFitzRasterizer(scale float64) *FitzRasterizer {
	if scale <= 0 {
		scale = DefaultRenderScale
	}
	return &FitzRasterizer{Scale: scale}
}

// PageCount returns the number of pages in the document
func (r *FitzRasterizer) PageCount(data []byte) (int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return 0, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// Rasterize renders every page of the document as PNG
func (r *FitzRasterizer) Rasterize(data []byte) ([]Page, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	pages := make([]Page, 0, n)
	for i := 0; i < n; i++ {
		page := Page{Number: i + 1}
		page.Image, page.Err = r.renderPage(doc, i)
		if page.Err != nil {
			slog.Warn("Failed to render PDF page", "page", page.Number, "error", page.Err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// renderPage renders and encodes a single page. The raster buffer is only
// referenced inside this call so it can be collected before the next page.
func (r *FitzRasterizer) renderPage(doc *fitz.Document, index int) (png []byte, err error) {
	defer func() {
		// MuPDF errors on damaged pages occasionally surface as panics in the binding
		if rec := recover(); rec != nil {
			png, err = nil, fmt.Errorf("rendering page %d: %v", index+1, rec)
		}
	}()

	img, err := doc.ImageDPI(index, nominalDPI*r.Scale)
	if err != nil {
		return nil, fmt.Errorf("rendering page %d: %w", index+1, err)
	}
	return encodePNG(img)
}
