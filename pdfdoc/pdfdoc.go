// Package pdfdoc turns SVG pages into one paginated PDF. Each page is
// printed on its own at exactly its SVG size, then the single-page PDFs
// are merged in order.
package pdfdoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrEmpty is returned when saving a document without pages.
var ErrEmpty = errors.New("pdfdoc: document has no pages")

// Page is one vector page to print.
type Page struct {
	Markup string
	Box    Box
}

// NewPage derives the page size from the markup.
func NewPage(markup string) (Page, error) {
	box, err := ParseBox(markup)
	if err != nil {
		return Page{}, err
	}
	return Page{Markup: markup, Box: box}, nil
}

// Renderer prints one page to a single-page PDF.
type Renderer interface {
	Render(ctx context.Context, p Page) ([]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, p Page) ([]byte, error)

func (f RendererFunc) Render(ctx context.Context, p Page) ([]byte, error) { return f(ctx, p) }

// Document collects printed pages. Pages are kept in insertion order.
// Safe for concurrent use.
type Document struct {
	mu    sync.Mutex
	pages [][]byte
	boxes []Box
}

// New creates an empty document.
func New() *Document { return &Document{} }

// AddPage prints p with r and appends it.
func (d *Document) AddPage(ctx context.Context, r Renderer, p Page) error {
	data, err := r.Render(ctx, p)
	if err != nil {
		return fmt.Errorf("pdfdoc: render %s page: %w", p.Box, err)
	}
	return d.AddPDF(data, p.Box)
}

// AddPDF appends an already printed single-page PDF.
func (d *Document) AddPDF(data []byte, box Box) error {
	n, err := api.PageCount(bytes.NewReader(data), conf())
	if err != nil {
		return fmt.Errorf("pdfdoc: read page: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("pdfdoc: printed page has %d pages, want 1", n)
	}
	d.mu.Lock()
	d.pages = append(d.pages, data)
	d.boxes = append(d.boxes, box)
	d.mu.Unlock()
	return nil
}

// PageCount returns the number of pages added so far.
func (d *Document) PageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pages)
}

// Boxes returns the page sizes in order.
func (d *Document) Boxes() []Box {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Box(nil), d.boxes...)
}

// Save writes the merged document to w.
func (d *Document) Save(w io.Writer) error {
	d.mu.Lock()
	pages := append([][]byte(nil), d.pages...)
	d.mu.Unlock()

	switch len(pages) {
	case 0:
		return ErrEmpty
	case 1:
		_, err := w.Write(pages[0])
		return err
	}

	rsc := make([]io.ReadSeeker, len(pages))
	for i, p := range pages {
		rsc[i] = bytes.NewReader(p)
	}
	if err := api.MergeRaw(rsc, w, false, conf()); err != nil {
		return fmt.Errorf("pdfdoc: merge %d pages: %w", len(pages), err)
	}
	return nil
}

// Bytes returns the merged document.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Save(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func conf() *model.Configuration {
	c := model.NewDefaultConfiguration()
	c.ValidationMode = model.ValidationRelaxed
	return c
}
