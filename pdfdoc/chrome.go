package pdfdoc

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/hazyhaar/navexport/horosafe"
	"github.com/hazyhaar/navexport/internal/browser"
)

// pageTemplate prints the SVG alone on a page of its own size.
const pageTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><style>
@page { size: %gin %gin; margin: 0 }
html, body { margin: 0; padding: 0 }
svg { display: block }
</style></head><body>%s</body></html>`

// ChromeRenderer prints pages with headless Chrome.
type ChromeRenderer struct {
	mgr    *browser.Manager
	max    int64
	logger *slog.Logger
}

// NewChromeRenderer prints through pages of mgr.
func NewChromeRenderer(mgr *browser.Manager, logger *slog.Logger) *ChromeRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeRenderer{mgr: mgr, max: horosafe.MaxResponseBody, logger: logger}
}

// printOptions describes the paper in portrait order and lets Chrome turn
// it for landscape boxes.
func printOptions(b Box) *proto.PagePrintToPDF {
	w, h := b.Inches()
	if w > h {
		w, h = h, w
	}
	return &proto.PagePrintToPDF{
		Landscape:         b.Orientation() == Landscape,
		PrintBackground:   true,
		PreferCSSPageSize: true,
		PaperWidth:        gson.Num(w),
		PaperHeight:       gson.Num(h),
		MarginTop:         gson.Num(0),
		MarginBottom:      gson.Num(0),
		MarginLeft:        gson.Num(0),
		MarginRight:       gson.Num(0),
	}
}

func (r *ChromeRenderer) Render(ctx context.Context, p Page) ([]byte, error) {
	page, err := r.mgr.Page(ctx)
	if err != nil {
		return nil, err
	}
	defer page.Close()

	w, h := p.Box.Inches()
	if err := page.SetDocumentContent(fmt.Sprintf(pageTemplate, w, h, p.Markup)); err != nil {
		return nil, fmt.Errorf("pdfdoc: set content: %w", err)
	}

	stream, err := page.PDF(printOptions(p.Box))
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: print: %w", err)
	}
	data, err := horosafe.LimitedReadAll(io.Reader(stream), r.max)
	if err != nil {
		return nil, fmt.Errorf("pdfdoc: read printed page: %w", err)
	}
	r.logger.Debug("pdfdoc: page printed", "box", p.Box.String(), "bytes", len(data))
	return data, nil
}
