// Package export runs Navigator automation over batches of layers. Every
// item gets a fresh frame and session; a batch succeeds only if every
// item does, and its pages keep the input order.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/navexport/foreign"
	"github.com/hazyhaar/navexport/frame"
	"github.com/hazyhaar/navexport/horosafe"
	"github.com/hazyhaar/navexport/idgen"
	"github.com/hazyhaar/navexport/journal"
	"github.com/hazyhaar/navexport/navigator"
	"github.com/hazyhaar/navexport/pdfdoc"
)

// Item is one layer to export.
type Item struct {
	URI string `json:"uri"`
	// OutputID names the item's result. Generated when empty.
	OutputID string `json:"output_id,omitempty"`
}

// SVG is the vector image of one layer.
type SVG struct {
	OutputID string     `json:"output_id"`
	URI      string     `json:"uri"`
	Markup   string     `json:"markup"`
	Box      pdfdoc.Box `json:"box"`
}

// Result is a finished PDF batch.
type Result struct {
	ExportID string       `json:"export_id"`
	Artifact Artifact     `json:"artifact"`
	Pages    int          `json:"pages"`
	Boxes    []pdfdoc.Box `json:"boxes"`
}

// SVGResult is a finished single-layer SVG export.
type SVGResult struct {
	ExportID string   `json:"export_id"`
	SVG      *SVG     `json:"svg"`
	Artifact Artifact `json:"artifact"`
}

// Config configures an Exporter.
type Config struct {
	Frames    *frame.Manager
	Renderer  pdfdoc.Renderer
	Artifacts ArtifactStore

	// Journal records every run. Optional.
	Journal *journal.Store

	// Concurrency bounds the frames alive at once. Default: 4.
	Concurrency int

	// ItemTimeout bounds one item from frame creation to result. Default: 60s.
	ItemTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Exporter runs exports.
type Exporter struct {
	cfg Config
}

// New creates an Exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Frames == nil {
		return nil, errors.New("export: Frames is required")
	}
	if cfg.Artifacts == nil {
		return nil, errors.New("export: Artifacts is required")
	}
	cfg.defaults()
	return &Exporter{cfg: cfg}, nil
}

// ArtifactName is the file name of a PDF batch of n layers.
func ArtifactName(n int) string {
	return fmt.Sprintf("navigator_export_%d_layers.pdf", n)
}

// ExportPDF exports every item as an SVG page and stores them as one PDF.
// If any item fails nothing is stored and the error is a *BatchError.
func (e *Exporter) ExportPDF(ctx context.Context, items []Item) (*Result, error) {
	if e.cfg.Renderer == nil {
		return nil, errors.New("export: no page renderer configured")
	}
	items, err := normalize(items)
	if err != nil {
		return nil, err
	}
	run, err := e.begin(ctx, journal.KindPDF, items)
	if err != nil {
		return nil, err
	}
	log := e.cfg.Logger.With("export", run, "items", len(items))
	log.Info("export: pdf batch started")

	res, err := e.exportPDF(ctx, run, items)
	e.finish(run, res, err)
	if err != nil {
		log.Warn("export: pdf batch failed", "error", err)
		return nil, err
	}
	log.Info("export: pdf batch done", "artifact", res.Artifact.Name, "bytes", res.Artifact.Size)
	return res, nil
}

func (e *Exporter) exportPDF(ctx context.Context, run string, items []Item) (*Result, error) {
	svgs := make([]*SVG, len(items))
	var (
		mu       sync.Mutex
		failures []*ItemError
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			svg, err := e.exportSVG(gctx, run, i, it)
			if err != nil {
				// Items cut short by a sibling's failure are not failures
				// of their own.
				if gctx.Err() != nil {
					return err
				}
				mu.Lock()
				failures = append(failures, &ItemError{Index: i, OutputID: it.OutputID, URI: it.URI, Err: err})
				mu.Unlock()
				return err
			}
			svgs[i] = svg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(failures) == 0 {
			return nil, err
		}
		slices.SortFunc(failures, func(a, b *ItemError) int { return a.Index - b.Index })
		return nil, &BatchError{Items: failures}
	}

	doc := pdfdoc.New()
	for i, svg := range svgs {
		page := pdfdoc.Page{Markup: svg.Markup, Box: svg.Box}
		if err := doc.AddPage(ctx, e.cfg.Renderer, page); err != nil {
			return nil, &BatchError{Items: []*ItemError{{Index: i, OutputID: svg.OutputID, URI: svg.URI, Err: err}}}
		}
	}
	data, err := doc.Bytes()
	if err != nil {
		return nil, err
	}
	art, err := e.cfg.Artifacts.Put(ctx, run, ArtifactName(len(items)), data)
	if err != nil {
		return nil, err
	}
	return &Result{ExportID: run, Artifact: art, Pages: doc.PageCount(), Boxes: doc.Boxes()}, nil
}

// ExportSVG exports one layer and stores its markup as <output_id>.svg.
func (e *Exporter) ExportSVG(ctx context.Context, item Item) (*SVGResult, error) {
	items, err := normalize([]Item{item})
	if err != nil {
		return nil, err
	}
	item = items[0]
	run, err := e.begin(ctx, journal.KindSVG, items)
	if err != nil {
		return nil, err
	}

	res, err := func() (*SVGResult, error) {
		svg, err := e.exportSVG(ctx, run, 0, item)
		if err != nil {
			return nil, err
		}
		art, err := e.cfg.Artifacts.Put(ctx, run, item.OutputID+".svg", []byte(svg.Markup))
		if err != nil {
			return nil, err
		}
		return &SVGResult{ExportID: run, SVG: svg, Artifact: art}, nil
	}()
	if res != nil {
		e.finishArtifact(run, res.Artifact.Name, 1, nil)
	} else {
		e.finishArtifact(run, "", 0, err)
	}
	return res, err
}

// DownloadSVG lets the app save the layer itself and stores the file it
// produced under the name it chose.
func (e *Exporter) DownloadSVG(ctx context.Context, item Item) (*Artifact, error) {
	items, err := normalize([]Item{item})
	if err != nil {
		return nil, err
	}
	item = items[0]
	run, err := e.begin(ctx, journal.KindDownload, items)
	if err != nil {
		return nil, err
	}

	art, err := e.download(ctx, run, item)
	if err != nil {
		e.finishArtifact(run, "", 0, err)
		return nil, err
	}
	e.finishArtifact(run, art.Name, 1, nil)
	return &art, nil
}

func (e *Exporter) download(ctx context.Context, run string, item Item) (Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
	defer cancel()

	f, s, err := e.open(ctx, run, item, navigator.ModeExport)
	if err != nil {
		return Artifact{}, err
	}
	defer e.cfg.Frames.Remove(ctx, f)

	if err := s.DownloadSVG(ctx); err != nil {
		return Artifact{}, err
	}
	var d foreign.Download
	select {
	case got, ok := <-f.Window.Downloads():
		if !ok {
			return Artifact{}, ErrNoDownload
		}
		d = got
	case <-ctx.Done():
		return Artifact{}, ctx.Err()
	}
	return e.cfg.Artifacts.Put(ctx, run, sanitizeName(d.Filename, item.OutputID+".svg"), d.Data)
}

// exportSVG runs one item in its own frame and serializes the captured
// SVG element.
func (e *Exporter) exportSVG(ctx context.Context, run string, index int, item Item) (*SVG, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
	defer cancel()

	f, s, err := e.open(ctx, run, item, navigator.ModeExport)
	if err != nil {
		return nil, err
	}
	defer e.cfg.Frames.Remove(ctx, f)

	el, err := s.GetSVG(ctx)
	if err != nil {
		return nil, err
	}
	var markup string
	err = f.Window.Do(ctx, func(_ *goja.Runtime) error {
		var err error
		markup, err = el.OuterHTML()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("export: serialize svg: %w", err)
	}
	box, err := pdfdoc.ParseBox(markup)
	if err != nil {
		return nil, err
	}
	e.cfg.Logger.Debug("export: item captured", "export", run, "index", index, "output", item.OutputID, "box", box.String())
	return &SVG{OutputID: item.OutputID, URI: item.URI, Markup: markup, Box: box}, nil
}

// open replaces the item's frame and registers a session on it. Frames
// are named per run so concurrent runs never share one.
func (e *Exporter) open(ctx context.Context, run string, item Item, mode navigator.Mode) (*frame.Frame, *navigator.Session, error) {
	f, err := e.cfg.Frames.Replace(ctx, run+"-"+item.OutputID)
	if err != nil {
		return nil, nil, err
	}
	s, err := navigator.New(ctx, navigator.Options{
		Window:   f.Window,
		LayerURI: item.URI,
		Mode:     mode,
		Logger:   e.cfg.Logger,
	})
	if err != nil {
		e.cfg.Frames.Remove(ctx, f)
		return nil, nil, err
	}
	return f, s, nil
}

// Check loads each layer in view mode and reports per-item errors.
func (e *Exporter) Check(ctx context.Context, items []Item) ([]error, error) {
	items, err := normalize(items)
	if err != nil {
		return nil, err
	}
	run := newExportID()
	errs := make([]error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, it := range items {
		g.Go(func() error {
			ictx, cancel := context.WithTimeout(gctx, e.cfg.ItemTimeout)
			defer cancel()
			f, s, err := e.open(ictx, run, it, navigator.ModeView)
			if err != nil {
				errs[i] = err
				return nil
			}
			defer e.cfg.Frames.Remove(ictx, f)
			errs[i] = s.Load(ictx)
			return nil
		})
	}
	g.Wait()
	return errs, ctx.Err()
}

func (e *Exporter) begin(ctx context.Context, kind string, items []Item) (string, error) {
	if e.cfg.Journal == nil {
		return newExportID(), nil
	}
	uris := make([]string, len(items))
	for i, it := range items {
		uris[i] = it.URI
	}
	entry, err := e.cfg.Journal.Begin(ctx, kind, uris)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (e *Exporter) finish(run string, res *Result, err error) {
	if res != nil {
		e.finishArtifact(run, res.Artifact.Name, res.Pages, nil)
		return
	}
	e.finishArtifact(run, "", 0, err)
}

func (e *Exporter) finishArtifact(run, artifact string, pages int, err error) {
	if e.cfg.Journal == nil {
		return
	}
	// The run's context may be gone; the record must still be closed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if jerr := e.cfg.Journal.Finish(ctx, run, artifact, pages, err); jerr != nil {
		e.cfg.Logger.Error("export: journal finish failed", "export", run, "error", jerr)
	}
}

// normalize validates output ids and fills in missing ones.
func normalize(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	out := make([]Item, len(items))
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.URI) == "" {
			return nil, fmt.Errorf("export: item %d: empty uri", i)
		}
		if it.OutputID == "" {
			it.OutputID = fmt.Sprintf("item%d_%s", i+1, newOutputID())
		}
		if err := horosafe.ValidateIdentifier(it.OutputID); err != nil {
			return nil, fmt.Errorf("export: item %d: output id: %w", i, err)
		}
		if seen[it.OutputID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateOutput, it.OutputID)
		}
		seen[it.OutputID] = true
		out[i] = it
	}
	return out, nil
}

// sanitizeName maps a foreign-chosen file name onto the identifier
// alphabet.
func sanitizeName(name, fallback string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	s = strings.Trim(s, ".")
	if s == "" || horosafe.ValidateIdentifier(s) != nil {
		return fallback
	}
	return s
}

var (
	newExportID = idgen.Prefixed("exp_", idgen.Default)
	newOutputID = idgen.NanoID(6)
)
