package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/navexport/export"
	"github.com/hazyhaar/navexport/kit"
	"github.com/hazyhaar/navexport/layeruri"
)

// Exporter is the export service behind the API.
type Exporter interface {
	ExportPDF(ctx context.Context, items []export.Item) (*export.Result, error)
	ExportSVG(ctx context.Context, item export.Item) (*export.SVGResult, error)
	DownloadSVG(ctx context.Context, item export.Item) (*export.Artifact, error)
	Check(ctx context.Context, items []export.Item) ([]error, error)
}

// ErrBadRequest marks request errors the caller can fix.
var ErrBadRequest = errors.New("bad request")

// ItemRequest names one layer: a full locator, a stored layer id, or a
// set of ids (and filters) merged by the aggregate route.
type ItemRequest struct {
	URI      string              `json:"uri,omitempty"`
	LayerID  string              `json:"layer_id,omitempty"`
	LayerIDs []string            `json:"layer_ids,omitempty"`
	Filters  map[string][]string `json:"filters,omitempty"`
	OutputID string              `json:"output_id,omitempty"`
}

// BatchRequest is the body of the batch endpoints.
type BatchRequest struct {
	Items []ItemRequest `json:"items"`
}

// CheckResult is the outcome of loading one layer.
type CheckResult struct {
	URI   string `json:"uri"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Endpoints are the transport-neutral operations of the API.
type Endpoints struct {
	PDF      kit.Endpoint // *BatchRequest -> *export.Result
	SVG      kit.Endpoint // *ItemRequest  -> *export.SVGResult
	Download kit.Endpoint // *ItemRequest  -> *export.Artifact
	Check    kit.Endpoint // *BatchRequest -> []CheckResult
}

// NewEndpoints builds the endpoints. layersBase resolves layer ids; it may
// be empty when callers always send full locators.
func NewEndpoints(exp Exporter, layersBase string, logger *slog.Logger) Endpoints {
	if logger == nil {
		logger = slog.Default()
	}
	res := resolver{base: layersBase}
	wrap := func(name string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(logger, name))(ep)
	}

	return Endpoints{
		PDF: wrap("export_pdf", func(ctx context.Context, req any) (any, error) {
			items, err := res.batch(req.(*BatchRequest))
			if err != nil {
				return nil, err
			}
			return exp.ExportPDF(ctx, items)
		}),
		SVG: wrap("export_svg", func(ctx context.Context, req any) (any, error) {
			item, err := res.item(req.(*ItemRequest))
			if err != nil {
				return nil, err
			}
			return exp.ExportSVG(ctx, item)
		}),
		Download: wrap("download_svg", func(ctx context.Context, req any) (any, error) {
			item, err := res.item(req.(*ItemRequest))
			if err != nil {
				return nil, err
			}
			return exp.DownloadSVG(ctx, item)
		}),
		Check: wrap("check_layers", func(ctx context.Context, req any) (any, error) {
			items, err := res.batch(req.(*BatchRequest))
			if err != nil {
				return nil, err
			}
			errs, err := exp.Check(ctx, items)
			if err != nil {
				return nil, err
			}
			out := make([]CheckResult, len(items))
			for i, it := range items {
				out[i] = CheckResult{URI: it.URI, OK: errs[i] == nil}
				if errs[i] != nil {
					out[i].Error = errs[i].Error()
				}
			}
			return out, nil
		}),
	}
}

type resolver struct {
	base string
}

func (r resolver) batch(req *BatchRequest) ([]export.Item, error) {
	if req == nil || len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, export.ErrNoItems)
	}
	items := make([]export.Item, len(req.Items))
	for i := range req.Items {
		it, err := r.item(&req.Items[i])
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items[i] = it
	}
	return items, nil
}

func (r resolver) item(req *ItemRequest) (export.Item, error) {
	if req == nil {
		return export.Item{}, fmt.Errorf("%w: empty item", ErrBadRequest)
	}
	uri, err := r.uri(req)
	if err != nil {
		return export.Item{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return export.Item{URI: uri, OutputID: req.OutputID}, nil
}

func (r resolver) uri(req *ItemRequest) (string, error) {
	switch {
	case req.URI != "":
		return req.URI, nil
	case r.base == "" && (req.LayerID != "" || len(req.LayerIDs) > 0 || len(req.Filters) > 0):
		return "", errors.New("layer ids given but no layers base is configured")
	case req.LayerID != "":
		return layeruri.FileURI(r.base, req.LayerID)
	case len(req.Filters) > 0:
		return layeruri.AggregateURI(r.base, req.LayerIDs, req.Filters)
	case len(req.LayerIDs) > 0:
		return layeruri.ForIDs(r.base, req.LayerIDs)
	}
	return "", errors.New("item needs uri, layer_id or layer_ids")
}
