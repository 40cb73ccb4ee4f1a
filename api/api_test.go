package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/navexport/dbopen"
	"github.com/hazyhaar/navexport/export"
	"github.com/hazyhaar/navexport/frame"
	"github.com/hazyhaar/navexport/internal/navtest"
	"github.com/hazyhaar/navexport/journal"
	"github.com/hazyhaar/navexport/navigator"
	"github.com/hazyhaar/navexport/pdfdoc"
)

// fakeExporter records the items it receives and returns canned results.
type fakeExporter struct {
	items []export.Item
	err   error
}

func (f *fakeExporter) ExportPDF(_ context.Context, items []export.Item) (*export.Result, error) {
	f.items = items
	if f.err != nil {
		return nil, f.err
	}
	return &export.Result{ExportID: "exp_1", Pages: len(items), Artifact: export.Artifact{Export: "exp_1", Name: export.ArtifactName(len(items))}}, nil
}

func (f *fakeExporter) ExportSVG(_ context.Context, item export.Item) (*export.SVGResult, error) {
	f.items = []export.Item{item}
	if f.err != nil {
		return nil, f.err
	}
	return &export.SVGResult{ExportID: "exp_2", SVG: &export.SVG{URI: item.URI, Markup: "<svg></svg>"}}, nil
}

func (f *fakeExporter) DownloadSVG(_ context.Context, item export.Item) (*export.Artifact, error) {
	f.items = []export.Item{item}
	return &export.Artifact{Export: "exp_3", Name: "layer.svg"}, f.err
}

func (f *fakeExporter) Check(_ context.Context, items []export.Item) ([]error, error) {
	f.items = items
	errs := make([]error, len(items))
	for i, it := range items {
		if strings.Contains(it.URI, "broken") {
			errs[i] = navigator.ErrLayerLoad
		}
	}
	return errs, nil
}

func newTestServer(t *testing.T, exp Exporter) http.Handler {
	t.Helper()
	s, err := New(Config{Exporter: exp, LayersBase: "http://nav.local/api/files"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s.Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := do(t, newTestServer(t, &fakeExporter{}), "GET", "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health: got %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Trace-ID") == "" {
		t.Fatal("trace id header missing")
	}
}

func TestExportPDF_ResolvesItems(t *testing.T) {
	fx := &fakeExporter{}
	h := newTestServer(t, fx)

	body := `{"items":[
		{"uri":"http://other/layer.json","output_id":"first"},
		{"layer_id":"abc"},
		{"layer_ids":["a","b"]},
		{"layer_ids":["a"],"filters":{"domain":["ics-attack"]}}
	]}`
	w := do(t, h, "POST", "/api/exports/pdf", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	want := []string{
		"http://other/layer.json",
		"http://nav.local/api/files/abc",
		"http://nav.local/api/files/aggregate?id=a&id=b",
		"http://nav.local/api/files/aggregate?domain=ics-attack&id=a",
	}
	if len(fx.items) != len(want) {
		t.Fatalf("items: got %d, want %d", len(fx.items), len(want))
	}
	for i, u := range want {
		if fx.items[i].URI != u {
			t.Fatalf("item %d: got %q, want %q", i, fx.items[i].URI, u)
		}
	}
	if fx.items[0].OutputID != "first" {
		t.Fatalf("output id: got %q", fx.items[0].OutputID)
	}

	var res export.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Artifact.Name != "navigator_export_4_layers.pdf" {
		t.Fatalf("artifact: got %q", res.Artifact.Name)
	}
}

func TestErrorStatuses(t *testing.T) {
	batchErr := &export.BatchError{Items: []*export.ItemError{{Index: 1, OutputID: "two", URI: "u2", Err: navigator.ErrLayerLoad}}}

	tests := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"malformed_json", nil, `{"items":`, http.StatusBadRequest},
		{"unknown_field", nil, `{"itemz":[]}`, http.StatusBadRequest},
		{"no_items", nil, `{"items":[]}`, http.StatusBadRequest},
		{"empty_item", nil, `{"items":[{}]}`, http.StatusBadRequest},
		{"bad_layer_id", nil, `{"items":[{"layer_id":"../x"}]}`, http.StatusBadRequest},
		{"duplicate", export.ErrDuplicateOutput, `{"items":[{"uri":"u"}]}`, http.StatusBadRequest},
		{"batch", batchErr, `{"items":[{"uri":"u"}]}`, http.StatusUnprocessableEntity},
		{"timeout", fmt.Errorf("wait: %w", context.DeadlineExceeded), `{"items":[{"uri":"u"}]}`, http.StatusGatewayTimeout},
		{"internal", errors.New("disk full"), `{"items":[{"uri":"u"}]}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, newTestServer(t, &fakeExporter{err: tt.err}), "POST", "/api/exports/pdf", tt.body)
			if w.Code != tt.status {
				t.Fatalf("status: got %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			var body errorBody
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Fatalf("error body: got %q (%v)", w.Body.String(), err)
			}
			if tt.name == "batch" && (len(body.Failures) != 1 || body.Failures[0].OutputID != "two") {
				t.Fatalf("failures: got %+v", body.Failures)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	w := do(t, newTestServer(t, &fakeExporter{}), "POST", "/api/layers/check",
		`{"items":[{"uri":"http://x/good"},{"uri":"http://x/broken"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out []CheckResult
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || !out[0].OK || out[1].OK || out[1].Error == "" {
		t.Fatalf("results: got %+v", out)
	}
}

func TestSVGAndDownload(t *testing.T) {
	fx := &fakeExporter{}
	h := newTestServer(t, fx)

	if w := do(t, h, "POST", "/api/exports/svg", `{"layer_id":"abc"}`); w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), "<svg>") {
		t.Fatalf("svg: got %d %s", w.Code, w.Body.String())
	}
	if fx.items[0].URI != "http://nav.local/api/files/abc" {
		t.Fatalf("svg uri: got %q", fx.items[0].URI)
	}
	if w := do(t, h, "POST", "/api/exports/download", `{"uri":"http://x/l"}`); w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), "layer.svg") {
		t.Fatalf("download: got %d %s", w.Code, w.Body.String())
	}
}

func TestEndToEnd_PDFThenArtifact(t *testing.T) {
	srv := navtest.NewServer(t)
	frames := frame.NewManager(frame.Config{EntryURL: srv.EntryURL()})
	t.Cleanup(func() { frames.Close() })

	store, err := export.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	db := dbopen.OpenMemory(t, dbopen.WithSchema(journal.Schema))
	jr := journal.New(db)

	exp, err := export.New(export.Config{
		Frames: frames,
		Renderer: pdfdoc.RendererFunc(func(_ context.Context, p pdfdoc.Page) ([]byte, error) {
			return navtest.MinimalPDF(p.Box.Width, p.Box.Height), nil
		}),
		Artifacts:   store,
		Journal:     jr,
		ItemTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("export.New: %v", err)
	}
	s, err := New(Config{Exporter: exp, Artifacts: store, Journal: jr, LayersBase: srv.LayersBase(), DB: db})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := s.Router()

	w := do(t, h, "POST", "/api/exports/pdf", `{"items":[{"layer_id":"enterprise"},{"layer_id":"mobile"}]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("export: got %d %s", w.Code, w.Body.String())
	}
	var res export.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = do(t, h, "GET", "/api/exports/"+res.ExportID+"/artifacts/"+res.Artifact.Name, "")
	if w.Code != http.StatusOK {
		t.Fatalf("artifact: got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type: got %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")) {
		t.Fatalf("artifact is not a pdf: %q", w.Body.Bytes()[:min(16, w.Body.Len())])
	}

	w = do(t, h, "GET", "/api/exports/"+res.ExportID, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"succeeded"`) {
		t.Fatalf("journal entry: got %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, "GET", "/api/exports?limit=5", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), res.ExportID) {
		t.Fatalf("journal list: got %d %s", w.Code, w.Body.String())
	}

	if w := do(t, h, "GET", "/api/exports/exp_missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing export: got %d", w.Code)
	}
	if w := do(t, h, "GET", "/api/exports/"+res.ExportID+"/artifacts/nope.pdf", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing artifact: got %d", w.Code)
	}
}
