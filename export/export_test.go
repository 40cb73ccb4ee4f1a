package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/navexport/dbopen"
	"github.com/hazyhaar/navexport/frame"
	"github.com/hazyhaar/navexport/internal/navtest"
	"github.com/hazyhaar/navexport/journal"
	"github.com/hazyhaar/navexport/navigator"
	"github.com/hazyhaar/navexport/pdfdoc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fixture struct {
	srv      *navtest.Server
	exp      *Exporter
	store    *DirStore
	journal  *journal.Store
	rendered []pdfdoc.Box
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{srv: navtest.NewServer(t)}

	frames := frame.NewManager(frame.Config{EntryURL: fx.srv.EntryURL()})
	t.Cleanup(func() { frames.Close() })

	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	fx.store = store
	fx.journal = journal.New(dbopen.OpenMemory(t, dbopen.WithSchema(journal.Schema)))

	renderer := pdfdoc.RendererFunc(func(_ context.Context, p pdfdoc.Page) ([]byte, error) {
		fx.rendered = append(fx.rendered, p.Box)
		return navtest.MinimalPDF(p.Box.Width, p.Box.Height), nil
	})

	fx.exp, err = New(Config{
		Frames:      frames,
		Renderer:    renderer,
		Artifacts:   store,
		Journal:     fx.journal,
		Concurrency: 3,
		ItemTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fx
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestExportPDF_PagesInInputOrder(t *testing.T) {
	fx := newFixture(t)
	items := []Item{
		{URI: fx.srv.LayerURL(navtest.LayerSlow), OutputID: "slow"},
		{URI: fx.srv.LayerURL(navtest.LayerMobile), OutputID: "mobile"},
		{URI: fx.srv.LayerURL(navtest.LayerICS), OutputID: "ics"},
	}
	want := []pdfdoc.Box{{Width: 960, Height: 540}, {Width: 480, Height: 640}, {Width: 800, Height: 600}}

	res, err := fx.exp.ExportPDF(testContext(t), items)
	if err != nil {
		t.Fatalf("ExportPDF: %v", err)
	}
	if res.Artifact.Name != "navigator_export_3_layers.pdf" {
		t.Fatalf("artifact: got %q", res.Artifact.Name)
	}
	if res.Pages != 3 {
		t.Fatalf("pages: got %d, want 3", res.Pages)
	}
	// WHY: the slow layer finishes last but must stay the first page.
	for i, b := range want {
		if res.Boxes[i] != b {
			t.Fatalf("box %d: got %v, want %v", i, res.Boxes[i], b)
		}
	}

	rc, art, err := fx.store.Open(res.ExportID, res.Artifact.Name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if art.MIMEType != "application/pdf" || art.Size != int64(len(data)) {
		t.Fatalf("artifact meta: got %+v", art)
	}
	dims, err := api.PageDims(bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("PageDims: %v", err)
	}
	if len(dims) != 3 {
		t.Fatalf("pdf pages: got %d, want 3", len(dims))
	}
	for i, b := range want {
		w, h := b.Points()
		if math.Abs(dims[i].Width-w) > 0.5 || math.Abs(dims[i].Height-h) > 0.5 {
			t.Fatalf("page %d: got %vx%v pt, want %vx%v", i+1, dims[i].Width, dims[i].Height, w, h)
		}
	}

	entry, err := fx.journal.Get(context.Background(), res.ExportID)
	if err != nil {
		t.Fatalf("journal Get: %v", err)
	}
	if entry.Status != journal.StatusSucceeded || entry.Pages != 3 || entry.Artifact != res.Artifact.Name {
		t.Fatalf("journal: got %+v", entry)
	}
}

func TestExportPDF_AllOrNothing(t *testing.T) {
	fx := newFixture(t)
	items := []Item{
		{URI: fx.srv.LayerURL(navtest.LayerEnterprise), OutputID: "one"},
		{URI: fx.srv.LayerURL(navtest.LayerMissing), OutputID: "two"},
		{URI: fx.srv.LayerURL(navtest.LayerMobile), OutputID: "three"},
	}

	_, err := fx.exp.ExportPDF(testContext(t), items)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("ExportPDF: got %v, want *BatchError", err)
	}
	if len(be.Items) != 1 || be.Items[0].Index != 1 || be.Items[0].OutputID != "two" {
		t.Fatalf("failures: got %v", be)
	}
	if !errors.Is(err, navigator.ErrLayerLoad) {
		t.Fatalf("cause: got %v, want ErrLayerLoad", err)
	}

	if len(fx.rendered) != 0 {
		t.Fatalf("renderer called %d times on a failed batch", len(fx.rendered))
	}
	entries, err := os.ReadDir(fx.store.Root())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("artifacts stored for a failed batch: %v", entries)
	}

	list, err := fx.journal.List(context.Background(), 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("journal List: got %v, %v", list, err)
	}
	if list[0].Status != journal.StatusFailed || !strings.Contains(list[0].Error, "two") {
		t.Fatalf("journal: got %+v", list[0])
	}
}

func TestExportPDF_InputErrors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	uri := fx.srv.LayerURL(navtest.LayerEnterprise)

	tests := []struct {
		name  string
		items []Item
		want  error
	}{
		{"empty", nil, ErrNoItems},
		{"duplicate", []Item{{URI: uri, OutputID: "a"}, {URI: uri, OutputID: "a"}}, ErrDuplicateOutput},
	}
	for _, tt := range tests {
		if _, err := fx.exp.ExportPDF(ctx, tt.items); !errors.Is(err, tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
	if _, err := fx.exp.ExportPDF(ctx, []Item{{URI: uri, OutputID: "../x"}}); err == nil {
		t.Fatal("unsafe output id accepted")
	}
	if _, err := fx.exp.ExportPDF(ctx, []Item{{URI: " "}}); err == nil {
		t.Fatal("empty uri accepted")
	}
}

func TestNormalize_GeneratesIDs(t *testing.T) {
	items, err := normalize([]Item{{URI: "u"}, {URI: "u", OutputID: "given"}, {URI: "u"}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.HasPrefix(items[0].OutputID, "item1_") || items[1].OutputID != "given" || !strings.HasPrefix(items[2].OutputID, "item3_") {
		t.Fatalf("ids: got %q, %q, %q", items[0].OutputID, items[1].OutputID, items[2].OutputID)
	}
}

func TestExportSVG(t *testing.T) {
	fx := newFixture(t)
	res, err := fx.exp.ExportSVG(testContext(t), Item{URI: fx.srv.LayerURL(navtest.LayerEnterprise), OutputID: "ent"})
	if err != nil {
		t.Fatalf("ExportSVG: %v", err)
	}
	if res.SVG.Box != (pdfdoc.Box{Width: 640, Height: 480}) {
		t.Fatalf("box: got %v", res.SVG.Box)
	}
	if !strings.Contains(res.SVG.Markup, `xmlns="http://www.w3.org/2000/svg"`) {
		t.Fatalf("markup lacks namespace: %q", res.SVG.Markup)
	}
	if res.Artifact.Name != "ent.svg" || res.Artifact.MIMEType != "image/svg+xml" {
		t.Fatalf("artifact: got %+v", res.Artifact)
	}
}

func TestDownloadSVG(t *testing.T) {
	fx := newFixture(t)
	art, err := fx.exp.DownloadSVG(testContext(t), Item{URI: fx.srv.LayerURL(navtest.LayerICS)})
	if err != nil {
		t.Fatalf("DownloadSVG: %v", err)
	}
	if art.Name != "ICS_Heatmap.svg" {
		t.Fatalf("name: got %q", art.Name)
	}
	rc, _, err := fx.store.Open(art.Export, art.Name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if !strings.Contains(string(data), `width="800"`) {
		t.Fatalf("downloaded svg: got %q", data)
	}
}

func TestCheck(t *testing.T) {
	fx := newFixture(t)
	errs, err := fx.exp.Check(testContext(t), []Item{
		{URI: fx.srv.LayerURL(navtest.LayerEnterprise)},
		{URI: fx.srv.LayerURL(navtest.LayerBroken)},
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if errs[0] != nil {
		t.Fatalf("enterprise: %v", errs[0])
	}
	if !errors.Is(errs[1], navigator.ErrLayerLoad) {
		t.Fatalf("broken: got %v, want ErrLayerLoad", errs[1])
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ICS_Heatmap.svg", "ICS_Heatmap.svg"},
		{"ATT&CK layer.svg", "ATT_CK_layer.svg"},
		{"../../etc/passwd", "_._etc_passwd"},
		{"", "fallback.svg"},
		{"..", "fallback.svg"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in, "fallback.svg"); got != tt.want {
			t.Fatalf("sanitizeName(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDirStore_RejectsTraversal(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	if _, err := s.Put(context.Background(), "exp_1", "../x.pdf", []byte("x")); err == nil {
		t.Fatal("Put accepted a traversal name")
	}
	if _, _, err := s.Open("exp_1", "missing.pdf"); !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("Open missing: got %v, want ErrNoArtifact", err)
	}
}
