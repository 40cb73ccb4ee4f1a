// Package navtest serves a stand-in for the Navigator single-page app so
// automation can be tested without a browser or network access.
//
// The fixture app mirrors the class shapes automation depends on:
// TabsComponent {newBlankTab, loadLayerFromURL}, DataTableComponent
// {exportRender} with an ngAfterViewInit that fires 80ms after bootstrap,
// SVGExportComponent {downloadSVG, buildSVG} whose first buildSVG pass
// renders nothing, and AppComponent {promptNavAway} bound to beforeunload.
package navtest

import (
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

//go:embed app
var appFS embed.FS

// Layer names served under /layers/.
const (
	LayerEnterprise = "enterprise" // 640x480, immediate
	LayerMobile     = "mobile"     // 480x640, immediate
	LayerICS        = "ics"        // 800x600, immediate
	LayerSlow       = "slow"       // 960x540, resolves after 250ms
	LayerBroken     = "broken"     // malformed JSON
	LayerMissing    = "missing"    // 404
)

// Server is a running fixture app.
type Server struct {
	*httptest.Server
}

// NewServer starts the fixture app and stops it when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	srv := httptest.NewServer(Handler())
	t.Cleanup(srv.Close)
	return &Server{Server: srv}
}

// Handler serves the app files plus /layers/aggregate.
func Handler() http.Handler {
	sub, err := fs.Sub(appFS, "app")
	if err != nil {
		panic(err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/layers/aggregate", func(rw http.ResponseWriter, r *http.Request) {
		aggregate(sub, rw, r)
	})
	mux.HandleFunc("/layers/", func(rw http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/layers/")
		data, err := fs.ReadFile(sub, "layers/"+strings.TrimSuffix(name, ".json")+".json")
		if err != nil {
			http.NotFound(rw, r)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.Write(data)
	})
	mux.Handle("/", http.FileServer(http.FS(sub)))
	return mux
}

// EntryURL is the app's entry document.
func (s *Server) EntryURL() string { return s.URL + "/index.html" }

// LayersBase is the base URL layer files are served under.
func (s *Server) LayersBase() string { return s.URL + "/layers" }

// LayerURL is the locator of one fixture layer.
func (s *Server) LayerURL(name string) string { return s.LayersBase() + "/" + name }

type layer struct {
	Name       string            `json:"name"`
	Domain     string            `json:"domain,omitempty"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
	LoadDelay  int               `json:"loadDelay,omitempty"`
	Techniques []json.RawMessage `json:"techniques"`
}

// aggregate merges the requested layers: names are joined, geometry comes
// from the first, techniques are concatenated.
func aggregate(files fs.FS, rw http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		http.Error(rw, "no id given", http.StatusBadRequest)
		return
	}
	var merged layer
	var names []string
	for i, id := range ids {
		data, err := fs.ReadFile(files, "layers/"+id+".json")
		if err != nil {
			http.NotFound(rw, r)
			return
		}
		var l layer
		if err := json.Unmarshal(data, &l); err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		if i == 0 {
			merged = l
			merged.Techniques = nil
		}
		names = append(names, l.Name)
		merged.Techniques = append(merged.Techniques, l.Techniques...)
	}
	merged.Name = strings.Join(names, " + ")
	if d := r.URL.Query().Get("domain"); d != "" {
		merged.Domain = d
	}
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(merged)
}
