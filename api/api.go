// Package api exposes navexport over HTTP (chi) and MCP. Both transports
// call the same kit endpoints.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/navexport/export"
	"github.com/hazyhaar/navexport/journal"
	"github.com/hazyhaar/navexport/kit"
	"github.com/hazyhaar/navexport/navigator"
	"github.com/hazyhaar/navexport/shield"
)

// Config configures a Server.
type Config struct {
	Exporter   Exporter
	Artifacts  export.ArtifactStore
	Journal    *journal.Store
	LayersBase string

	// DB holds the shield tables. Nil skips maintenance and rate limiting.
	DB *sql.DB

	Logger *slog.Logger
}

// Server serves the API.
type Server struct {
	cfg       Config
	endpoints Endpoints
	mm        *shield.MaintenanceMode
	stack     []func(http.Handler) http.Handler
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Exporter == nil {
		return nil, errors.New("api: Exporter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, endpoints: NewEndpoints(cfg.Exporter, cfg.LayersBase, cfg.Logger)}
	if cfg.DB != nil {
		if err := shield.Init(cfg.DB); err != nil {
			return nil, err
		}
		s.stack, s.mm = shield.DefaultAPIStack(cfg.DB)
	} else {
		s.stack = []func(http.Handler) http.Handler{
			shield.HeadToGet,
			shield.SecurityHeaders(shield.APIHeaders()),
			shield.MaxJSONBody(1 << 20),
			shield.TraceID,
		}
	}
	return s, nil
}

// Endpoints returns the endpoints, e.g. to register them on MCP.
func (s *Server) Endpoints() Endpoints { return s.endpoints }

// StartReloaders refreshes maintenance and rate-limit state until done is
// closed. No-op without a DB.
func (s *Server) StartReloaders(done <-chan struct{}) {
	if s.mm != nil {
		s.mm.StartReloader(done)
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	for _, mw := range s.stack {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/exports/pdf", s.handle(s.endpoints.PDF, decodeInto[BatchRequest], http.StatusCreated))
		r.Post("/exports/svg", s.handle(s.endpoints.SVG, decodeInto[ItemRequest], http.StatusCreated))
		r.Post("/exports/download", s.handle(s.endpoints.Download, decodeInto[ItemRequest], http.StatusCreated))
		r.Post("/layers/check", s.handle(s.endpoints.Check, decodeInto[BatchRequest], http.StatusOK))

		r.Get("/exports", s.listExports)
		r.Get("/exports/{id}", s.getExport)
		r.Get("/exports/{id}/artifacts/{name}", s.getArtifact)
	})
	return r
}

func decodeInto[T any](r *http.Request) (any, error) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Join(ErrBadRequest, err)
	}
	return &v, nil
}

func (s *Server) handle(ep kit.Endpoint, decode func(*http.Request) (any, error), status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, status, resp)
	}
}

func (s *Server) listExports(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		writeJSON(w, http.StatusOK, []*journal.Entry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.cfg.Journal.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*journal.Entry{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Journal == nil {
		s.writeError(w, r, journal.ErrNotFound)
		return
	}
	e, err := s.cfg.Journal.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Artifacts == nil {
		s.writeError(w, r, export.ErrNoArtifact)
		return
	}
	rc, art, err := s.cfg.Artifacts.Open(chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", art.MIMEType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+art.Name+`"`)
	http.ServeContent(w, r, art.Name, time.Time{}, rc)
}

// errorBody is the JSON error shape. Failures lists the failed items of a
// batch.
type errorBody struct {
	Error    string         `json:"error"`
	Failures []failureEntry `json:"failures,omitempty"`
}

type failureEntry struct {
	Index    int    `json:"index"`
	OutputID string `json:"output_id"`
	URI      string `json:"uri"`
	Error    string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}

	var be *export.BatchError
	if errors.As(err, &be) {
		for _, it := range be.Items {
			body.Failures = append(body.Failures, failureEntry{
				Index: it.Index, OutputID: it.OutputID, URI: it.URI, Error: it.Err.Error(),
			})
		}
	}

	log := shield.GetLogger(r.Context())
	if status >= 500 {
		log.Error("api: request failed", "status", status, "error", err)
	} else {
		log.Info("api: request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func statusOf(err error) int {
	var be *export.BatchError
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, export.ErrNoItems),
		errors.Is(err, export.ErrDuplicateOutput):
		return http.StatusBadRequest
	case errors.Is(err, journal.ErrNotFound), errors.Is(err, export.ErrNoArtifact):
		return http.StatusNotFound
	case errors.As(err, &be),
		errors.Is(err, navigator.ErrLayerLoad),
		errors.Is(err, navigator.ErrExportRender),
		errors.Is(err, export.ErrNoDownload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.Debug("api: write response", "error", err)
	}
}
