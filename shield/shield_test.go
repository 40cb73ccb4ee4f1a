package shield

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/navexport/dbopen"
	"github.com/hazyhaar/navexport/kit"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestMaintenance(t *testing.T) {
	db := setupDB(t)
	mm := NewMaintenanceMode(db, "/health")
	h := mm.Middleware(okHandler())

	if w := serve(h, "POST", "/api/exports/pdf"); w.Code != http.StatusOK {
		t.Fatalf("off: got %d, want 200", w.Code)
	}

	db.Exec(`UPDATE maintenance SET active = 1, message = 'upgrading chrome' WHERE id = 1`)
	mm.reload()
	if !mm.Active() {
		t.Fatal("expected maintenance on after reload")
	}

	w := serve(h, "POST", "/api/exports/pdf")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("on: got %d, want 503", w.Code)
	}
	if got := errorBody(t, w); got != "upgrading chrome" {
		t.Fatalf("message: got %q", got)
	}
	if ra := w.Header().Get("Retry-After"); ra != "300" {
		t.Fatalf("Retry-After: got %q", ra)
	}
	if w := serve(h, "GET", "/health"); w.Code != http.StatusOK {
		t.Fatalf("excluded path: got %d, want 200", w.Code)
	}

	db.Exec(`UPDATE maintenance SET active = 0 WHERE id = 1`)
	mm.reload()
	if mm.Active() {
		t.Fatal("expected maintenance off after second reload")
	}
}

func TestMaintenance_NoTable(t *testing.T) {
	db := dbopen.OpenMemory(t)
	mm := NewMaintenanceMode(db)
	if mm.Active() {
		t.Fatal("expected maintenance off when table missing")
	}
	if w := serve(mm.Middleware(okHandler()), "GET", "/"); w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	db := setupDB(t)
	db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds) VALUES ('POST /api/exports/pdf', 2, 30)`)
	rl := NewRateLimiter(db, "/health")
	h := rl.Middleware(okHandler())

	for i := 0; i < 2; i++ {
		if w := serve(h, "POST", "/api/exports/pdf"); w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i, w.Code)
		}
	}
	w := serve(h, "POST", "/api/exports/pdf")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: got %d, want 429", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Fatalf("Retry-After: got %q, want 30", ra)
	}
	if got := errorBody(t, w); got != "rate limit exceeded" {
		t.Fatalf("error: got %q", got)
	}

	// WHAT: endpoints without a rule are never limited.
	for i := 0; i < 5; i++ {
		if w := serve(h, "GET", "/api/exports"); w.Code != http.StatusOK {
			t.Fatalf("unlimited endpoint: got %d", w.Code)
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		xff, remote, want string
	}{
		{"", "10.0.0.1:5555", "10.0.0.1"},
		{"203.0.113.9, 10.0.0.1", "10.0.0.1:5555", "203.0.113.9"},
		{"203.0.113.9", "bad", "203.0.113.9"},
		{"", "bad", "bad"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := ExtractIP(r); got != tt.want {
			t.Fatalf("ExtractIP(%q, %q): got %q, want %q", tt.xff, tt.remote, got, tt.want)
		}
	}
}

func TestTraceID(t *testing.T) {
	var gotTrace, gotTransport string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = kit.GetTraceID(r.Context())
		gotTransport = kit.GetTransport(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Fatal("no request logger")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	w := serve(h, "GET", "/api/exports")
	if len(gotTrace) != 8 || w.Header().Get("X-Trace-ID") != gotTrace {
		t.Fatalf("generated trace: got %q, header %q", gotTrace, w.Header().Get("X-Trace-ID"))
	}
	if gotTransport != "http" {
		t.Fatalf("transport: got %q", gotTransport)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "deadbeef")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotTrace != "deadbeef" {
		t.Fatalf("propagated trace: got %q", gotTrace)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "<script>")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotTrace == "<script>" {
		t.Fatal("invalid trace id propagated")
	}
}

func TestSecurityHeadersAndBodyLimit(t *testing.T) {
	h := SecurityHeaders(APIHeaders())(MaxJSONBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v any
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
	})))

	req := httptest.NewRequest("POST", "/api/exports/pdf", strings.NewReader(`{"items":["aaaaaaaaaaaa"]}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: got %d", w.Code)
	}
	for _, name := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if w.Header().Get(name) == "" {
			t.Fatalf("header %s missing", name)
		}
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	serve(h, "HEAD", "/api/exports/x")
	if method != http.MethodGet {
		t.Fatalf("method: got %q", method)
	}
}

func TestDefaultAPIStack(t *testing.T) {
	stack, mm := DefaultAPIStack(setupDB(t))
	if len(stack) != 6 || mm == nil {
		t.Fatalf("stack: got %d middlewares", len(stack))
	}
}
