// Package shield provides the HTTP middleware in front of the navexport
// API: security headers, JSON body limits, request tracing, per-endpoint
// rate limiting and a maintenance switch. Rules and the maintenance flag
// live in SQLite so operators can change them without a restart.
//
// Usage:
//
//	stack, mm := shield.DefaultAPIStack(db)
//	mm.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"encoding/json"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the middleware stack for the export API, ordered
// Maintenance, HeadToGet, SecurityHeaders, MaxJSONBody, TraceID,
// RateLimiter. /health bypasses maintenance and rate limiting.
func DefaultAPIStack(db *sql.DB) ([]func(http.Handler) http.Handler, *MaintenanceMode) {
	rl := NewRateLimiter(db, "/health")
	mm := NewMaintenanceMode(db, "/health")
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxJSONBody(1 << 20),
		TraceID,
		rl.Middleware,
	}, mm
}

// writeError writes {"error": msg} with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
