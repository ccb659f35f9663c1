package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests that no route matched, keeping raw job paths
// out of the label set.
const unmatchedRoute = "unmatched"

// Middleware records request counts and latencies by method and chi route
// pattern, e.g. /v1/nodes/{node}/{view}/{project}/{spider}/{job}.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		ObserveHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedRoute
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
