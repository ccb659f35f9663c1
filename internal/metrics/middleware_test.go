package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statsRoute = "/v1/nodes/{node}/{view}/{project}/{spider}/{job}"

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get(statsRoute, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post(statsRoute, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	for _, target := range []string{"/v1/nodes/1/stats/demo/books/job1", "/v1/nodes/2/utf8/demo/books/job2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/nodes/1/stats/demo/books/job1", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	assert.Equal(t, float64(2), testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "502")))
	assert.Equal(t, 2, testutil.CollectAndCount(httpRequestDurationSeconds), "one series per method and pattern")
}

func TestRoutePatternUnmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/nodes/1/stats/demo/books/job1", nil)
	assert.Equal(t, unmatchedRoute, routePattern(req))
}
