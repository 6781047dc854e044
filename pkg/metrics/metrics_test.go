package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/promokit/pkg/metrics"
)

func TestHTTPMiddleware(t *testing.T) {
	t.Parallel()

	reg := metrics.NewRegistry()
	m := metrics.NewHTTP(reg, "promokit")

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Post("/payments/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/pricing", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	r.Handle("/metrics", metrics.Handler(reg))

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/payments/"+id+"/cancel", nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/pricing", nil))

	expected := `
# HELP promokit_http_requests_total HTTP requests by method, route and status.
# TYPE promokit_http_requests_total counter
promokit_http_requests_total{method="GET",route="/pricing",status="200"} 1
promokit_http_requests_total{method="POST",route="/payments/{id}/cancel",status="409"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "promokit_http_requests_total"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Body.String(), "promokit_http_request_duration_seconds")
}
