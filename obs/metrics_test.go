package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRouteLabel(t *testing.T) {
	cases := map[string]string{
		"":                      "/",
		"/healthz":              "/healthz",
		"/checks/abc":           "/checks/:id",
		"/checks/abc/":          "/checks/:id",
		"/checks/abc/events":    "/checks/:id/events",
		"/checks/abc/cancel":    "/checks/:id/cancel",
		"/checks/abc/export":    "/checks/:id/other",
		"/checks/queue/events":  "/checks/queue/events",
		"/checks/queue/events/": "/checks/queue/events",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeRouteLabel(in), "path %q", in)
	}
}

func TestMetricsMiddlewareCountsRequests(t *testing.T) {
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/checks/:id", "418"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/checks/job-1", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/checks/:id", "418"))
	assert.Equal(t, before+1, after)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel(" Warning ").String())
	assert.Equal(t, "INFO", parseLevel("nope").String())
}
