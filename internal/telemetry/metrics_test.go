package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTransition("disable", "success")
	c.RecordTransition("disable", "success")
	c.RecordTransition("restore", "conflict")
	c.RecordInvitation("created")
	c.RecordLogin("disabled")
	c.RecordAuthorization("deny")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("disable", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("restore", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invitations.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.logins.WithLabelValues("disabled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authorizations.WithLabelValues("deny")))
}

func TestCollectorMiddlewareUsesRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/v1/invitations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", Handler(reg))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/invitations/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/v1/invitations/{id}", "418")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "authsvc_http_requests_total"))
}
