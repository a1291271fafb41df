package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the services. Implementations must
// be safe for concurrent use.
type Recorder interface {
	RecordTransition(transition, outcome string)
	RecordInvitation(outcome string)
	RecordLogin(outcome string)
	RecordAuthorization(decision string)
}

// Collector records service metrics in a prometheus registry.
type Collector struct {
	transitions    *prometheus.CounterVec
	invitations    *prometheus.CounterVec
	logins         *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_lifecycle_transitions_total",
			Help: "User lifecycle transitions by transition and outcome",
		}, []string{"transition", "outcome"}),
		invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_invitations_total",
			Help: "Invitation requests by outcome",
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_authorizations_total",
			Help: "Policy decisions by decision (allow, deny, error)",
		}, []string{"decision"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authsvc_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		c.transitions,
		c.invitations,
		c.logins,
		c.authorizations,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

func (c *Collector) RecordTransition(transition, outcome string) {
	c.transitions.WithLabelValues(transition, outcome).Inc()
}

func (c *Collector) RecordInvitation(outcome string) {
	c.invitations.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordAuthorization(decision string) {
	c.authorizations.WithLabelValues(decision).Inc()
}

// Middleware records request count and latency keyed by the chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes a prometheus gatherer over HTTP.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

func (NopRecorder) RecordTransition(string, string) {}
func (NopRecorder) RecordInvitation(string)         {}
func (NopRecorder) RecordLogin(string)              {}
func (NopRecorder) RecordAuthorization(string)      {}
