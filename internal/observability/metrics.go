package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	approvalCreated   *prometheus.CounterVec
	approvalResponses *prometheus.CounterVec
	approvalTerminal  *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP and approval collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_approval_requests_created_total",
		Help: "Approval requests opened by entity type.",
	}, []string{"entity_type"})
	responses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_approval_responses_total",
		Help: "Step responses by decision and whether an override was used.",
	}, []string{"decision", "override"})
	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "propledger_approval_requests_terminal_total",
		Help: "Approval requests reaching a final state.",
	}, []string{"entity_type", "status"})
	registry.MustRegister(requests, duration, created, responses, terminal)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		approvalCreated:   created,
		approvalResponses: responses,
		approvalTerminal:  terminal,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// RequestCreated counts a newly opened approval request.
func (m *Metrics) RequestCreated(entityType string) {
	if m == nil {
		return
	}
	m.approvalCreated.WithLabelValues(entityType).Inc()
}

// ResponseRecorded counts one step decision.
func (m *Metrics) ResponseRecorded(decision string, override bool) {
	if m == nil {
		return
	}
	m.approvalResponses.WithLabelValues(decision, strconv.FormatBool(override)).Inc()
}

// RequestTerminal counts a request reaching APPROVED, REJECTED or OVERRIDDEN.
func (m *Metrics) RequestTerminal(entityType, status string) {
	if m == nil {
		return
	}
	m.approvalTerminal.WithLabelValues(entityType, status).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
