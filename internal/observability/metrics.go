package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_sessions_active",
			Help: "Number of live duplex sessions",
		},
	)
	ChatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Total chat turns by terminal outcome",
		},
		[]string{"outcome"},
	)
	TokensStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_tokens_streamed_total",
			Help: "Total tokens streamed to clients",
		},
	)
	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_generation_duration_seconds",
			Help:    "Upstream generation duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	NodeProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_node_probes_total",
			Help: "Total node health probes by result",
		},
		[]string{"result"},
	)
	NodesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cluster_nodes_online",
			Help: "Number of nodes currently online",
		},
	)

	ToolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_executions_total",
			Help: "Total tool executions by kind and result",
		},
		[]string{"kind", "result"},
	)

	RateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total chat turns rejected by the daily rate limiter",
		},
	)
)

// InitMetrics registers all collectors on the default registry. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SessionsActive,
		ChatTurnsTotal,
		TokensStreamedTotal,
		GenerationDuration,
		NodeProbesTotal,
		NodesOnline,
		ToolExecutionsTotal,
		RateLimitRejectionsTotal,
	)
}

// HTTPMetricsMiddleware records request counts and latencies keyed by chi route pattern.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
