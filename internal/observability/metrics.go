package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studio_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Rendering engine metrics
	renderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_render_requests_total",
			Help: "Total number of calls forwarded to the rendering engine",
		},
		[]string{"kind", "outcome"},
	)

	renderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studio_render_duration_seconds",
			Help:    "Rendering engine call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)

	// Session metrics
	sessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studio_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studio_sessions_expired_total",
			Help: "Total number of sessions removed by expiry",
		},
	)

	// Asset metrics
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studio_asset_uploads_total",
			Help: "Total number of asset uploads",
		},
		[]string{"outcome"},
	)

	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "studio_live_connections",
			Help: "Number of open live editing connections",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			renderRequestsTotal,
			renderDuration,
			sessionsCreatedTotal,
			sessionsExpiredTotal,
			uploadsTotal,
			liveConnections,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRender records one rendering engine call.
func RecordRender(kind, outcome string, duration time.Duration) {
	renderRequestsTotal.WithLabelValues(kind, outcome).Inc()
	renderDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordSessionCreated() { sessionsCreatedTotal.Inc() }

func RecordSessionsExpired(n int) { sessionsExpiredTotal.Add(float64(n)) }

func RecordUpload(outcome string) { uploadsTotal.WithLabelValues(outcome).Inc() }

// LiveConnectionOpened and LiveConnectionClosed track the live editing gauge.
func LiveConnectionOpened() { liveConnections.Inc() }

func LiveConnectionClosed() { liveConnections.Dec() }
