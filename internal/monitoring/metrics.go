package monitoring

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gembalance_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "method", "status", "result"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gembalance_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gembalance_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gembalance_upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"key", "status_class"},
	)

	UpstreamRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gembalance_upstream_request_duration_seconds",
			Help:    "Upstream API request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	StoreFailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gembalance_store_failovers_total",
			Help: "Total number of primary store demotions",
		},
	)

	ActiveKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gembalance_active_keys",
			Help: "Number of keys currently selectable",
		},
	)

	DisabledKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gembalance_disabled_keys",
			Help: "Number of administratively disabled keys",
		},
	)
)

// SetKeyGauges publishes the pool composition gauges.
func SetKeyGauges(active, disabled int) {
	ActiveKeys.Set(float64(active))
	DisabledKeys.Set(float64(disabled))
}

// StatusClass buckets an HTTP status for upstream counters.
func StatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// RecordUpstream counts one upstream attempt for a key.
func RecordUpstream(keyID string, status int, seconds float64) {
	UpstreamRequestsTotal.WithLabelValues(keyID, StatusClass(status)).Inc()
	UpstreamRequestDuration.Observe(seconds)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler(c *gin.Context) {
	promhttp.Handler().ServeHTTP(c.Writer, c.Request)
}
