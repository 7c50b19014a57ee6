package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gembalance/internal/monitoring"
)

// Metrics tracks per-endpoint counters, latency, and in-flight gauge.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		monitoring.HTTPInFlight.Inc()
		c.Next()
		monitoring.HTTPInFlight.Dec()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		status := c.Writer.Status()
		result := "success"
		if status >= 400 {
			result = "error"
		}
		monitoring.HTTPRequestsTotal.WithLabelValues(endpoint, c.Request.Method, strconv.Itoa(status), result).Inc()
		monitoring.HTTPRequestDuration.WithLabelValues(endpoint, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
