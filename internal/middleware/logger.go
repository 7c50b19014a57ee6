package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gembalance/internal/logging"
)

// RequestLogger logs every HTTP request after the handler chain finishes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		rid, _ := c.Get(RequestIDKey)
		fields := log.Fields{
			"request_id": rid,
			"method":     method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": logging.DurationMS(time.Since(start)),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		log.WithFields(fields).Info("http_request")
	}
}
