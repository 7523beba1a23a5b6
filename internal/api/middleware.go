package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agri-advisory/internal/metrics"
	"agri-advisory/internal/monitoring"
)

// ActorHeader names the administrator issuing a request
const ActorHeader = "X-Actor-ID"

// CORS allows browser access from the admin console
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID, "+ActorHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestMetrics records request counts and latency per route template
func RequestMetrics(m *metrics.MetricsCollector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// BodyLimit caps request bodies
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// AuditActor attaches the caller to the request context so audit events
// recorded downstream name who acted and from where
func AuditActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := monitoring.WithActor(c.Request.Context(), c.GetHeader(ActorHeader), c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
