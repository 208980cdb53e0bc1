package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/telemetry"
)

func TracingMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}

// EnrichTrace adds the request ID and caller to the active span. User IDs
// are hashed so traces carry no identifiers.
func EnrichTrace() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		span.SetAttributes(attribute.String("request.id", GetRequestID(c)))

		c.Next()

		if id := GetUserID(c); id != "" {
			span.SetAttributes(
				attribute.String("user.hash", logger.HashID(id)),
				attribute.String("user.role", GetRole(c)),
			)
		}
		span.SetAttributes(attribute.Int("http.response.status_code", c.Writer.Status()))
	}
}

func MetricsMiddleware(metrics *telemetry.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordRequest(c.Request.Method, path, status, time.Since(start).Seconds())
	}
}
