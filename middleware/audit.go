package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/models"
)

// AuditMiddleware records every state-changing request on the group it is
// mounted on. Request bodies are never captured.
func AuditMiddleware(auditor *audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			return
		}
		resource, resourceID := extractResource(c)
		auditor.Record(GetUserID(c), models.AuditAdminRequest, resource, resourceID, GetRequestID(c),
			c.Writer.Status() < 400,
			map[string]string{
				"method": c.Request.Method,
				"route":  c.FullPath(),
				"status": strconv.Itoa(c.Writer.Status()),
			})
	}
}

// extractResource takes the resource from the route and the ID from its
// :id parameter, if any.
func extractResource(c *gin.Context) (string, string) {
	route := strings.Trim(c.FullPath(), "/")
	var resource string
	for _, part := range strings.Split(route, "/") {
		if part == "" || strings.HasPrefix(part, ":") || part == "admin" {
			continue
		}
		resource = part
		break
	}
	return resource, c.Param("id")
}
