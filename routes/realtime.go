package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"clinical-kb-platform/internal/realtime"
	"clinical-kb-platform/middleware"
)

// SetupRealtimeRoutes mounts the streaming question channel. Browsers
// cannot set headers on a websocket handshake, so the token may also come
// from the access_token query parameter.
func SetupRealtimeRoutes(router *gin.Engine, handler *realtime.Handler, authMiddleware *middleware.AuthMiddleware) {
	router.GET("/ws", authMiddleware.RequireAuth(), func(c *gin.Context) {
		handler.Serve(c.Writer, c.Request, middleware.GetScope(c))
	})
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// SetupHealthRoutes reports overall status plus each named dependency. Any
// failed check turns the response into a 503.
func SetupHealthRoutes(router *gin.Engine, serviceName string, timeout time.Duration, checks map[string]HealthCheck, ws *realtime.Handler) {
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := withDeadline(c.Request.Context(), timeout)
		defer cancel()

		results := make(map[string]string, len(checks))
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		outcomes := make([]error, len(names))

		var g errgroup.Group
		for i, name := range names {
			g.Go(func() error {
				outcomes[i] = checks[name](ctx)
				return nil
			})
		}
		_ = g.Wait()

		status, code := "healthy", http.StatusOK
		for i, name := range names {
			if outcomes[i] != nil {
				results[name] = "unavailable"
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		body := gin.H{
			"status":    status,
			"service":   serviceName,
			"checks":    results,
			"timestamp": time.Now().UTC(),
		}
		if ws != nil {
			body["realtime_connections"] = ws.Active()
		}
		c.JSON(code, body)
	})
}
