package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/utils"
)

// RateLimitMiddleware is a fixed window counter in Redis keyed by caller and
// route. Authenticated callers are keyed by user, others by IP. Admins get
// ten times the limit.
func RateLimitMiddleware(rdb *redis.Client, cfg *config.Config) gin.HandlerFunc {
	window := time.Duration(cfg.RateLimitWindow) * time.Second
	return func(c *gin.Context) {
		if rdb == nil || cfg.RateLimitReqs <= 0 || c.FullPath() == "/health" {
			c.Next()
			return
		}

		limit := cfg.RateLimitReqs
		caller := "ip:" + c.ClientIP()
		if id := GetUserID(c); id != "" {
			caller = "user:" + id
			if GetRole(c) == RoleAdmin {
				limit *= 10
			}
		}
		key := "ratelimit:" + caller + ":" + c.FullPath()

		ctx, cancel := context.WithTimeout(c.Request.Context(), 500*time.Millisecond)
		defer cancel()
		pipe := rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			// Fail open; Redis being down must not take the API with it.
			logger.Warn("rate limit check failed", "error", err)
			c.Next()
			return
		}

		count := incr.Val()
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		if count > int64(limit) {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(cfg.RateLimitWindow))
			utils.RespondWithError(c, http.StatusTooManyRequests,
				"rate_limit_exceeded",
				"Too many requests. Please try again later.",
				gin.H{"retry_after": cfg.RateLimitWindow, "limit": limit})
			c.Abort()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limit-int(count)))
		c.Next()
	}
}
