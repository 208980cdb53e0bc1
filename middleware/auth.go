package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/models"
	"clinical-kb-platform/utils"
)

const RoleAdmin = "admin"

// revokedPrefix keys hold the IDs of tokens revoked before they expire.
const revokedPrefix = "auth:revoked:"

type AuthMiddleware struct {
	config *config.Config
	rdb    *redis.Client
}

// NewAuthMiddleware validates HS256 tokens issued by the identity service.
// rdb may be nil, which disables the revocation check.
func NewAuthMiddleware(cfg *config.Config, rdb *redis.Client) *AuthMiddleware {
	return &AuthMiddleware{
		config: cfg,
		rdb:    rdb,
	}
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			utils.RespondWithUnauthorized(c, "Authentication token is required")
			c.Abort()
			return
		}

		claims, err := utils.ValidateJWT(tokenString, a.config.AccessSecret)
		if err != nil {
			logger.Debug("token rejected", "path", c.FullPath(), "error", err)
			utils.RespondWithError(c, http.StatusUnauthorized, "invalid_token", "Your session has expired. Please log in again.", nil)
			c.Abort()
			return
		}

		if a.revoked(c.Request.Context(), claims.ID) {
			utils.RespondWithError(c, http.StatusUnauthorized, "token_revoked", "Your session has expired. Please log in again.", nil)
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Set("claims", claims)
		c.Next()
	}
}

// revoked fails open when Redis is unreachable; tokens are short lived.
func (a *AuthMiddleware) revoked(ctx context.Context, jti string) bool {
	if a.rdb == nil || jti == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	n, err := a.rdb.Exists(ctx, revokedPrefix+jti).Result()
	if err != nil {
		logger.Warn("token revocation check failed", "error", err)
		return false
	}
	return n > 0
}

// RevokeToken denylists a token ID until the token would have expired.
func RevokeToken(ctx context.Context, rdb *redis.Client, jti string, remaining time.Duration) error {
	if remaining <= 0 {
		return nil
	}
	return rdb.Set(ctx, revokedPrefix+jti, "1", remaining).Err()
}

// extractToken reads the bearer header, then the access_token cookie, then
// the access_token query parameter that browser websockets have to use.
func extractToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if t := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); t != "" {
			return t
		}
	}
	if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
		return cookie
	}
	return c.Query("access_token")
}

func GetUserID(c *gin.Context) string {
	return c.GetString("user_id")
}

func GetRole(c *gin.Context) string {
	return c.GetString("role")
}

// GetScope is the access scope of the authenticated caller.
func GetScope(c *gin.Context) models.Scope {
	return models.Scope{OwnerID: GetUserID(c), Admin: GetRole(c) == RoleAdmin}
}
