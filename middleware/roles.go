package middleware

import (
	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/utils"
)

type RoleMiddleware struct{}

func NewRoleMiddleware() *RoleMiddleware {
	return &RoleMiddleware{}
}

// RequireRole rejects callers outside allowedRoles with a forbidden
// envelope, the same body shape the /admin handlers use.
func (r *RoleMiddleware) RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		if role == "" {
			utils.RespondEnvelopeError(c, apperr.Forbidden("User role not found"))
			c.Abort()
			return
		}

		for _, allowed := range allowedRoles {
			if role == allowed {
				c.Next()
				return
			}
		}

		utils.RespondEnvelopeError(c, apperr.Forbidden("Insufficient permissions"))
		c.Abort()
	}
}

func (r *RoleMiddleware) AdminGuard() gin.HandlerFunc {
	return r.RequireRole(RoleAdmin)
}
