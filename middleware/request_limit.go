package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/utils"
)

// RequestSizeLimit rejects bodies larger than maxSize. slack covers the
// multipart framing around an uploaded file.
func RequestSizeLimit(maxSize, slack int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize+slack {
			utils.RespondEnvelopeError(c, apperr.SizeLimit("file exceeds the maximum upload size"))
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+slack)
		c.Next()
	}
}
