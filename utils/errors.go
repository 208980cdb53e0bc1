package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// EnvelopeError is the error member of the /kb envelope.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope wraps every /kb response.
type Envelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data"`
	Error   *EnvelopeError `json:"error"`
}

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, statusCode int, errorCode, message string, details interface{}) {
	c.JSON(statusCode, ErrorResponse{
		ErrorCode: errorCode,
		Message:   message,
		Details:   details,
	})
}

// RespondAppError maps a service error onto the plain error response.
func RespondAppError(c *gin.Context, err error) {
	status := logAppError(c, err)
	RespondWithError(c, status, apperr.CodeOf(err), apperr.PublicMessage(err), nil)
}

// RespondEnvelope writes a successful envelope.
func RespondEnvelope(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

// RespondEnvelopeError writes a failed envelope for err.
func RespondEnvelopeError(c *gin.Context, err error) {
	status := logAppError(c, err)
	c.JSON(status, Envelope{
		Success: false,
		Error: &EnvelopeError{
			Code:    apperr.CodeOf(err),
			Message: apperr.PublicMessage(err),
		},
	})
}

func logAppError(c *gin.Context, err error) int {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			"path", c.FullPath(),
			"request_id", c.GetString("request_id"),
			"error", err.Error())
	}
	return status
}

// RespondWithUnauthorized sends a 401 Unauthorized error
func RespondWithUnauthorized(c *gin.Context, message string) {
	RespondWithError(c, http.StatusUnauthorized, "unauthorized", message, nil)
}
