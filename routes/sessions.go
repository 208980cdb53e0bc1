package routes

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/middleware"
	"clinical-kb-platform/services"
	"clinical-kb-platform/utils"
)

const maxContextTTL = 24 * time.Hour

type createSessionRequest struct {
	Title string `json:"title"`
}

type clinicalContextRequest struct {
	SessionID  string            `json:"session_id"`
	Summary    string            `json:"summary"`
	Fields     map[string]string `json:"fields"`
	TTLSeconds int               `json:"ttl_seconds"`
}

func SetupSessionRoutes(router *gin.Engine, convs *services.ConversationService, authMiddleware *middleware.AuthMiddleware) {
	sessions := router.Group("/sessions")
	sessions.Use(authMiddleware.RequireAuth())

	sessions.POST("", func(c *gin.Context) {
		var req createSessionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				utils.RespondEnvelopeError(c, apperr.Validation("invalid request body"))
				return
			}
		}
		sess, err := convs.CreateSession(c.Request.Context(), middleware.GetScope(c), req.Title)
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusCreated, sess)
	})

	sessions.GET("/:id", func(c *gin.Context) {
		sess, err := convs.GetSession(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c))
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, sess)
	})

	sessions.GET("/:id/messages", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		msgs, err := convs.Messages(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c), limit)
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, gin.H{"messages": msgs, "total": len(msgs)})
	})

	// Clinical contexts hold patient detail and expire; they are only ever
	// readable by the clinician who saved them.
	sessions.POST("/contexts", func(c *gin.Context) {
		var req clinicalContextRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondEnvelopeError(c, apperr.Validation("invalid request body"))
			return
		}
		ttl := time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 || ttl > maxContextTTL {
			ttl = maxContextTTL
		}
		saved, err := convs.SaveClinicalContext(c.Request.Context(), middleware.GetScope(c), middleware.GetRequestID(c), services.ClinicalContextInput{
			SessionID: req.SessionID,
			Summary:   req.Summary,
			Fields:    req.Fields,
			TTL:       ttl,
		})
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusCreated, gin.H{"id": saved.ID, "expires_at": saved.ExpiresAt})
	})

	sessions.GET("/contexts/:id", func(c *gin.Context) {
		cc, err := convs.GetClinicalContext(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c))
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, cc)
	})
}
