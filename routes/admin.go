package routes

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/middleware"
	"clinical-kb-platform/models"
	"clinical-kb-platform/services"
	"clinical-kb-platform/utils"
)

type setFlagRequest struct {
	Value string `json:"value"`
}

// SetupAdminRoutes registers curated content management and operator
// endpoints. Every route requires the admin role and every mutation is
// audited.
func SetupAdminRoutes(
	router *gin.Engine,
	cfg *config.Config,
	kb *KBHandlers,
	jobs *services.JobService,
	flags *services.FlagService,
	auditLog *audit.Logger,
	authMiddleware *middleware.AuthMiddleware,
	roleMiddleware *middleware.RoleMiddleware,
) {
	admin := router.Group("/admin")
	admin.Use(authMiddleware.RequireAuth(), roleMiddleware.AdminGuard(), middleware.AuditMiddleware(auditLog))

	adminKB := admin.Group("/kb")
	adminKB.GET("", func(c *gin.Context) {
		kb.listWithScope(c, models.Scope{OwnerID: middleware.GetUserID(c), Admin: true})
	})
	adminKB.GET("/:id", kb.get)
	adminKB.POST("", middleware.RequestSizeLimit(cfg.MaxFileSize, 1<<20), kb.createCurated)
	adminKB.DELETE("/:id", kb.delete)

	adminJobs := admin.Group("/jobs")
	adminJobs.GET("", func(c *gin.Context) {
		filter := models.JobFilter{
			DocumentKey: c.Query("document_key"),
			OwnerID:     c.Query("owner_id"),
		}
		filter.Limit, _ = strconv.Atoi(c.Query("limit"))
		states := c.DefaultQuery("state", string(models.JobFailed))
		for _, s := range strings.Split(states, ",") {
			filter.States = append(filter.States, models.JobState(strings.TrimSpace(s)))
		}
		ctx, cancel := withDeadline(c.Request.Context(), cfg.AdminQueryTimeout)
		defer cancel()
		list, err := jobs.List(ctx, filter)
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, gin.H{"jobs": list, "total": len(list)})
	})
	adminJobs.GET("/:id", func(c *gin.Context) {
		job, err := jobs.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, job)
	})
	adminJobs.POST("/:id/retry", func(c *gin.Context) {
		job, err := jobs.Retry(c.Request.Context(), middleware.GetUserID(c), middleware.GetRequestID(c), c.Param("id"))
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusAccepted, job)
	})

	adminFlags := admin.Group("/flags")
	adminFlags.GET("", func(c *gin.Context) {
		list, err := flags.List(c.Request.Context())
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, gin.H{"flags": list})
	})
	adminFlags.GET("/:name", func(c *gin.Context) {
		flag, err := flags.Get(c.Request.Context(), c.Param("name"))
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, flag)
	})
	adminFlags.PUT("/:name", func(c *gin.Context) {
		var req setFlagRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondEnvelopeError(c, apperr.Validation("invalid request body"))
			return
		}
		flag, err := flags.Set(c.Request.Context(), middleware.GetUserID(c), middleware.GetRequestID(c), c.Param("name"), req.Value)
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, flag)
	})

	adminAudit := admin.Group("/audit")
	adminAudit.GET("/:actor", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		events, err := auditLog.Events(c.Request.Context(), c.Param("actor"), limit)
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, gin.H{"events": events, "total": len(events)})
	})
	adminAudit.GET("/:actor/verify", func(c *gin.Context) {
		checked, broken, err := auditLog.VerifyChain(c.Request.Context(), c.Param("actor"))
		if err != nil {
			utils.RespondEnvelopeError(c, err)
			return
		}
		utils.RespondEnvelope(c, http.StatusOK, gin.H{
			"valid":           broken == "",
			"events_checked":  checked,
			"broken_event_id": broken,
		})
	})
}

// createCurated uploads admin-managed content. It defaults to a public
// curated guideline instead of a private user document.
func (h *KBHandlers) createCurated(c *gin.Context) {
	req, err := readUpload(c, h.ingest)
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	if req.SourceType == "" {
		req.SourceType = models.SourceCuratedGuideline
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPublic
	}
	ctx, cancel := withDeadline(c.Request.Context(), h.uploadTimeout)
	defer cancel()
	res, err := h.ingest.Ingest(ctx, req)
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	utils.RespondEnvelope(c, status, uploadResponse{DocumentView: h.docs.View(ctx, res.Document), Duplicate: res.Duplicate})
}
