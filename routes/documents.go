package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/middleware"
	"clinical-kb-platform/models"
	"clinical-kb-platform/services"
	"clinical-kb-platform/utils"
)

// SetupDocumentRoutes registers the plain document API. Errors use the
// {error_code, message} body.
func SetupDocumentRoutes(router *gin.Engine, cfg *config.Config, ingest *services.IngestionService, docs *services.DocumentService, authMiddleware *middleware.AuthMiddleware) {
	documents := router.Group("/documents")
	documents.Use(authMiddleware.RequireAuth())

	documents.POST("", middleware.RequestSizeLimit(cfg.MaxFileSize, 1<<20), func(c *gin.Context) {
		req, err := readUpload(c, ingest)
		if err != nil {
			utils.RespondAppError(c, err)
			return
		}
		ctx, cancel := withDeadline(c.Request.Context(), cfg.UploadTimeout)
		defer cancel()
		res, err := ingest.Ingest(ctx, req)
		if err != nil {
			utils.RespondAppError(c, err)
			return
		}
		status := http.StatusAccepted
		if res.Duplicate {
			status = http.StatusOK
		}
		c.JSON(status, uploadResponse{DocumentView: docs.View(ctx, res.Document), Duplicate: res.Duplicate})
	})

	documents.GET("", func(c *gin.Context) {
		types, err := sourceTypesFromQuery(c)
		if err != nil {
			utils.RespondAppError(c, err)
			return
		}
		page := pageFromQuery(c)
		views, total, err := docs.List(c.Request.Context(), models.DocumentFilter{
			Scope:       middleware.GetScope(c),
			Category:    c.Query("category"),
			SourceTypes: types,
		}, page)
		if err != nil {
			utils.RespondAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, listResponse{Documents: views, Total: total, Page: page.Page, PageSize: page.PageSize})
	})

	documents.GET("/:id", func(c *gin.Context) {
		view, err := docs.Get(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c))
		if err != nil {
			utils.RespondAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	documents.GET("/:id/status", func(c *gin.Context) {
		view, err := docs.Get(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c))
		if err != nil {
			utils.RespondAppError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"document_id": view.ID,
			"version":     view.Version,
			"job_id":      view.JobID,
			"state":       view.JobState,
			"progress":    view.Progress,
			"chunk_count": view.ChunkCount,
		})
	})

	documents.DELETE("/:id", func(c *gin.Context) {
		if err := docs.Delete(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c)); err != nil {
			utils.RespondAppError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}
