package routes

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/phi"
	"clinical-kb-platform/middleware"
	"clinical-kb-platform/models"
	"clinical-kb-platform/services"
	"clinical-kb-platform/utils"
)

const maxSearchLimit = 50

// withDeadline bounds handler work by a configured timeout. Zero leaves the
// request context's own deadline in charge.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

type searchRequest struct {
	Query string `json:"query"`
	// SearchType is accepted for client compatibility; every search is hybrid.
	SearchType string               `json:"search_type"`
	Filters    models.SearchFilters `json:"filters"`
	Limit      int                  `json:"limit"`
}

type searchResponse struct {
	Query   string             `json:"query"`
	Results []models.Candidate `json:"results"`
	Total   int                `json:"total"`
}

type queryRequest struct {
	Question            string               `json:"question"`
	ContextDocuments    []string             `json:"context_documents"`
	Filters             models.SearchFilters `json:"filters"`
	ConversationHistory []models.HistoryTurn `json:"conversation_history"`
	ClinicalContextID   string               `json:"clinical_context_id"`
	SessionID           string               `json:"session_id"`
	Strategy            string               `json:"strategy"`
}

type patchRequest struct {
	Title    *string `json:"title"`
	Category *string `json:"category"`
}

// KBHandlers serves the /kb surface. Every response is wrapped in the
// {success, data, error} envelope.
type KBHandlers struct {
	ingest *services.IngestionService
	docs   *services.DocumentService
	search *services.SearchAggregator
	flags  *services.FlagService
	orch   *services.Orchestrator

	uploadTimeout time.Duration
}

func NewKBHandlers(cfg *config.Config, ingest *services.IngestionService, docs *services.DocumentService, search *services.SearchAggregator, flags *services.FlagService, orch *services.Orchestrator) *KBHandlers {
	return &KBHandlers{ingest: ingest, docs: docs, search: search, flags: flags, orch: orch, uploadTimeout: cfg.UploadTimeout}
}

func SetupKBRoutes(router *gin.Engine, cfg *config.Config, h *KBHandlers, authMiddleware *middleware.AuthMiddleware) {
	kb := router.Group("/kb")
	kb.Use(authMiddleware.RequireAuth())

	kb.POST("/documents", middleware.RequestSizeLimit(cfg.MaxFileSize, 1<<20), h.upload)
	kb.GET("/documents", h.list)
	kb.GET("/documents/:id", h.get)
	kb.GET("/documents/:id/chunks", h.chunks)
	kb.PATCH("/documents/:id", h.patch)
	kb.DELETE("/documents/:id", h.delete)
	kb.POST("/search", h.searchDocuments)
	kb.POST("/query", h.query)
}

func (h *KBHandlers) upload(c *gin.Context) {
	req, err := readUpload(c, h.ingest)
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
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

func (h *KBHandlers) list(c *gin.Context) {
	h.listWithScope(c, middleware.GetScope(c))
}

func (h *KBHandlers) listWithScope(c *gin.Context, scope models.Scope) {
	types, err := sourceTypesFromQuery(c)
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	page := pageFromQuery(c)
	views, total, err := h.docs.List(c.Request.Context(), models.DocumentFilter{
		Scope:          scope,
		Category:       c.Query("category"),
		SourceTypes:    types,
		IncludeHistory: c.Query("include_history") == "true",
	}, page)
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	utils.RespondEnvelope(c, http.StatusOK, listResponse{Documents: views, Total: total, Page: page.Page, PageSize: page.PageSize})
}

func (h *KBHandlers) get(c *gin.Context) {
	view, err := h.docs.Get(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c))
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	utils.RespondEnvelope(c, http.StatusOK, view)
}

func (h *KBHandlers) chunks(c *gin.Context) {
	chunks, err := h.docs.Chunks(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c))
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	utils.RespondEnvelope(c, http.StatusOK, gin.H{"chunks": chunks, "total": len(chunks)})
}

func (h *KBHandlers) patch(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondEnvelopeError(c, apperr.Validation("invalid request body"))
		return
	}
	view, err := h.docs.UpdateMeta(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c), req.Title, req.Category)
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	utils.RespondEnvelope(c, http.StatusOK, view)
}

func (h *KBHandlers) delete(c *gin.Context) {
	if err := h.docs.Delete(c.Request.Context(), middleware.GetScope(c), c.Param("id"), middleware.GetRequestID(c)); err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	utils.RespondEnvelope(c, http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (h *KBHandlers) searchDocuments(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondEnvelopeError(c, apperr.Validation("invalid request body"))
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		utils.RespondEnvelopeError(c, apperr.Validation("query is required"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = h.flags.Int(c.Request.Context(), services.FlagRAGMaxResults)
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}

	results, err := h.search.Search(c.Request.Context(), services.SearchQuery{
		Text:              req.Query,
		Scope:             middleware.GetScope(c),
		Filters:           req.Filters,
		Limit:             req.Limit,
		IncludeLiterature: h.flags.Bool(c.Request.Context(), services.FlagLiteratureEnabled),
		PHI:               phi.Classify(req.Query).ContainsPHI,
	})
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	if results == nil {
		results = []models.Candidate{}
	}
	utils.RespondEnvelope(c, http.StatusOK, searchResponse{Query: req.Query, Results: results, Total: len(results)})
}

func (h *KBHandlers) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondEnvelopeError(c, apperr.Validation("invalid request body"))
		return
	}
	res, err := h.orch.Run(c.Request.Context(), services.QueryRequest{
		RequestID:         middleware.GetRequestID(c),
		Scope:             middleware.GetScope(c),
		SessionID:         req.SessionID,
		Question:          req.Question,
		DocumentIDs:       req.ContextDocuments,
		Filters:           req.Filters,
		History:           req.ConversationHistory,
		ClinicalContextID: req.ClinicalContextID,
		Strategy:          req.Strategy,
	}, nil)
	if err != nil {
		utils.RespondEnvelopeError(c, err)
		return
	}
	utils.RespondEnvelope(c, http.StatusOK, res)
}
