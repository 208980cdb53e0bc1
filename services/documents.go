package services

import (
	"context"
	"fmt"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/cache"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/vector"
	"clinical-kb-platform/models"
)

type documentStore interface {
	database.DocumentStore
	database.ChunkStore
	database.JobStore
}

// DocumentService serves the read, update and delete side of the document
// API. Every call is checked against the caller's scope.
type DocumentService struct {
	store documentStore
	index vector.Index
	cache cache.Tier
	audit *audit.Logger
}

func NewDocumentService(store documentStore, index vector.Index, c cache.Tier, auditLog *audit.Logger) *DocumentService {
	return &DocumentService{store: store, index: index, cache: c, audit: auditLog}
}

// load returns NotFound for missing documents and Forbidden for documents
// the scope cannot see, recording the denial.
func (s *DocumentService) load(ctx context.Context, scope models.Scope, id, requestID string, modify bool) (*models.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := scope.CanRead(doc)
	if modify {
		allowed = scope.CanModify(doc)
	}
	if !allowed {
		s.audit.Record(scope.OwnerID, models.AuditForbidden, "document", id, requestID, false, nil)
		return nil, apperr.Forbidden("you do not have access to this document")
	}
	return doc, nil
}

func (s *DocumentService) view(ctx context.Context, doc *models.Document) *models.DocumentView {
	v := &models.DocumentView{Document: doc}
	job, err := s.store.LatestJobForDocument(ctx, doc.ID)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			logger.Warn("failed to load indexing job", "document_id", doc.ID, "error", err)
		}
		return v
	}
	v.JobID = job.ID
	v.JobState = job.State
	v.Progress = job.Progress()
	return v
}

// View wraps a freshly ingested document with its job status.
func (s *DocumentService) View(ctx context.Context, doc *models.Document) *models.DocumentView {
	return s.view(ctx, doc)
}

func (s *DocumentService) Get(ctx context.Context, scope models.Scope, id, requestID string) (*models.DocumentView, error) {
	doc, err := s.load(ctx, scope, id, requestID, false)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, doc), nil
}

func (s *DocumentService) List(ctx context.Context, filter models.DocumentFilter, page models.Page) ([]*models.DocumentView, int64, error) {
	docs, total, err := s.store.ListDocuments(ctx, filter, page)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*models.DocumentView, 0, len(docs))
	for _, d := range docs {
		out = append(out, s.view(ctx, d))
	}
	return out, total, nil
}

// Chunks lists a document's chunks in ordinal order.
func (s *DocumentService) Chunks(ctx context.Context, scope models.Scope, id, requestID string) ([]*models.Chunk, error) {
	if _, err := s.load(ctx, scope, id, requestID, false); err != nil {
		return nil, err
	}
	return s.store.ListChunks(ctx, id)
}

func (s *DocumentService) UpdateMeta(ctx context.Context, scope models.Scope, id, requestID string, title, category *string) (*models.DocumentView, error) {
	if title == nil && category == nil {
		return nil, apperr.Validation("nothing to update")
	}
	if title != nil && *title == "" {
		return nil, apperr.Validation("title cannot be empty")
	}
	current, err := s.load(ctx, scope, id, requestID, true)
	if err != nil {
		return nil, err
	}
	if current.IsSuperseded() {
		return nil, apperr.Validation(fmt.Sprintf("version was superseded by %s; edit the current version", current.SupersededBy))
	}
	doc, err := s.store.UpdateDocumentMeta(ctx, id, title, category)
	if err != nil {
		return nil, err
	}
	invalidateSearch(ctx, s.cache)
	return s.view(ctx, doc), nil
}

// Delete soft-deletes the document, its chunks and its vectors.
func (s *DocumentService) Delete(ctx context.Context, scope models.Scope, id, requestID string) error {
	if _, err := s.load(ctx, scope, id, requestID, true); err != nil {
		return err
	}
	if _, err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if err := s.index.DeleteDocument(ctx, id); err != nil {
		// Chunks are already marked deleted, so hydration drops stale hits.
		logger.Warn("failed to delete document vectors", "document_id", id, "error", err)
	}
	invalidateSearch(ctx, s.cache)
	s.audit.Record(scope.OwnerID, models.AuditDelete, "document", id, requestID, true, nil)
	return nil
}
