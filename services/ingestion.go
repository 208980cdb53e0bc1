package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/cache"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/queue"
	"clinical-kb-platform/internal/vector"
	"clinical-kb-platform/models"
	"clinical-kb-platform/utils"
)

// IngestRequest is one upload. DocumentKey is optional; when empty it is
// derived from owner, source type and filename. A supplied key is always
// scoped to the owner.
type IngestRequest struct {
	OwnerID     string
	RequestID   string
	Filename    string
	MimeType    string
	Content     []byte
	Title       string
	Category    string
	SourceType  models.SourceType
	Visibility  models.Visibility
	DocumentKey string
	Tags        []string
	Metadata    map[string]string
}

type IngestResult struct {
	Document  *models.Document
	Job       *models.IndexingJob
	Duplicate bool
	Previous  *models.Document
}

// IngestionService validates, extracts, chunks and activates new document
// versions, then hands indexing off to the queue.
type IngestionService struct {
	store     database.DocumentStore
	index     vector.Index
	enqueuer  queue.JobEnqueuer
	cache     cache.Tier
	audit     *audit.Logger
	extractor *Extractor
	chunker   *Chunker

	maxFileSize int64
	allowed     map[string]bool
	maxRetries  int
	now         func() time.Time
}

func NewIngestionService(cfg *config.Config, store database.DocumentStore, index vector.Index, enqueuer queue.JobEnqueuer, c cache.Tier, auditLog *audit.Logger) *IngestionService {
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &IngestionService{
		store:       store,
		index:       index,
		enqueuer:    enqueuer,
		cache:       c,
		audit:       auditLog,
		extractor:   NewExtractor(),
		chunker:     NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		maxFileSize: cfg.MaxFileSize,
		allowed:     allowed,
		maxRetries:  cfg.IndexingMaxRetries,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Validate applies the cheap upload checks before any bytes are parsed.
func (s *IngestionService) Validate(filename string, size int64) error {
	if strings.TrimSpace(filename) == "" {
		return apperr.Validation("filename is required")
	}
	if size == 0 {
		return apperr.Validation("file is empty")
	}
	if s.maxFileSize > 0 && size > s.maxFileSize {
		return apperr.SizeLimit(fmt.Sprintf("file exceeds the %d byte limit", s.maxFileSize))
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !s.allowed[ext] {
		return apperr.Validation(fmt.Sprintf("file type %q is not allowed", ext))
	}
	return nil
}

func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := s.Validate(req.Filename, int64(len(req.Content))); err != nil {
		return nil, err
	}
	if req.SourceType == "" {
		req.SourceType = models.SourceUserDocument
	}
	if !req.SourceType.Valid() {
		return nil, apperr.Validation(fmt.Sprintf("unknown source type %q", req.SourceType))
	}
	if req.Visibility == "" {
		req.Visibility = models.VisibilityPrivate
	}
	if req.Visibility != models.VisibilityPrivate && req.Visibility != models.VisibilityPublic {
		return nil, apperr.Validation(fmt.Sprintf("unknown visibility %q", req.Visibility))
	}

	hash := utils.ContentHash(req.Content)
	key := utils.DocumentKey(req.OwnerID, string(req.SourceType), req.Filename)
	if k := strings.TrimSpace(req.DocumentKey); k != "" {
		key = utils.OwnedDocumentKey(req.OwnerID, k)
	}
	log := logger.With("document_key", key, "owner", logger.HashID(req.OwnerID))

	// Same bytes as the active version: skip extraction entirely.
	if active, err := s.store.ActiveDocument(ctx, key); err == nil && active.OwnerID == req.OwnerID && active.ContentHash == hash {
		log.Info("duplicate upload ignored", "document_id", active.ID)
		return &IngestResult{Document: active, Duplicate: true}, nil
	} else if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return nil, err
	}

	extracted, err := s.extractor.Extract(ctx, req.Filename, req.Content)
	if err != nil {
		return nil, err
	}
	specs := s.chunker.Split(extracted.Sections)
	if len(specs) == 0 {
		return nil, apperr.Validation("document contains no extractable text")
	}

	now := s.now()
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = extracted.Title
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(req.Filename), filepath.Ext(req.Filename))
	}

	doc := &models.Document{
		ID:          uuid.NewString(),
		DocumentKey: key,
		ContentHash: hash,
		SourceType:  req.SourceType,
		Visibility:  req.Visibility,
		OwnerID:     req.OwnerID,
		Title:       title,
		Category:    req.Category,
		Filename:    filepath.Base(req.Filename),
		MimeType:    req.MimeType,
		Size:        int64(len(req.Content)),
		Pages:       extracted.Pages,
		ChunkCount:  len(specs),
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	chunks := make([]*models.Chunk, len(specs))
	for i, sp := range specs {
		chunks[i] = &models.Chunk{
			ID:          models.ChunkID(doc.ID, sp.Ordinal),
			DocumentID:  doc.ID,
			DocumentKey: key,
			OwnerID:     doc.OwnerID,
			Visibility:  doc.Visibility,
			SourceType:  doc.SourceType,
			Title:       doc.Title,
			Category:    doc.Category,
			Ordinal:     sp.Ordinal,
			Text:        sp.Text,
			StartOffset: sp.StartOffset,
			EndOffset:   sp.EndOffset,
			Page:        sp.Page,
			Section:     sp.Section,
			CreatedAt:   now,
		}
	}

	res, err := s.store.ActivateVersion(ctx, database.ActivationRequest{
		Document:   doc,
		Chunks:     chunks,
		JobID:      uuid.NewString(),
		MaxRetries: s.maxRetries,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		log.Info("duplicate upload ignored", "document_id", res.Document.ID)
		return &IngestResult{Document: res.Document, Duplicate: true}, nil
	}

	log.Info("document version activated",
		"document_id", res.Document.ID,
		"version", res.Document.Version,
		"chunks", len(chunks),
		"method", extracted.Method)

	if res.Previous != nil {
		// Search hydration drops superseded chunks anyway; this keeps the
		// index from returning hits that are filtered later.
		if err := s.index.MarkSuperseded(ctx, res.Previous.ID); err != nil {
			log.Warn("failed to mark previous version superseded in index", "document_id", res.Previous.ID, "error", err)
		}
		s.audit.Record(req.OwnerID, models.AuditVersionActive, "document", res.Document.ID, req.RequestID, true, map[string]string{
			"document_key": key,
			"version":      strconv.Itoa(res.Document.Version),
			"superseded":   res.Previous.ID,
		})
	}

	if err := s.enqueuer.EnqueueIndex(ctx, res.Job); err != nil {
		// The job stays pending; the sweeper re-enqueues it.
		log.Error("failed to enqueue indexing job", "job_id", res.Job.ID, "error", err)
	}
	invalidateSearch(ctx, s.cache)

	return &IngestResult{Document: res.Document, Job: res.Job, Previous: res.Previous}, nil
}

func invalidateSearch(ctx context.Context, c cache.Tier) {
	if c == nil {
		return
	}
	if err := c.InvalidateNamespace(ctx, cache.NamespaceSearch); err != nil {
		logger.Warn("failed to invalidate search cache", "error", err)
	}
}
