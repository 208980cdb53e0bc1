// Package database is the durable content store: documents, chunks,
// indexing jobs, conversations, flags and the audit trail.
package database

import (
	"context"
	"errors"
	"time"

	"clinical-kb-platform/models"
)

const (
	CollectionDocuments        = "documents"
	CollectionChunks           = "chunks"
	CollectionJobs             = "indexing_jobs"
	CollectionSessions         = "sessions"
	CollectionMessages         = "chat_messages"
	CollectionClinicalContexts = "clinical_contexts"
	CollectionFlags            = "flags"
	CollectionAudit            = "audit_logs"
)

var (
	// ErrJobNotRunning is returned by job updates that require the running
	// state. Workers treat it as "abandon this job".
	ErrJobNotRunning = errors.New("indexing job is not running")
	// ErrNoClaimableJob means no pending or retryable job exists for the key.
	ErrNoClaimableJob = errors.New("no claimable indexing job")
)

// ActivationRequest carries a fully built new version. The store assigns
// Version on the document and its chunks.
type ActivationRequest struct {
	Document   *models.Document
	Chunks     []*models.Chunk
	JobID      string
	MaxRetries int
	Now        time.Time
}

type ActivationResult struct {
	Document *models.Document
	Job      *models.IndexingJob
	// Duplicate is set when the active version already has the same hash;
	// nothing was written.
	Duplicate bool
	// Previous is the version that was superseded, if any.
	Previous       *models.Document
	SupersededJobs []string
}

// KeywordQuery is a case-insensitive substring search over chunk text and
// document titles. Scope is applied inside the query.
type KeywordQuery struct {
	Scope   models.Scope
	Phrase  string
	Terms   []string
	Filters models.SearchFilters
	Limit   int
}

type DocumentStore interface {
	ActivateVersion(ctx context.Context, req ActivationRequest) (*ActivationResult, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ActiveDocument(ctx context.Context, documentKey string) (*models.Document, error)
	ListDocuments(ctx context.Context, filter models.DocumentFilter, page models.Page) ([]*models.Document, int64, error)
	UpdateDocumentMeta(ctx context.Context, id string, title, category *string) (*models.Document, error)
	DeleteDocument(ctx context.Context, id string) (*models.Document, error)
}

type ChunkStore interface {
	GetChunks(ctx context.Context, ids []string) ([]*models.Chunk, error)
	ListChunks(ctx context.Context, documentID string) ([]*models.Chunk, error)
	CountChunks(ctx context.Context, documentID string) (int64, error)
	KeywordSearch(ctx context.Context, q KeywordQuery) ([]*models.Chunk, error)
}

type JobStore interface {
	ClaimJob(ctx context.Context, documentKey string) (*models.IndexingJob, error)
	SetJobTotal(ctx context.Context, jobID string, total int) error
	AdvanceJob(ctx context.Context, jobID string, processed int) (*models.IndexingJob, error)
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, details string) error
	RetryJob(ctx context.Context, jobID string) (*models.IndexingJob, error)
	GetJob(ctx context.Context, id string) (*models.IndexingJob, error)
	LatestJobForDocument(ctx context.Context, documentID string) (*models.IndexingJob, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.IndexingJob, error)
	ListStaleJobs(ctx context.Context, state models.JobState, olderThan time.Time) ([]*models.IndexingJob, error)
}

type ConversationStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveMessage(ctx context.Context, m *models.ChatMessage) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error)
	SaveClinicalContext(ctx context.Context, c *models.ClinicalContext) error
	GetClinicalContext(ctx context.Context, id string) (*models.ClinicalContext, error)
	PurgeExpiredContexts(ctx context.Context, now time.Time) (int64, error)
}

type FlagStore interface {
	GetFlag(ctx context.Context, name string) (*models.Flag, error)
	UpsertFlag(ctx context.Context, f *models.Flag) error
	ListFlags(ctx context.Context) ([]*models.Flag, error)
}

type AuditStore interface {
	InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, actorID string, limit int) ([]*models.AuditEvent, error)
}

// Store is the full content store.
type Store interface {
	DocumentStore
	ChunkStore
	JobStore
	ConversationStore
	FlagStore
	AuditStore
}
