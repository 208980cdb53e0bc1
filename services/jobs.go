package services

import (
	"context"
	"strconv"

	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/queue"
	"clinical-kb-platform/models"
)

// JobService is the operator view of indexing jobs.
type JobService struct {
	store    database.JobStore
	enqueuer queue.JobEnqueuer
	audit    *audit.Logger
}

func NewJobService(store database.JobStore, enqueuer queue.JobEnqueuer, auditLog *audit.Logger) *JobService {
	return &JobService{store: store, enqueuer: enqueuer, audit: auditLog}
}

func (s *JobService) List(ctx context.Context, filter models.JobFilter) ([]*models.IndexingJob, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.ListJobs(ctx, filter)
}

func (s *JobService) Get(ctx context.Context, id string) (*models.IndexingJob, error) {
	return s.store.GetJob(ctx, id)
}

// Retry makes a failed job claimable again, granting one more attempt when
// its retries are used up, and queues it.
func (s *JobService) Retry(ctx context.Context, actorID, requestID, id string) (*models.IndexingJob, error) {
	job, err := s.store.RetryJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.enqueuer.EnqueueIndex(ctx, job); err != nil {
		// The sweeper picks the job up later.
		logger.Warn("failed to enqueue retried job", "job_id", id, "error", err)
	}
	s.audit.Record(actorID, models.AuditJobRetried, "indexing_job", id, requestID, true, map[string]string{
		"document_key": job.DocumentKey,
		"retry_count":  strconv.Itoa(job.RetryCount),
	})
	return job, nil
}
