package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinical-kb-platform/internal/ai"
	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/telemetry"
	"clinical-kb-platform/internal/vector"
	"clinical-kb-platform/models"
)

type indexingStore interface {
	database.DocumentStore
	database.ChunkStore
	database.JobStore
}

// IndexingSupervisor drives one indexing job from claim to a terminal
// state. Several supervisors may race on the same key; the store's
// conditional claim lets exactly one of them run.
type IndexingSupervisor struct {
	store     indexingStore
	embedder  ai.Embedder
	index     vector.Index
	batchSize int
	metrics   *telemetry.Metrics
}

func NewIndexingSupervisor(store indexingStore, embedder ai.Embedder, index vector.Index, batchSize int, metrics *telemetry.Metrics) *IndexingSupervisor {
	if batchSize <= 0 {
		batchSize = 16
	}
	return &IndexingSupervisor{store: store, embedder: embedder, index: index, batchSize: batchSize, metrics: metrics}
}

// Run claims the oldest claimable job for documentKey and processes it. It
// returns the job as last seen together with any failure. A job that is
// superseded mid-run returns database.ErrJobNotRunning.
func (s *IndexingSupervisor) Run(ctx context.Context, documentKey string) (*models.IndexingJob, error) {
	job, err := s.store.ClaimJob(ctx, documentKey)
	if err != nil {
		return nil, err
	}
	from := models.JobPending
	if job.RetryCount > 0 {
		from = models.JobFailed
	}
	s.metrics.RecordJobTransition(ctx, string(from), string(models.JobRunning))

	log := logger.With("job_id", job.ID, "document_id", job.DocumentID, "attempt", job.RetryCount+1)
	log.Info("indexing job claimed")
	start := time.Now()

	err = s.process(ctx, job)
	if err == nil {
		err = s.store.CompleteJob(ctx, job.ID)
		if err == nil {
			s.metrics.RecordJobTransition(ctx, string(models.JobRunning), string(models.JobCompleted))
			s.metrics.RecordIndexing(ctx, time.Since(start).Seconds(), "completed")
			log.Info("indexing job completed", "chunks", job.ProcessedChunks, "duration", time.Since(start))
			return s.reload(ctx, job), nil
		}
	}
	if !errors.Is(err, database.ErrJobNotRunning) {
		return s.fail(ctx, job, err, start)
	}

	// Superseded or deleted while we worked; leave the state alone and keep
	// the stale vectors out of search.
	if markErr := s.index.MarkSuperseded(context.WithoutCancel(ctx), job.DocumentID); markErr != nil {
		log.Warn("failed to mark abandoned vectors superseded", "error", markErr)
	}
	s.metrics.RecordIndexing(ctx, time.Since(start).Seconds(), "abandoned")
	log.Info("indexing job abandoned", "processed", job.ProcessedChunks)
	return s.reload(ctx, job), database.ErrJobNotRunning
}

func (s *IndexingSupervisor) process(ctx context.Context, job *models.IndexingJob) error {
	doc, err := s.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return database.ErrJobNotRunning
		}
		return err
	}
	chunks, err := s.store.ListChunks(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if err := s.store.SetJobTotal(ctx, job.ID, len(chunks)); err != nil {
		return err
	}
	total := len(chunks)
	job.TotalChunks = &total

	for start := 0; start < len(chunks); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Check before paying for embeddings.
		current, err := s.store.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.State != models.JobRunning {
			return database.ErrJobNotRunning
		}

		end := start + s.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}

		points := make([]vector.Point, len(batch))
		for i, c := range batch {
			points[i] = vector.Point{
				ChunkID:    c.ID,
				DocumentID: doc.ID,
				OwnerID:    doc.OwnerID,
				Visibility: doc.Visibility,
				SourceType: doc.SourceType,
				Ordinal:    c.Ordinal,
				Superseded: c.Superseded,
				Vector:     vectors[i],
			}
		}
		if err := s.index.Upsert(ctx, points); err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}

		updated, err := s.store.AdvanceJob(ctx, job.ID, end)
		if err != nil {
			return err
		}
		job.ProcessedChunks = updated.ProcessedChunks
	}
	return nil
}

func (s *IndexingSupervisor) fail(ctx context.Context, job *models.IndexingJob, cause error, start time.Time) (*models.IndexingJob, error) {
	// Record the failure even when ctx was cancelled by a task timeout.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.store.FailJob(wctx, job.ID, cause.Error()); err != nil {
		if errors.Is(err, database.ErrJobNotRunning) {
			return s.reload(wctx, job), database.ErrJobNotRunning
		}
		logger.Error("failed to record indexing failure", "job_id", job.ID, "error", err)
	} else {
		s.metrics.RecordJobTransition(ctx, string(models.JobRunning), string(models.JobFailed))
	}
	s.metrics.RecordIndexing(ctx, time.Since(start).Seconds(), "failed")
	logger.Warn("indexing job failed", "job_id", job.ID, "attempt", job.RetryCount+1, "error", cause)
	return s.reload(wctx, job), cause
}

func (s *IndexingSupervisor) reload(ctx context.Context, job *models.IndexingJob) *models.IndexingJob {
	if fresh, err := s.store.GetJob(ctx, job.ID); err == nil {
		return fresh
	}
	return job
}
