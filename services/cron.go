package services

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"

	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/queue"
	"clinical-kb-platform/models"
)

const sweepTag = "indexing-sweep"

type sweeperStore interface {
	database.JobStore
	database.ConversationStore
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Requeued   int
	Failed     int
	Purged     int64
	EnqueueErr int
}

// Sweeper recovers indexing jobs whose queue task was lost or whose worker
// died, and purges expired clinical contexts.
type Sweeper struct {
	store     sweeperStore
	enqueuer  queue.JobEnqueuer
	interval  time.Duration
	staleRun  time.Duration
	scheduler *gocron.Scheduler
	now       func() time.Time
}

func NewSweeper(cfg *config.Config, store sweeperStore, enqueuer queue.JobEnqueuer) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := gocron.NewScheduler(time.UTC)
	s.TagsUnique()
	return &Sweeper{
		store:     store,
		enqueuer:  enqueuer,
		interval:  interval,
		staleRun:  2 * cfg.IndexingTaskTimeout,
		scheduler: s,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep and returns immediately.
func (s *Sweeper) Start() error {
	_, err := s.scheduler.Every(s.interval).Tag(sweepTag).SingletonMode().Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		report, err := s.SweepOnce(ctx)
		if err != nil {
			logger.Error("indexing sweep failed", "error", err)
			return
		}
		if report.Requeued+report.Failed > 0 || report.Purged > 0 {
			logger.Info("indexing sweep finished",
				"requeued", report.Requeued,
				"failed", report.Failed,
				"purged_contexts", report.Purged,
				"enqueue_errors", report.EnqueueErr)
		}
	})
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	logger.Info("indexing sweeper started", "interval", s.interval)
	return nil
}

func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

// SweepOnce runs a single pass. Errors from individual jobs are logged and
// counted; only listing failures abort the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	queued := map[string]bool{}
	now := s.now()
	cutoff := now.Add(-s.interval)

	if s.staleRun > 0 {
		running, err := s.store.ListStaleJobs(ctx, models.JobRunning, now.Add(-s.staleRun))
		if err != nil {
			return report, err
		}
		for _, j := range running {
			err := s.store.FailJob(ctx, j.ID, "worker stopped reporting progress")
			if errors.Is(err, database.ErrJobNotRunning) {
				continue
			}
			if err != nil {
				logger.Warn("failed to fail stale job", "job_id", j.ID, "error", err)
				continue
			}
			report.Failed++
			if j.RetriesLeft() {
				queued[j.ID] = true
				s.enqueue(ctx, j, &report)
			}
		}
	}

	for _, state := range []models.JobState{models.JobPending, models.JobFailed} {
		jobs, err := s.store.ListStaleJobs(ctx, state, cutoff)
		if err != nil {
			return report, err
		}
		for _, j := range jobs {
			// Jobs failed above already have a task.
			if j.Claimable() && !queued[j.ID] {
				s.enqueue(ctx, j, &report)
			}
		}
	}

	purged, err := s.store.PurgeExpiredContexts(ctx, now)
	if err != nil {
		logger.Warn("failed to purge expired clinical contexts", "error", err)
	}
	report.Purged = purged
	return report, nil
}

func (s *Sweeper) enqueue(ctx context.Context, j *models.IndexingJob, report *SweepReport) {
	if err := s.enqueuer.EnqueueIndex(ctx, j); err != nil {
		report.EnqueueErr++
		logger.Warn("failed to re-enqueue indexing job", "job_id", j.ID, "error", err)
		return
	}
	report.Requeued++
}
