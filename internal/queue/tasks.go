// Package queue carries indexing work from the API to the worker over asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/models"
)

const (
	TaskIndexDocument = "index:document"
	// QueueIndexing is never shared with interactive traffic.
	QueueIndexing = "indexing"
)

type IndexPayload struct {
	JobID       string `json:"job_id"`
	DocumentKey string `json:"document_key"`
}

func NewIndexTask(job *models.IndexingJob, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(IndexPayload{JobID: job.ID, DocumentKey: job.DocumentKey})
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return asynq.NewTask(
		TaskIndexDocument,
		payload,
		asynq.MaxRetry(job.MaxRetries),
		asynq.Timeout(timeout),
		asynq.Queue(QueueIndexing),
	), nil
}

// JobEnqueuer hands an accepted job to whatever runs indexing.
type JobEnqueuer interface {
	EnqueueIndex(ctx context.Context, job *models.IndexingJob) error
}

type AsynqEnqueuer struct {
	client  *asynq.Client
	timeout time.Duration
}

func NewAsynqEnqueuer(client *asynq.Client, timeout time.Duration) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client, timeout: timeout}
}

func (e *AsynqEnqueuer) EnqueueIndex(ctx context.Context, job *models.IndexingJob) error {
	task, err := NewIndexTask(job, e.timeout)
	if err != nil {
		return err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue index task: %w", err)
	}
	logger.Debug("index task enqueued", "job_id", job.ID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// Supervisor runs one indexing attempt for a document key and returns the
// job it worked on.
type Supervisor interface {
	Run(ctx context.Context, documentKey string) (*models.IndexingJob, error)
}

// InlineEnqueuer runs indexing in a goroutine of the current process. It
// serves the single-node profile, where no Redis is configured.
type InlineEnqueuer struct {
	Supervisor Supervisor
	Timeout    time.Duration
}

func (e *InlineEnqueuer) EnqueueIndex(_ context.Context, job *models.IndexingJob) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	go func(key string) {
		backoff := time.Second
		for {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			j, err := e.Supervisor.Run(ctx, key)
			cancel()
			if err == nil || !retryable(j, err) {
				return
			}
			time.Sleep(backoff)
			backoff *= 2
		}
	}(job.DocumentKey)
	return nil
}

func retryable(job *models.IndexingJob, err error) bool {
	if errors.Is(err, database.ErrNoClaimableJob) || errors.Is(err, database.ErrJobNotRunning) {
		return false
	}
	return job != nil && job.State == models.JobFailed && job.RetriesLeft()
}

// Processor is the asynq handler for index tasks.
type Processor struct {
	supervisor Supervisor
}

func NewProcessor(s Supervisor) *Processor {
	return &Processor{supervisor: s}
}

func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskIndexDocument, p.ProcessIndex)
}

// ProcessIndex returns an error only when asynq should try again.
func (p *Processor) ProcessIndex(ctx context.Context, t *asynq.Task) error {
	var payload IndexPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.DocumentKey == "" {
		return fmt.Errorf("bad index payload: %w", asynq.SkipRetry)
	}
	log := logger.With("job_id", payload.JobID, "document_key", payload.DocumentKey)

	job, err := p.supervisor.Run(ctx, payload.DocumentKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNoClaimableJob):
		log.Info("no claimable job; already handled or superseded")
		return nil
	case errors.Is(err, database.ErrJobNotRunning):
		log.Info("job abandoned after supersession")
		return nil
	case retryable(job, err):
		log.Warn("indexing attempt failed, will retry", "error", err)
		return err
	default:
		log.Error("indexing failed permanently", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
}
