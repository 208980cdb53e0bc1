package database

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/models"
)

const claimAttempts = 5

func claimableFilter(documentKey string) bson.M {
	return bson.M{
		"document_key": documentKey,
		"$or": bson.A{
			bson.M{"state": models.JobPending},
			bson.M{"state": models.JobFailed, "$expr": bson.M{"$lt": bson.A{"$retry_count", "$max_retries"}}},
		},
	}
}

// ClaimJob moves the oldest claimable job for the key to running. The update
// is conditional on the state and retry count that were read, so only one
// worker wins a given job.
func (s *MongoStore) ClaimJob(ctx context.Context, documentKey string) (*models.IndexingJob, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var cand models.IndexingJob
		err := s.jobs.FindOne(ctx, claimableFilter(documentKey),
			options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}})).Decode(&cand)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNoClaimableJob
		}
		if err != nil {
			return nil, apperr.Internal("find claimable job", err)
		}

		now := time.Now().UTC()
		observed := cand
		if err := cand.Transition(models.JobRunning, now); err != nil {
			return nil, err
		}
		res, err := s.jobs.UpdateOne(ctx,
			bson.M{"_id": cand.ID, "state": observed.State, "retry_count": observed.RetryCount},
			bson.M{
				"$set": bson.M{
					"state":       models.JobRunning,
					"retry_count": cand.RetryCount,
					"updated_at":  now,
					"started_at":  now,
				},
				"$unset": bson.M{"finished_at": "", "error_details": ""},
			},
		)
		if err != nil {
			return nil, apperr.Internal("claim job", err)
		}
		if res.ModifiedCount == 1 {
			return &cand, nil
		}
	}
	return nil, ErrNoClaimableJob
}

// updateRunning applies update only while the job is running.
func (s *MongoStore) updateRunning(ctx context.Context, jobID string, update bson.M) (*models.IndexingJob, error) {
	var job models.IndexingJob
	err := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "state": models.JobRunning},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.GetJob(ctx, jobID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrJobNotRunning
	}
	if err != nil {
		return nil, apperr.Internal("update job", err)
	}
	return &job, nil
}

func (s *MongoStore) SetJobTotal(ctx context.Context, jobID string, total int) error {
	_, err := s.updateRunning(ctx, jobID, bson.M{"$set": bson.M{"total_chunks": total, "updated_at": time.Now().UTC()}})
	return err
}

func (s *MongoStore) AdvanceJob(ctx context.Context, jobID string, processed int) (*models.IndexingJob, error) {
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.TotalChunks != nil && processed > *current.TotalChunks {
		processed = *current.TotalChunks
	}
	return s.updateRunning(ctx, jobID, bson.M{
		"$max": bson.M{"processed_chunks": processed},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	})
}

func (s *MongoStore) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	// processed_chunks is lifted to the total in the same write.
	_, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID, "state": models.JobRunning}, mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"state":       models.JobCompleted,
			"updated_at":  now,
			"finished_at": now,
			"processed_chunks": bson.M{"$cond": bson.A{
				bson.M{"$ne": bson.A{"$total_chunks", nil}}, "$total_chunks", "$processed_chunks",
			}},
		}}},
	})
	if err != nil {
		return apperr.Internal("complete job", err)
	}
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != models.JobCompleted {
		return ErrJobNotRunning
	}
	return nil
}

func (s *MongoStore) FailJob(ctx context.Context, jobID, details string) error {
	now := time.Now().UTC()
	_, err := s.updateRunning(ctx, jobID, bson.M{"$set": bson.M{
		"state":         models.JobFailed,
		"error_details": details,
		"updated_at":    now,
		"finished_at":   now,
	}})
	return err
}

// RetryJob makes a failed job claimable again, granting one more attempt when
// its retries are exhausted. Pending jobs are returned unchanged.
func (s *MongoStore) RetryJob(ctx context.Context, jobID string) (*models.IndexingJob, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.State {
	case models.JobPending:
		return job, nil
	case models.JobFailed:
	default:
		return nil, apperr.Validation("only failed or pending jobs can be retried")
	}
	set := bson.M{"updated_at": time.Now().UTC()}
	if !job.RetriesLeft() {
		set["max_retries"] = job.RetryCount + 1
	}
	var out models.IndexingJob
	err = s.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID, "state": models.JobFailed},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.Validation("job changed state before retry")
	}
	if err != nil {
		return nil, apperr.Internal("retry job", err)
	}
	return &out, nil
}

func (s *MongoStore) GetJob(ctx context.Context, id string) (*models.IndexingJob, error) {
	return findOne[models.IndexingJob](ctx, s.jobs, bson.M{"_id": id}, "indexing job not found")
}

func (s *MongoStore) LatestJobForDocument(ctx context.Context, documentID string) (*models.IndexingJob, error) {
	return findOne[models.IndexingJob](ctx, s.jobs, bson.M{"document_id": documentID}, "no indexing job for document",
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

func (s *MongoStore) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.IndexingJob, error) {
	q := bson.M{}
	if len(filter.States) > 0 {
		q["state"] = bson.M{"$in": filter.States}
	}
	if filter.DocumentKey != "" {
		q["document_key"] = filter.DocumentKey
	}
	if filter.OwnerID != "" {
		q["owner_id"] = filter.OwnerID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	return findAll[models.IndexingJob](ctx, s.jobs, q, opts)
}

func (s *MongoStore) ListStaleJobs(ctx context.Context, state models.JobState, olderThan time.Time) ([]*models.IndexingJob, error) {
	return findAll[models.IndexingJob](ctx, s.jobs, bson.M{
		"state":      state,
		"updated_at": bson.M{"$lt": olderThan},
	})
}
