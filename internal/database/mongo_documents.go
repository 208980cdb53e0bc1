package database

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/models"
)

const activationAttempts = 3

// ActivateVersion accepts an upload in one transaction. When two uploads of
// the same key race, the loser hits the partial unique index and is retried
// against the winner, so the last commit wins and supersedes the other.
func (s *MongoStore) ActivateVersion(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	if req.Document == nil || req.Document.DocumentKey == "" {
		return nil, apperr.Validation("document key is required")
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	var lastErr error
	for attempt := 0; attempt < activationAttempts; attempt++ {
		res, err := s.activateOnce(ctx, req)
		if err == nil {
			return res, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, apperr.Internal("activate document version", err)
		}
		lastErr = err
		logger.Warn("concurrent activation, retrying", "document_key", req.Document.DocumentKey, "attempt", attempt+1)
	}
	return nil, apperr.Internal("activate document version", lastErr)
}

func (s *MongoStore) activateOnce(ctx context.Context, req ActivationRequest) (*ActivationResult, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		key := req.Document.DocumentKey
		now := req.Now

		var active models.Document
		err := s.docs.FindOne(sc, bson.M{"document_key": key, "active": true}).Decode(&active)
		hasActive := err == nil
		if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		if hasActive && active.OwnerID != req.Document.OwnerID {
			return nil, apperr.Forbidden("document key belongs to another owner")
		}
		if hasActive && active.ContentHash == req.Document.ContentHash {
			res := &ActivationResult{Document: &active, Duplicate: true}
			var job models.IndexingJob
			jerr := s.jobs.FindOne(sc, bson.M{"document_id": active.ID},
				options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&job)
			if jerr == nil {
				res.Job = &job
			}
			return res, nil
		}

		version := 1
		var latest models.Document
		err = s.docs.FindOne(sc, bson.M{"document_key": key},
			options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}).SetProjection(bson.M{"version": 1})).Decode(&latest)
		if err == nil {
			version = latest.Version + 1
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		doc := *req.Document
		doc.Version = version
		doc.Active = true
		doc.SupersededBy = ""
		doc.ChunkCount = len(req.Chunks)
		doc.CreatedAt, doc.UpdatedAt = now, now

		res := &ActivationResult{}
		if hasActive {
			if _, err := s.docs.UpdateOne(sc,
				bson.M{"_id": active.ID, "active": true},
				bson.M{"$set": bson.M{"active": false, "superseded_by": doc.ID, "updated_at": now}},
			); err != nil {
				return nil, err
			}
			if _, err := s.chunks.UpdateMany(sc,
				bson.M{"document_id": active.ID},
				bson.M{"$set": bson.M{"superseded": true}},
			); err != nil {
				return nil, err
			}
			active.Active = false
			active.SupersededBy = doc.ID
			res.Previous = &active
		}

		// Every earlier job for the key is retired, whatever its state.
		open := bson.M{"document_key": key, "state": bson.M{"$in": models.StatesInto(models.JobSuperseded)}}
		cur, err := s.jobs.Find(sc, open, options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return nil, err
		}
		var ids []struct {
			ID string `bson:"_id"`
		}
		if err := cur.All(sc, &ids); err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			if _, err := s.jobs.UpdateMany(sc, open, bson.M{"$set": bson.M{
				"state": models.JobSuperseded, "updated_at": now, "finished_at": now,
			}}); err != nil {
				return nil, err
			}
			for _, id := range ids {
				res.SupersededJobs = append(res.SupersededJobs, id.ID)
			}
		}

		if _, err := s.docs.InsertOne(sc, doc); err != nil {
			return nil, err
		}
		if len(req.Chunks) > 0 {
			batch := make([]interface{}, 0, len(req.Chunks))
			for _, c := range req.Chunks {
				cp := *c
				cp.DocumentID = doc.ID
				cp.DocumentKey = key
				cp.Version = version
				cp.Superseded = false
				cp.CreatedAt = now
				batch = append(batch, cp)
			}
			if _, err := s.chunks.InsertMany(sc, batch); err != nil {
				return nil, err
			}
		}
		job := models.NewIndexingJob(req.JobID, key, doc.ID, doc.OwnerID, req.MaxRetries, now)
		if _, err := s.jobs.InsertOne(sc, job); err != nil {
			return nil, err
		}

		res.Document = &doc
		res.Job = job
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*ActivationResult), nil
}

func (s *MongoStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return findOne[models.Document](ctx, s.docs,
		bson.M{"_id": id, "deleted_at": bson.M{"$exists": false}}, "document not found")
}

func (s *MongoStore) ActiveDocument(ctx context.Context, documentKey string) (*models.Document, error) {
	return findOne[models.Document](ctx, s.docs,
		bson.M{"document_key": documentKey, "active": true}, "no active version for document key")
}

// scopeFilter restricts to documents the scope may read.
func scopeFilter(scope models.Scope) bson.M {
	if scope.Admin {
		return bson.M{}
	}
	return bson.M{"$or": bson.A{
		bson.M{"owner_id": scope.OwnerID},
		bson.M{"visibility": models.VisibilityPublic},
	}}
}

func (s *MongoStore) ListDocuments(ctx context.Context, filter models.DocumentFilter, page models.Page) ([]*models.Document, int64, error) {
	page = page.Normalize()
	q := scopeFilter(filter.Scope)
	q["deleted_at"] = bson.M{"$exists": false}
	if !filter.IncludeHistory {
		q["active"] = true
	}
	if filter.Category != "" {
		q["category"] = filter.Category
	}
	if len(filter.SourceTypes) > 0 {
		q["source_type"] = bson.M{"$in": filter.SourceTypes}
	}

	total, err := s.docs.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, apperr.Internal("count documents", err)
	}
	docs, err := findAll[models.Document](ctx, s.docs, q, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(page.Skip()).
		SetLimit(int64(page.PageSize)))
	if err != nil {
		return nil, 0, err
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	return docs, total, nil
}

func (s *MongoStore) UpdateDocumentMeta(ctx context.Context, id string, title, category *string) (*models.Document, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	chunkSet := bson.M{}
	if title != nil {
		set["title"] = *title
		chunkSet["title"] = *title
	}
	if category != nil {
		set["category"] = *category
		chunkSet["category"] = *category
	}
	var doc models.Document
	err := s.docs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "deleted_at": bson.M{"$exists": false}},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("document not found")
	}
	if err != nil {
		return nil, apperr.Internal("update document", err)
	}
	if len(chunkSet) > 0 {
		if _, err := s.chunks.UpdateMany(ctx, bson.M{"document_id": id}, bson.M{"$set": chunkSet}); err != nil {
			return nil, apperr.Internal("update chunk metadata", err)
		}
	}
	return &doc, nil
}

func (s *MongoStore) DeleteDocument(ctx context.Context, id string) (*models.Document, error) {
	now := time.Now().UTC()
	var doc models.Document
	err := s.docs.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "deleted_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"active": false, "deleted_at": now, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("document not found")
	}
	if err != nil {
		return nil, apperr.Internal("delete document", err)
	}
	if _, err := s.chunks.UpdateMany(ctx, bson.M{"document_id": id}, bson.M{"$set": bson.M{"deleted": true}}); err != nil {
		return nil, apperr.Internal("retire chunks", err)
	}
	if _, err := s.jobs.UpdateMany(ctx,
		bson.M{"document_id": id, "state": bson.M{"$in": models.StatesInto(models.JobSuperseded)}},
		bson.M{"$set": bson.M{"state": models.JobSuperseded, "updated_at": now, "finished_at": now}},
	); err != nil {
		return nil, apperr.Internal("retire jobs", err)
	}
	return &doc, nil
}

func (s *MongoStore) GetChunks(ctx context.Context, ids []string) ([]*models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return findAll[models.Chunk](ctx, s.chunks, bson.M{"_id": bson.M{"$in": ids}})
}

func (s *MongoStore) ListChunks(ctx context.Context, documentID string) ([]*models.Chunk, error) {
	return findAll[models.Chunk](ctx, s.chunks, bson.M{"document_id": documentID},
		options.Find().SetSort(bson.D{{Key: "ordinal", Value: 1}}))
}

func (s *MongoStore) CountChunks(ctx context.Context, documentID string) (int64, error) {
	n, err := s.chunks.CountDocuments(ctx, bson.M{"document_id": documentID})
	if err != nil {
		return 0, apperr.Internal("count chunks", err)
	}
	return n, nil
}

// KeywordSearch pushes scope, liveness and every filter into the query so
// ineligible chunks are never read.
func (s *MongoStore) KeywordSearch(ctx context.Context, q KeywordQuery) ([]*models.Chunk, error) {
	needles := keywordNeedles(q)
	if len(needles) == 0 {
		return nil, nil
	}
	var match bson.A
	for _, n := range needles {
		re := bson.M{"$regex": regexp.QuoteMeta(n), "$options": "i"}
		match = append(match, bson.M{"text": re}, bson.M{"title": re})
	}

	and := bson.A{bson.M{"$or": match}}
	if scope := scopeFilter(q.Scope); len(scope) > 0 {
		and = append(and, scope)
	}
	filter := bson.M{
		"superseded": false,
		"deleted":    bson.M{"$ne": true},
		"$and":       and,
	}
	if q.Filters.Category != "" {
		filter["category"] = q.Filters.Category
	}
	if len(q.Filters.SourceTypes) > 0 {
		filter["source_type"] = bson.M{"$in": q.Filters.SourceTypes}
	}
	created := bson.M{}
	if q.Filters.DateFrom != nil {
		created["$gte"] = *q.Filters.DateFrom
	}
	if q.Filters.DateTo != nil {
		created["$lte"] = *q.Filters.DateTo
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	opts := options.Find().SetSort(bson.D{{Key: "document_id", Value: 1}, {Key: "ordinal", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return findAll[models.Chunk](ctx, s.chunks, filter, opts)
}
