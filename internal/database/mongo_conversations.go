package database

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/models"
)

func (s *MongoStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if _, err := s.sessions.InsertOne(ctx, sess); err != nil {
		return apperr.Internal("create session", err)
	}
	return nil
}

func (s *MongoStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return findOne[models.Session](ctx, s.sessions, bson.M{"_id": id}, "session not found")
}

func (s *MongoStore) SaveMessage(ctx context.Context, m *models.ChatMessage) error {
	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		return apperr.Internal("save message", err)
	}
	if _, err := s.sessions.UpdateOne(ctx, bson.M{"_id": m.SessionID},
		bson.M{"$set": bson.M{"updated_at": m.CreatedAt}}); err != nil {
		return apperr.Internal("touch session", err)
	}
	return nil
}

// ListMessages returns the newest limit messages in chronological order.
func (s *MongoStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	msgs, err := findAll[models.ChatMessage](ctx, s.messages, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *MongoStore) SaveClinicalContext(ctx context.Context, c *models.ClinicalContext) error {
	_, err := s.contexts.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.Internal("save clinical context", err)
	}
	return nil
}

// GetClinicalContext filters on expires_at as well; the TTL monitor only runs
// once a minute.
func (s *MongoStore) GetClinicalContext(ctx context.Context, id string) (*models.ClinicalContext, error) {
	return findOne[models.ClinicalContext](ctx, s.contexts,
		bson.M{"_id": id, "expires_at": bson.M{"$gt": time.Now().UTC()}},
		"clinical context not found or expired")
}

func (s *MongoStore) PurgeExpiredContexts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.contexts.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, apperr.Internal("purge clinical contexts", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) GetFlag(ctx context.Context, name string) (*models.Flag, error) {
	return findOne[models.Flag](ctx, s.flags, bson.M{"_id": name}, "flag not found")
}

func (s *MongoStore) UpsertFlag(ctx context.Context, f *models.Flag) error {
	_, err := s.flags.ReplaceOne(ctx, bson.M{"_id": f.Name}, f, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.Internal("upsert flag", err)
	}
	return nil
}

func (s *MongoStore) ListFlags(ctx context.Context) ([]*models.Flag, error) {
	return findAll[models.Flag](ctx, s.flags, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *MongoStore) InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	if _, err := s.audit.InsertOne(ctx, e); err != nil {
		return apperr.Internal("insert audit event", err)
	}
	return nil
}

// ListAuditEvents returns the newest limit events for the actor, oldest first.
func (s *MongoStore) ListAuditEvents(ctx context.Context, actorID string, limit int) ([]*models.AuditEvent, error) {
	q := bson.M{}
	if actorID != "" {
		q["actor_id"] = actorID
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	events, err := findAll[models.AuditEvent](ctx, s.audit, q, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

var (
	_ Store = (*MongoStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
