package database

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"clinical-kb-platform/internal/apperr"
)

// MongoStore implements Store on MongoDB. Version activation requires a
// replica set because it runs in a multi-document transaction.
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	docs     *mongo.Collection
	chunks   *mongo.Collection
	jobs     *mongo.Collection
	sessions *mongo.Collection
	messages *mongo.Collection
	contexts *mongo.Collection
	flags    *mongo.Collection
	audit    *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	db := client.Database(dbName)
	return &MongoStore{
		client:   client,
		db:       db,
		docs:     db.Collection(CollectionDocuments),
		chunks:   db.Collection(CollectionChunks),
		jobs:     db.Collection(CollectionJobs),
		sessions: db.Collection(CollectionSessions),
		messages: db.Collection(CollectionMessages),
		contexts: db.Collection(CollectionClinicalContexts),
		flags:    db.Collection(CollectionFlags),
		audit:    db.Collection(CollectionAudit),
	}
}

func (s *MongoStore) Database() *mongo.Database { return s.db }

// EnsureIndexes creates every index the store relies on. The partial unique
// index on active documents is what stops two concurrent uploads of one
// document key from both becoming active.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	specs := map[*mongo.Collection][]mongo.IndexModel{
		s.docs: {
			{
				Keys: bson.D{{Key: "document_key", Value: 1}},
				Options: options.Index().
					SetName("uniq_active_document_key").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"active": true}),
			},
			{Keys: bson.D{{Key: "document_key", Value: 1}, {Key: "version", Value: -1}}},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "visibility", Value: 1}, {Key: "category", Value: 1}}},
		},
		s.chunks: {
			{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "ordinal", Value: 1}}},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "superseded", Value: 1}}},
		},
		s.jobs: {
			{Keys: bson.D{{Key: "document_key", Value: 1}, {Key: "state", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "updated_at", Value: 1}}},
		},
		s.messages: {
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		s.contexts: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		},
		s.audit: {
			{Keys: bson.D{{Key: "actor_id", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "action", Value: 1}}},
			{Keys: bson.D{{Key: "resource", Value: 1}, {Key: "resource_id", Value: 1}}},
		},
	}
	for col, idx := range specs {
		if _, err := col.Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("create indexes on %s: %w", col.Name(), err)
		}
	}
	return nil
}

func findOne[T any](ctx context.Context, col *mongo.Collection, filter any, notFound string, opts ...*options.FindOneOptions) (*T, error) {
	var out T
	err := col.FindOne(ctx, filter, opts...).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound(notFound)
	}
	if err != nil {
		return nil, apperr.Internal("query "+col.Name(), err)
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, col *mongo.Collection, filter any, opts ...*options.FindOptions) ([]*T, error) {
	cur, err := col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, apperr.Internal("query "+col.Name(), err)
	}
	defer cur.Close(ctx)
	var out []*T
	if err := cur.All(ctx, &out); err != nil {
		return nil, apperr.Internal("decode "+col.Name(), err)
	}
	return out, nil
}
