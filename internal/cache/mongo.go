package cache

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionCacheEntries = "cache_entries"

type mongoEntry struct {
	ID        string    `bson:"_id"`
	Namespace string    `bson:"namespace"`
	Value     []byte    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// MongoTier is the durable L3. Mongo's TTL monitor removes expired
// documents; reads also filter on expiry because the monitor runs lazily.
type MongoTier struct {
	col *mongo.Collection
}

func NewMongoTier(db *mongo.Database) *MongoTier {
	return &MongoTier{col: db.Collection(CollectionCacheEntries)}
}

// EnsureIndexes creates the TTL and namespace indexes.
func (t *MongoTier) EnsureIndexes(ctx context.Context) error {
	_, err := t.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		{Keys: bson.D{{Key: "namespace", Value: 1}}},
	})
	return err
}

func (t *MongoTier) Name() string { return "l3" }

func entryID(namespace, key string) string { return namespace + ":" + key }

func (t *MongoTier) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var e mongoEntry
	err := t.col.FindOne(ctx, bson.M{
		"_id":        entryID(namespace, key),
		"expires_at": bson.M{"$gt": time.Now()},
	}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

func (t *MongoTier) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	e := mongoEntry{
		ID:        entryID(namespace, key),
		Namespace: namespace,
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
	_, err := t.col.ReplaceOne(ctx, bson.M{"_id": e.ID}, e, options.Replace().SetUpsert(true))
	return err
}

func (t *MongoTier) Delete(ctx context.Context, namespace, key string) error {
	_, err := t.col.DeleteOne(ctx, bson.M{"_id": entryID(namespace, key)})
	return err
}

func (t *MongoTier) InvalidateNamespace(ctx context.Context, namespace string) error {
	_, err := t.col.DeleteMany(ctx, bson.M{"namespace": namespace})
	return err
}
