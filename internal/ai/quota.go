package ai

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrQuotaExceeded means the owner has used their daily remote-model tokens.
var ErrQuotaExceeded = errors.New("daily remote model quota exceeded")

// Quota meters remote-model tokens per owner per UTC day. Exhausted owners
// are served by the local model instead.
type Quota interface {
	Reserve(ctx context.Context, ownerID string, tokens int) error
}

// OwnerQuota is the persisted per-owner usage row.
type OwnerQuota struct {
	OwnerID         string    `bson:"_id" json:"owner_id"`
	DailyTokenLimit int       `bson:"daily_token_limit" json:"daily_token_limit"`
	TokensUsedToday int       `bson:"tokens_used_today" json:"tokens_used_today"`
	RequestsToday   int       `bson:"requests_today" json:"requests_today"`
	LastResetDate   time.Time `bson:"last_reset_date" json:"last_reset_date"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updated_at"`
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type MongoQuota struct {
	col          *mongo.Collection
	defaultLimit int
}

func NewMongoQuota(db *mongo.Database, defaultLimit int) *MongoQuota {
	return &MongoQuota{col: db.Collection("model_quotas"), defaultLimit: defaultLimit}
}

// Reserve resets a stale day and then increments only if the reservation
// fits, in a single conditional update each.
func (q *MongoQuota) Reserve(ctx context.Context, ownerID string, tokens int) error {
	now := time.Now().UTC()
	today := utcDay(now)

	if _, err := q.col.UpdateOne(ctx,
		bson.M{"_id": ownerID},
		bson.M{"$setOnInsert": bson.M{
			"daily_token_limit": q.defaultLimit,
			"tokens_used_today": 0,
			"requests_today":    0,
			"last_reset_date":   today,
			"updated_at":        now,
		}},
		options.Update().SetUpsert(true),
	); err != nil {
		return err
	}
	if _, err := q.col.UpdateOne(ctx,
		bson.M{"_id": ownerID, "last_reset_date": bson.M{"$lt": today}},
		bson.M{"$set": bson.M{"tokens_used_today": 0, "requests_today": 0, "last_reset_date": today, "updated_at": now}},
	); err != nil {
		return err
	}

	res, err := q.col.UpdateOne(ctx,
		bson.M{"_id": ownerID, "$expr": bson.M{"$lte": bson.A{
			bson.M{"$add": bson.A{"$tokens_used_today", tokens}}, "$daily_token_limit",
		}}},
		bson.M{
			"$inc": bson.M{"tokens_used_today": tokens, "requests_today": 1},
			"$set": bson.M{"updated_at": now},
		},
	)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

func (q *MongoQuota) Status(ctx context.Context, ownerID string) (*OwnerQuota, error) {
	var out OwnerQuota
	if err := q.col.FindOne(ctx, bson.M{"_id": ownerID}).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (q *MongoQuota) SetLimit(ctx context.Context, ownerID string, dailyLimit int) error {
	_, err := q.col.UpdateOne(ctx,
		bson.M{"_id": ownerID},
		bson.M{
			"$set":         bson.M{"daily_token_limit": dailyLimit, "updated_at": time.Now().UTC()},
			"$setOnInsert": bson.M{"tokens_used_today": 0, "requests_today": 0, "last_reset_date": utcDay(time.Now())},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// MemoryQuota is the single-process Quota.
type MemoryQuota struct {
	mu           sync.Mutex
	defaultLimit int
	rows         map[string]*OwnerQuota
	now          func() time.Time
}

func NewMemoryQuota(defaultLimit int) *MemoryQuota {
	return &MemoryQuota{defaultLimit: defaultLimit, rows: map[string]*OwnerQuota{}, now: time.Now}
}

func (q *MemoryQuota) Reserve(_ context.Context, ownerID string, tokens int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	today := utcDay(q.now())
	row, ok := q.rows[ownerID]
	if !ok {
		row = &OwnerQuota{OwnerID: ownerID, DailyTokenLimit: q.defaultLimit, LastResetDate: today}
		q.rows[ownerID] = row
	}
	if row.LastResetDate.Before(today) {
		row.TokensUsedToday, row.RequestsToday, row.LastResetDate = 0, 0, today
	}
	if row.TokensUsedToday+tokens > row.DailyTokenLimit {
		return ErrQuotaExceeded
	}
	row.TokensUsedToday += tokens
	row.RequestsToday++
	return nil
}
