package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"clinical-kb-platform/internal/cache"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/vector"
	"clinical-kb-platform/services"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/migrate <command>")
		fmt.Println("Commands:")
		fmt.Println("  indexes     - Create collection indexes and the vector collection")
		fmt.Println("  seed-flags  - Insert default runtime flags that do not exist yet")
		fmt.Println("  all         - indexes, then seed-flags")
		fmt.Println("  verify      - Print document counts per collection")
		os.Exit(1)
	}
	command := os.Args[1]

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	client, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer client.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	store := database.NewMongoStore(client, cfg.DBName)

	switch command {
	case "indexes":
		if err := ensureIndexes(ctx, cfg, store); err != nil {
			log.Fatalf("Index creation failed: %v", err)
		}
	case "seed-flags":
		if err := seedFlags(ctx, cfg, store); err != nil {
			log.Fatalf("Flag seeding failed: %v", err)
		}
	case "all":
		if err := ensureIndexes(ctx, cfg, store); err != nil {
			log.Fatalf("Index creation failed: %v", err)
		}
		if err := seedFlags(ctx, cfg, store); err != nil {
			log.Fatalf("Flag seeding failed: %v", err)
		}
	case "verify":
		if err := verify(ctx, store.Database()); err != nil {
			log.Fatalf("Verification failed: %v", err)
		}
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}
}

func ensureIndexes(ctx context.Context, cfg *config.Config, store *database.MongoStore) error {
	fmt.Println("Creating indexes...")
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := cache.NewMongoTier(store.Database()).EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("cache entries: %w", err)
	}
	index, err := vector.Open(cfg, store.Database())
	if err != nil {
		return err
	}
	if err := index.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("vector collection: %w", err)
	}
	fmt.Println("Indexes ready")
	return nil
}

func seedFlags(ctx context.Context, cfg *config.Config, store *database.MongoStore) error {
	inserted, err := services.NewFlagService(cfg, store, nil, nil).Seed(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Seeded %d flags\n", inserted)
	return nil
}

func verify(ctx context.Context, db *mongo.Database) error {
	names, err := db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		count, err := db.Collection(name).CountDocuments(ctx, bson.M{})
		if err != nil {
			return fmt.Errorf("count %s: %w", name, err)
		}
		fmt.Printf("  %s: %d documents\n", name, count)
	}
	return nil
}
