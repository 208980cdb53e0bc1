// Package vector stores chunk embeddings and answers nearest-neighbour
// queries with the ownership filter applied inside the backend.
package vector

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/models"
)

// Point is one chunk embedding plus the payload needed to filter it.
type Point struct {
	ChunkID    string            `json:"chunk_id" bson:"_id"`
	DocumentID string            `json:"document_id" bson:"document_id"`
	OwnerID    string            `json:"owner_id" bson:"owner_id"`
	Visibility models.Visibility `json:"visibility" bson:"visibility"`
	SourceType models.SourceType `json:"source_type" bson:"source_type"`
	Ordinal    int               `json:"ordinal" bson:"ordinal"`
	Superseded bool              `json:"superseded" bson:"superseded"`
	Vector     []float32         `json:"-" bson:"embedding"`
}

type Hit struct {
	ChunkID    string
	DocumentID string
	Score      float64
}

// Filter is translated into each backend's native pre-filter.
type Filter struct {
	OwnerID string
	// Admin drops the ownership condition.
	Admin             bool
	SourceTypes       []models.SourceType
	ExcludeSuperseded bool
}

// ScopeFilter builds the filter every live search uses.
func ScopeFilter(scope models.Scope, sourceTypes []models.SourceType) Filter {
	return Filter{
		OwnerID:           scope.OwnerID,
		Admin:             scope.Admin,
		SourceTypes:       sourceTypes,
		ExcludeSuperseded: true,
	}
}

func (f Filter) allows(p *Point) bool {
	if f.ExcludeSuperseded && p.Superseded {
		return false
	}
	if !f.Admin && p.OwnerID != f.OwnerID && p.Visibility != models.VisibilityPublic {
		return false
	}
	if len(f.SourceTypes) == 0 {
		return true
	}
	for _, t := range f.SourceTypes {
		if p.SourceType == t {
			return true
		}
	}
	return false
}

type Index interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error)
	MarkSuperseded(ctx context.Context, documentID string) error
	DeleteDocument(ctx context.Context, documentID string) error
}

// Open builds the backend named by cfg.VectorBackend.
func Open(cfg *config.Config, db *mongo.Database) (Index, error) {
	switch cfg.VectorBackend {
	case "memory":
		return NewMemoryIndex(), nil
	case "qdrant":
		return NewQdrantIndex(QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dimension:  cfg.VectorDimensions,
		}), nil
	case "mongo", "":
		if db == nil {
			return nil, fmt.Errorf("mongo vector backend needs a database")
		}
		return NewMongoIndex(db, cfg.VectorIndexName, cfg.VectorDimensions), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}
