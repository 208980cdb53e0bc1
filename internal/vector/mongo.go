package vector

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionChunkVectors = "chunk_vectors"

// MongoIndex uses an Atlas Vector Search index over chunk_vectors. The index
// itself is created out of band; EnsureIndexes covers the plain indexes.
type MongoIndex struct {
	col       *mongo.Collection
	indexName string
	dimension int
}

func NewMongoIndex(db *mongo.Database, indexName string, dimension int) *MongoIndex {
	if indexName == "" {
		indexName = "chunk_vector_index"
	}
	return &MongoIndex{col: db.Collection(CollectionChunkVectors), indexName: indexName, dimension: dimension}
}

func (m *MongoIndex) EnsureCollection(ctx context.Context) error {
	_, err := m.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "document_id", Value: 1}},
	})
	return err
}

func (m *MongoIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(points))
	for _, p := range points {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": p.ChunkID}).
			SetReplacement(p).
			SetUpsert(true))
	}
	_, err := m.col.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	return err
}

// mongoFilter uses only operators $vectorSearch accepts in its pre-filter.
func mongoFilter(f Filter) bson.M {
	var and bson.A
	if f.ExcludeSuperseded {
		and = append(and, bson.M{"superseded": bson.M{"$eq": false}})
	}
	if !f.Admin {
		and = append(and, bson.M{"$or": bson.A{
			bson.M{"owner_id": bson.M{"$eq": f.OwnerID}},
			bson.M{"visibility": bson.M{"$eq": "public"}},
		}})
	}
	if len(f.SourceTypes) > 0 {
		types := make(bson.A, len(f.SourceTypes))
		for i, t := range f.SourceTypes {
			types[i] = string(t)
		}
		and = append(and, bson.M{"source_type": bson.M{"$in": types}})
	}
	if len(and) == 0 {
		return nil
	}
	return bson.M{"$and": and}
}

func (m *MongoIndex) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	stage := bson.M{
		"index":         m.indexName,
		"path":          "embedding",
		"queryVector":   vector,
		"numCandidates": topK * 20,
		"limit":         topK,
	}
	if f := mongoFilter(filter); f != nil {
		stage["filter"] = f
	}
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: stage}},
		{{Key: "$project", Value: bson.M{
			"document_id": 1,
			"score":       bson.M{"$meta": "vectorSearchScore"},
		}}},
	}
	cur, err := m.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rows []struct {
		ChunkID    string  `bson:"_id"`
		DocumentID string  `bson:"document_id"`
		Score      float64 `bson:"score"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{ChunkID: r.ChunkID, DocumentID: r.DocumentID, Score: r.Score}
	}
	return hits, nil
}

func (m *MongoIndex) MarkSuperseded(ctx context.Context, documentID string) error {
	_, err := m.col.UpdateMany(ctx, bson.M{"document_id": documentID}, bson.M{"$set": bson.M{"superseded": true}})
	return err
}

func (m *MongoIndex) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := m.col.DeleteMany(ctx, bson.M{"document_id": documentID})
	return err
}
