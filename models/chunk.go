package models

import (
	"fmt"
	"time"
)

// Chunk is an immutable segment of one document version. Only Superseded
// ever changes after insert.
type Chunk struct {
	ID          string     `bson:"_id" json:"id"`
	DocumentID  string     `bson:"document_id" json:"document_id"`
	DocumentKey string     `bson:"document_key" json:"document_key"`
	OwnerID     string     `bson:"owner_id" json:"owner_id"`
	Visibility  Visibility `bson:"visibility" json:"visibility"`
	SourceType  SourceType `bson:"source_type" json:"source_type"`
	Title       string     `bson:"title" json:"title"`
	Category    string     `bson:"category,omitempty" json:"category,omitempty"`
	Version     int        `bson:"version" json:"version"`
	Ordinal     int        `bson:"ordinal" json:"ordinal"`
	Text        string     `bson:"text" json:"text"`
	StartOffset int        `bson:"start_offset" json:"start_offset"`
	EndOffset   int        `bson:"end_offset" json:"end_offset"`
	Page        int        `bson:"page,omitempty" json:"page,omitempty"`
	Section     string     `bson:"section,omitempty" json:"section,omitempty"`
	Superseded  bool       `bson:"superseded" json:"superseded"`
	Deleted     bool       `bson:"deleted,omitempty" json:"-"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
}

func ChunkID(documentID string, ordinal int) string {
	return fmt.Sprintf("%s_%d", documentID, ordinal)
}

// Live chunks are eligible for search.
func (c *Chunk) Live() bool { return !c.Superseded && !c.Deleted }

// Readable applies the same visibility rule as Scope.CanRead.
func (s Scope) Readable(c *Chunk) bool {
	return s.Admin || c.OwnerID == s.OwnerID || c.Visibility == VisibilityPublic
}
