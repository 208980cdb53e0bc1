package models

import "time"

// Citation is immutable once attached to a message.
type Citation struct {
	SourceDocumentID string  `bson:"source_document_id" json:"source_document_id"`
	ChunkID          string  `bson:"chunk_id,omitempty" json:"chunk_id,omitempty"`
	Title            string  `bson:"title" json:"title"`
	URL              string  `bson:"url,omitempty" json:"url,omitempty"`
	Page             int     `bson:"page,omitempty" json:"page,omitempty"`
	Section          string  `bson:"section,omitempty" json:"section,omitempty"`
	Score            float64 `bson:"score" json:"score"`
}

type Session struct {
	ID                string    `bson:"_id" json:"id"`
	OwnerID           string    `bson:"owner_id" json:"owner_id"`
	Title             string    `bson:"title,omitempty" json:"title,omitempty"`
	ClinicalContextID string    `bson:"clinical_context_id,omitempty" json:"clinical_context_id,omitempty"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at" json:"updated_at"`
}

type MessageStatus string

const (
	MessageComplete MessageStatus = "complete"
	MessageDegraded MessageStatus = "degraded"
	MessageFailed   MessageStatus = "failed"
)

type ChatMessage struct {
	ID        string        `bson:"_id" json:"id"`
	SessionID string        `bson:"session_id" json:"session_id"`
	OwnerID   string        `bson:"owner_id" json:"owner_id"`
	Role      string        `bson:"role" json:"role"` // user | assistant
	Content   string        `bson:"content" json:"content"`
	Status    MessageStatus `bson:"status" json:"status"`
	Model     string        `bson:"model,omitempty" json:"model,omitempty"`
	Strategy  string        `bson:"strategy,omitempty" json:"strategy,omitempty"`
	PHI       bool          `bson:"phi" json:"phi"`
	Citations []Citation    `bson:"citations,omitempty" json:"citations"`
	CreatedAt time.Time     `bson:"created_at" json:"created_at"`
}

// ClinicalContext is short-lived structured patient context pinned to a session.
type ClinicalContext struct {
	ID        string            `bson:"_id" json:"id"`
	OwnerID   string            `bson:"owner_id" json:"owner_id"`
	SessionID string            `bson:"session_id,omitempty" json:"session_id,omitempty"`
	Summary   string            `bson:"summary" json:"summary"`
	Fields    map[string]string `bson:"fields,omitempty" json:"fields,omitempty"`
	ExpiresAt time.Time         `bson:"expires_at" json:"expires_at"`
	CreatedAt time.Time         `bson:"created_at" json:"created_at"`
}

func (c *ClinicalContext) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

// HistoryTurn is a prior exchange supplied by the client with a query.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
