package realtime

import (
	"time"

	"clinical-kb-platform/models"
)

// Server to client frame types.
const (
	FrameConnected       = "connected"
	FrameMessageStart    = "message_start"
	FrameMessageChunk    = "message_chunk"
	FrameMessageComplete = "message_complete"
	FramePong            = "pong"
	FrameError           = "error"
)

// Client to server frame types.
const (
	FrameMessage = "message"
	FramePing    = "ping"
)

// Error codes that only the channel itself produces. Query failures carry
// the service error code.
const (
	CodeBusy         = "busy"
	CodeInvalidFrame = "invalid_frame"
	CodeUnsupported  = "unsupported_type"
)

type Capabilities struct {
	Streaming       bool     `json:"streaming"`
	MaxMessageChars int      `json:"max_message_chars"`
	Strategies      []string `json:"strategies"`
	PHIRouting      bool     `json:"phi_routing"`
}

// ServerFrame is every frame the server sends; unused members are omitted.
type ServerFrame struct {
	Type         string            `json:"type"`
	ConnectionID string            `json:"connection_id,omitempty"`
	Capabilities *Capabilities     `json:"capabilities,omitempty"`
	MessageID    string            `json:"message_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	ChunkIndex   *int              `json:"chunk_index,omitempty"`
	Delta        string            `json:"delta,omitempty"`
	Content      string            `json:"content,omitempty"`
	Sources      []models.Citation `json:"sources,omitempty"`
	Degraded     bool              `json:"degraded,omitempty"`
	PHIDetected  bool              `json:"phi_detected,omitempty"`
	Strategy     string            `json:"strategy,omitempty"`
	Code         string            `json:"code,omitempty"`
	Message      string            `json:"message,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// ClientFrame is a frame read from the client.
type ClientFrame struct {
	Type              string               `json:"type"`
	Content           string               `json:"content"`
	SessionID         string               `json:"session_id,omitempty"`
	ClinicalContextID string               `json:"clinical_context_id,omitempty"`
	ContextDocuments  []string             `json:"context_documents,omitempty"`
	Filters           models.SearchFilters `json:"filters,omitempty"`
	Strategy          string               `json:"strategy,omitempty"`
}
