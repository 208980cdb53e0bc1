package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Audit actions recorded by the knowledge base.
const (
	AuditForbidden     = "FORBIDDEN"
	AuditDelete        = "DELETE"
	AuditPHILocal      = "PHI_FORCED_LOCAL"
	AuditFlagChanged   = "FLAG_UPDATE"
	AuditJobRetried    = "JOB_RETRY"
	AuditVersionActive = "VERSION_ACTIVATED"
	AuditAdminRequest  = "ADMIN_REQUEST"
)

// AuditEvent represents an immutable audit log entry. Events for one actor
// form a hash chain through PreviousHash.
type AuditEvent struct {
	ID           string            `bson:"_id,omitempty" json:"id"`
	Timestamp    time.Time         `bson:"timestamp" json:"timestamp"`
	ActorID      string            `bson:"actor_id" json:"actor_id"`
	Action       string            `bson:"action" json:"action"`
	Resource     string            `bson:"resource" json:"resource"`
	ResourceID   string            `bson:"resource_id" json:"resource_id"`
	RequestID    string            `bson:"request_id,omitempty" json:"request_id,omitempty"`
	Success      bool              `bson:"success" json:"success"`
	Detail       map[string]string `bson:"detail,omitempty" json:"detail,omitempty"`
	PreviousHash string            `bson:"previous_hash" json:"previous_hash"`
	CurrentHash  string            `bson:"current_hash" json:"current_hash"`
}

// ComputeHash computes the hash of this audit event
func (e *AuditEvent) ComputeHash() string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%t|%s",
		e.Timestamp.Format(time.RFC3339Nano),
		e.ActorID,
		e.Action,
		e.Resource,
		e.ResourceID,
		e.Success,
		e.PreviousHash,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
