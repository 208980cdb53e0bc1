package models

import (
	"time"
)

type SourceType string

const (
	SourceUserDocument     SourceType = "user_document"
	SourceCuratedGuideline SourceType = "curated_guideline"
	SourceLiterature       SourceType = "literature"
	SourceAdminKB          SourceType = "admin_kb"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceUserDocument, SourceCuratedGuideline, SourceLiterature, SourceAdminKB:
		return true
	}
	return false
}

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Document is one version of a source unit. At most one version per
// DocumentKey has Active set.
type Document struct {
	ID           string            `bson:"_id" json:"id"`
	DocumentKey  string            `bson:"document_key" json:"document_key"`
	ContentHash  string            `bson:"content_hash" json:"content_hash"`
	Version      int               `bson:"version" json:"version"`
	SupersededBy string            `bson:"superseded_by,omitempty" json:"superseded_by,omitempty"`
	Active       bool              `bson:"active" json:"active"`
	SourceType   SourceType        `bson:"source_type" json:"source_type"`
	Visibility   Visibility        `bson:"visibility" json:"visibility"`
	OwnerID      string            `bson:"owner_id" json:"owner_id"`
	Title        string            `bson:"title" json:"title"`
	Category     string            `bson:"category,omitempty" json:"category,omitempty"`
	Filename     string            `bson:"filename" json:"filename"`
	MimeType     string            `bson:"mime_type,omitempty" json:"mime_type,omitempty"`
	Size         int64             `bson:"size" json:"size"`
	Pages        int               `bson:"pages,omitempty" json:"pages,omitempty"`
	ChunkCount   int               `bson:"chunk_count" json:"chunk_count"`
	Tags         []string          `bson:"tags,omitempty" json:"tags,omitempty"`
	Metadata     map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt    time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time         `bson:"updated_at" json:"updated_at"`
	DeletedAt    *time.Time        `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

func (d *Document) IsSuperseded() bool { return d.SupersededBy != "" }

func (d *Document) IsDeleted() bool { return d.DeletedAt != nil }

// Scope identifies who is asking. Admin scope sees every owner's content.
type Scope struct {
	OwnerID string
	Admin   bool
}

// CanRead reports whether the document is visible to the scope.
func (s Scope) CanRead(d *Document) bool {
	if d == nil || d.IsDeleted() {
		return false
	}
	return s.Admin || d.OwnerID == s.OwnerID || d.Visibility == VisibilityPublic
}

// CanModify is stricter than CanRead: public documents stay owner-only.
func (s Scope) CanModify(d *Document) bool {
	if d == nil || d.IsDeleted() {
		return false
	}
	return s.Admin || d.OwnerID == s.OwnerID
}

// DocumentFilter narrows ListDocuments.
type DocumentFilter struct {
	Scope          Scope
	Category       string
	SourceTypes    []SourceType
	IncludeHistory bool
}

type Page struct {
	Page     int
	PageSize int
}

// Normalize clamps paging to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	return p
}

func (p Page) Skip() int64 { return int64((p.Page - 1) * p.PageSize) }

// DocumentView is what the upload, list and get endpoints return.
type DocumentView struct {
	*Document
	JobID    string   `json:"job_id,omitempty"`
	JobState JobState `json:"job_state,omitempty"`
	Progress float64  `json:"progress"`
}
