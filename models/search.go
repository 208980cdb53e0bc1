package models

import "time"

// SearchFilters are the optional narrowing filters on search and query requests.
type SearchFilters struct {
	Category    string       `json:"category,omitempty"`
	DateFrom    *time.Time   `json:"date_from,omitempty"`
	DateTo      *time.Time   `json:"date_to,omitempty"`
	SourceTypes []SourceType `json:"source_types,omitempty"`
}

// Candidate is one ranked retrieval result.
type Candidate struct {
	ChunkID    string     `json:"chunk_id"`
	DocumentID string     `json:"document_id"`
	Title      string     `json:"title"`
	Text       string     `json:"text"`
	Score      float64    `json:"score"`
	Version    int        `json:"version"`
	Ordinal    int        `json:"ordinal"`
	Page       int        `json:"page,omitempty"`
	Section    string     `json:"section,omitempty"`
	SourceType SourceType `json:"source_type"`
	URL        string     `json:"url,omitempty"`
	Sources    []string   `json:"sources"`
}

// Citation converts a candidate into the citation attached to an answer.
func (c Candidate) Citation() Citation {
	return Citation{
		SourceDocumentID: c.DocumentID,
		ChunkID:          c.ChunkID,
		Title:            c.Title,
		URL:              c.URL,
		Page:             c.Page,
		Section:          c.Section,
		Score:            c.Score,
	}
}
