package models

import (
	"fmt"
	"time"
)

type JobState string

const (
	JobPending    JobState = "pending"
	JobRunning    JobState = "running"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobSuperseded JobState = "superseded"
)

const DefaultMaxRetries = 3

// jobTransitions is the indexing job state machine. Supersession is legal
// from every state except itself.
var jobTransitions = map[JobState][]JobState{
	JobPending:   {JobRunning, JobSuperseded},
	JobRunning:   {JobCompleted, JobFailed, JobSuperseded},
	JobFailed:    {JobRunning, JobSuperseded},
	JobCompleted: {JobSuperseded},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatesInto lists every state with an edge into to. Stores use it to guard
// conditional updates.
func StatesInto(to JobState) []JobState {
	var out []JobState
	for _, from := range []JobState{JobPending, JobRunning, JobFailed, JobCompleted, JobSuperseded} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// IndexingJob tracks one ingestion attempt for a document version.
type IndexingJob struct {
	ID              string     `bson:"_id" json:"id"`
	DocumentKey     string     `bson:"document_key" json:"document_key"`
	DocumentID      string     `bson:"document_id" json:"document_id"`
	OwnerID         string     `bson:"owner_id" json:"owner_id"`
	State           JobState   `bson:"state" json:"state"`
	TotalChunks     *int       `bson:"total_chunks" json:"total_chunks"`
	ProcessedChunks int        `bson:"processed_chunks" json:"processed_chunks"`
	RetryCount      int        `bson:"retry_count" json:"retry_count"`
	MaxRetries      int        `bson:"max_retries" json:"max_retries"`
	ErrorDetails    string     `bson:"error_details,omitempty" json:"error_details,omitempty"`
	CreatedAt       time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at" json:"updated_at"`
	StartedAt       *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt      *time.Time `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
}

func NewIndexingJob(id, documentKey, documentID, ownerID string, maxRetries int, now time.Time) *IndexingJob {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &IndexingJob{
		ID:          id,
		DocumentKey: documentKey,
		DocumentID:  documentID,
		OwnerID:     ownerID,
		State:       JobPending,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RetriesLeft reports whether a failed job may be claimed again.
func (j *IndexingJob) RetriesLeft() bool { return j.RetryCount < j.MaxRetries }

// Claimable is true for pending jobs and failed jobs with retries left.
func (j *IndexingJob) Claimable() bool {
	return j.State == JobPending || (j.State == JobFailed && j.RetriesLeft())
}

// Terminal jobs are never picked up again.
func (j *IndexingJob) Terminal() bool {
	switch j.State {
	case JobCompleted, JobSuperseded:
		return true
	case JobFailed:
		return !j.RetriesLeft()
	}
	return false
}

// Progress is processed/total, or 0 while the total is unknown.
func (j *IndexingJob) Progress() float64 {
	if j.TotalChunks == nil || *j.TotalChunks == 0 {
		if j.State == JobCompleted {
			return 1
		}
		return 0
	}
	p := float64(j.ProcessedChunks) / float64(*j.TotalChunks)
	if p > 1 {
		p = 1
	}
	return p
}

// Transition applies one state-machine edge in memory.
func (j *IndexingJob) Transition(to JobState, now time.Time) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.State, to)
	}
	if to == JobRunning && j.State == JobFailed {
		if !j.RetriesLeft() {
			return fmt.Errorf("job %s: retries exhausted (%d/%d)", j.ID, j.RetryCount, j.MaxRetries)
		}
		j.RetryCount++
	}
	j.State = to
	j.UpdatedAt = now
	switch to {
	case JobRunning:
		j.StartedAt = &now
		j.FinishedAt = nil
		j.ErrorDetails = ""
	case JobCompleted, JobFailed, JobSuperseded:
		j.FinishedAt = &now
	}
	return nil
}

// Advance raises ProcessedChunks monotonically, capped at TotalChunks.
func (j *IndexingJob) Advance(processed int) {
	if processed < j.ProcessedChunks {
		return
	}
	if j.TotalChunks != nil && processed > *j.TotalChunks {
		processed = *j.TotalChunks
	}
	j.ProcessedChunks = processed
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	States      []JobState
	DocumentKey string
	OwnerID     string
	Limit       int
}
