package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/models"
)

// MemoryStore is a single-process Store used by tests and the memory
// deployment profile. One mutex serialises every write, which makes
// ActivateVersion trivially atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*models.Document
	chunks   map[string]*models.Chunk
	jobs     map[string]*models.IndexingJob
	sessions map[string]*models.Session
	messages map[string][]*models.ChatMessage
	contexts map[string]*models.ClinicalContext
	flags    map[string]*models.Flag
	audit    []*models.AuditEvent
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     map[string]*models.Document{},
		chunks:   map[string]*models.Chunk{},
		jobs:     map[string]*models.IndexingJob{},
		sessions: map[string]*models.Session{},
		messages: map[string][]*models.ChatMessage{},
		contexts: map[string]*models.ClinicalContext{},
		flags:    map[string]*models.Flag{},
		now:      time.Now,
	}
}

func cloneDoc(d *models.Document) *models.Document {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Tags = append([]string(nil), d.Tags...)
	if d.Metadata != nil {
		cp.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneChunk(c *models.Chunk) *models.Chunk {
	cp := *c
	return &cp
}

func cloneJob(j *models.IndexingJob) *models.IndexingJob {
	if j == nil {
		return nil
	}
	cp := *j
	if j.TotalChunks != nil {
		t := *j.TotalChunks
		cp.TotalChunks = &t
	}
	return &cp
}

func (s *MemoryStore) ActivateVersion(_ context.Context, req ActivationRequest) (*ActivationResult, error) {
	if req.Document == nil || req.Document.DocumentKey == "" {
		return nil, apperr.Validation("document key is required")
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var active *models.Document
	maxVersion := 0
	for _, d := range s.docs {
		if d.DocumentKey != req.Document.DocumentKey {
			continue
		}
		if d.Version > maxVersion {
			maxVersion = d.Version
		}
		if d.Active {
			active = d
		}
	}

	if active != nil && active.OwnerID != req.Document.OwnerID {
		return nil, apperr.Forbidden("document key belongs to another owner")
	}
	if active != nil && active.ContentHash == req.Document.ContentHash {
		return &ActivationResult{
			Document:  cloneDoc(active),
			Job:       cloneJob(s.latestJobLocked(active.ID)),
			Duplicate: true,
		}, nil
	}

	doc := cloneDoc(req.Document)
	doc.Version = maxVersion + 1
	doc.Active = true
	doc.SupersededBy = ""
	doc.ChunkCount = len(req.Chunks)
	doc.CreatedAt, doc.UpdatedAt = now, now

	res := &ActivationResult{}
	if active != nil {
		active.Active = false
		active.SupersededBy = doc.ID
		active.UpdatedAt = now
		res.Previous = cloneDoc(active)
		for _, c := range s.chunks {
			if c.DocumentID == active.ID {
				c.Superseded = true
			}
		}
	}
	for _, j := range s.jobs {
		if j.DocumentKey == doc.DocumentKey && j.State != models.JobSuperseded {
			_ = j.Transition(models.JobSuperseded, now)
			res.SupersededJobs = append(res.SupersededJobs, j.ID)
		}
	}

	s.docs[doc.ID] = doc
	for _, c := range req.Chunks {
		cp := cloneChunk(c)
		cp.DocumentID = doc.ID
		cp.DocumentKey = doc.DocumentKey
		cp.Version = doc.Version
		cp.Superseded = false
		cp.CreatedAt = now
		s.chunks[cp.ID] = cp
	}
	job := models.NewIndexingJob(req.JobID, doc.DocumentKey, doc.ID, doc.OwnerID, req.MaxRetries, now)
	s.jobs[job.ID] = job

	res.Document = cloneDoc(doc)
	res.Job = cloneJob(job)
	return res, nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok || d.IsDeleted() {
		return nil, apperr.NotFound("document not found")
	}
	return cloneDoc(d), nil
}

func (s *MemoryStore) ActiveDocument(_ context.Context, documentKey string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.docs {
		if d.DocumentKey == documentKey && d.Active {
			return cloneDoc(d), nil
		}
	}
	return nil, apperr.NotFound("no active version for document key")
}

func hasSourceType(types []models.SourceType, t models.SourceType) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListDocuments(_ context.Context, filter models.DocumentFilter, page models.Page) ([]*models.Document, int64, error) {
	page = page.Normalize()
	s.mu.RLock()
	var matched []*models.Document
	for _, d := range s.docs {
		if d.IsDeleted() || (!filter.IncludeHistory && !d.Active) {
			continue
		}
		if !filter.Scope.CanRead(d) {
			continue
		}
		if filter.Category != "" && d.Category != filter.Category {
			continue
		}
		if !hasSourceType(filter.SourceTypes, d.SourceType) {
			continue
		}
		matched = append(matched, cloneDoc(d))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := int64(len(matched))
	start := int(page.Skip())
	if start >= len(matched) {
		return []*models.Document{}, total, nil
	}
	end := start + page.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) UpdateDocumentMeta(_ context.Context, id string, title, category *string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || d.IsDeleted() {
		return nil, apperr.NotFound("document not found")
	}
	if title != nil {
		d.Title = *title
	}
	if category != nil {
		d.Category = *category
	}
	d.UpdatedAt = s.now()
	for _, c := range s.chunks {
		if c.DocumentID == id {
			c.Title, c.Category = d.Title, d.Category
		}
	}
	return cloneDoc(d), nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || d.IsDeleted() {
		return nil, apperr.NotFound("document not found")
	}
	now := s.now()
	d.Active = false
	d.DeletedAt = &now
	d.UpdatedAt = now
	for _, c := range s.chunks {
		if c.DocumentID == id {
			c.Deleted = true
		}
	}
	for _, j := range s.jobs {
		if j.DocumentID == id && j.State != models.JobSuperseded {
			_ = j.Transition(models.JobSuperseded, now)
		}
	}
	return cloneDoc(d), nil
}

func (s *MemoryStore) GetChunks(_ context.Context, ids []string) ([]*models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, cloneChunk(c))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListChunks(_ context.Context, documentID string) ([]*models.Chunk, error) {
	s.mu.RLock()
	var out []*models.Chunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			out = append(out, cloneChunk(c))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *MemoryStore) CountChunks(_ context.Context, documentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func keywordMatch(c *models.Chunk, needles []string) bool {
	text := strings.ToLower(c.Text)
	title := strings.ToLower(c.Title)
	for _, n := range needles {
		if strings.Contains(text, n) || strings.Contains(title, n) {
			return true
		}
	}
	return false
}

func keywordNeedles(q KeywordQuery) []string {
	var needles []string
	if p := strings.ToLower(strings.TrimSpace(q.Phrase)); p != "" {
		needles = append(needles, p)
	}
	for _, t := range q.Terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			needles = append(needles, t)
		}
	}
	return needles
}

func (s *MemoryStore) KeywordSearch(_ context.Context, q KeywordQuery) ([]*models.Chunk, error) {
	needles := keywordNeedles(q)
	if len(needles) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	var out []*models.Chunk
	for _, c := range s.chunks {
		if !c.Live() || !q.Scope.Readable(c) {
			continue
		}
		if q.Filters.Category != "" && c.Category != q.Filters.Category {
			continue
		}
		if !hasSourceType(q.Filters.SourceTypes, c.SourceType) {
			continue
		}
		if q.Filters.DateFrom != nil && c.CreatedAt.Before(*q.Filters.DateFrom) {
			continue
		}
		if q.Filters.DateTo != nil && c.CreatedAt.After(*q.Filters.DateTo) {
			continue
		}
		if keywordMatch(c, needles) {
			out = append(out, cloneChunk(c))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Ordinal < out[j].Ordinal
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) latestJobLocked(documentID string) *models.IndexingJob {
	var latest *models.IndexingJob
	for _, j := range s.jobs {
		if j.DocumentID == documentID && (latest == nil || j.CreatedAt.After(latest.CreatedAt)) {
			latest = j
		}
	}
	return latest
}

func (s *MemoryStore) ClaimJob(_ context.Context, documentKey string) (*models.IndexingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *models.IndexingJob
	for _, j := range s.jobs {
		if j.DocumentKey != documentKey || !j.Claimable() {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, ErrNoClaimableJob
	}
	if err := oldest.Transition(models.JobRunning, s.now()); err != nil {
		return nil, err
	}
	return cloneJob(oldest), nil
}

func (s *MemoryStore) runningJob(id string) (*models.IndexingJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.NotFound("indexing job not found")
	}
	if j.State != models.JobRunning {
		return nil, ErrJobNotRunning
	}
	return j, nil
}

func (s *MemoryStore) SetJobTotal(_ context.Context, jobID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.runningJob(jobID)
	if err != nil {
		return err
	}
	j.TotalChunks = &total
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AdvanceJob(_ context.Context, jobID string, processed int) (*models.IndexingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.runningJob(jobID)
	if err != nil {
		return nil, err
	}
	j.Advance(processed)
	j.UpdatedAt = s.now()
	return cloneJob(j), nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.runningJob(jobID)
	if err != nil {
		return err
	}
	if j.TotalChunks != nil {
		j.Advance(*j.TotalChunks)
	}
	return j.Transition(models.JobCompleted, s.now())
}

func (s *MemoryStore) FailJob(_ context.Context, jobID, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.runningJob(jobID)
	if err != nil {
		return err
	}
	if err := j.Transition(models.JobFailed, s.now()); err != nil {
		return err
	}
	j.ErrorDetails = details
	return nil
}

func (s *MemoryStore) RetryJob(_ context.Context, jobID string) (*models.IndexingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("indexing job not found")
	}
	switch j.State {
	case models.JobPending:
	case models.JobFailed:
		if !j.RetriesLeft() {
			j.MaxRetries = j.RetryCount + 1
		}
		j.UpdatedAt = s.now()
	default:
		return nil, apperr.Validation("only failed or pending jobs can be retried")
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.IndexingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.NotFound("indexing job not found")
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) LatestJobForDocument(_ context.Context, documentID string) (*models.IndexingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j := s.latestJobLocked(documentID)
	if j == nil {
		return nil, apperr.NotFound("no indexing job for document")
	}
	return cloneJob(j), nil
}

func jobMatches(j *models.IndexingJob, f models.JobFilter) bool {
	if f.DocumentKey != "" && j.DocumentKey != f.DocumentKey {
		return false
	}
	if f.OwnerID != "" && j.OwnerID != f.OwnerID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if j.State == st {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.IndexingJob, error) {
	s.mu.RLock()
	var out []*models.IndexingJob
	for _, j := range s.jobs {
		if jobMatches(j, filter) {
			out = append(out, cloneJob(j))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStaleJobs(_ context.Context, state models.JobState, olderThan time.Time) ([]*models.IndexingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.IndexingJob
	for _, j := range s.jobs {
		if j.State == state && j.UpdatedAt.Before(olderThan) {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session not found")
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, m *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.Citations = append([]models.Citation(nil), m.Citations...)
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	if sess, ok := s.sessions[m.SessionID]; ok {
		sess.UpdatedAt = m.CreatedAt
	}
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SaveClinicalContext(_ context.Context, c *models.ClinicalContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.contexts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetClinicalContext(_ context.Context, id string) (*models.ClinicalContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contexts[id]
	if !ok || c.Expired(s.now()) {
		return nil, apperr.NotFound("clinical context not found or expired")
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) PurgeExpiredContexts(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.contexts {
		if c.Expired(now) {
			delete(s.contexts, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetFlag(_ context.Context, name string) (*models.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[name]
	if !ok {
		return nil, apperr.NotFound("flag not found")
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) UpsertFlag(_ context.Context, f *models.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.flags[f.Name] = &cp
	return nil
}

func (s *MemoryStore) ListFlags(_ context.Context) ([]*models.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Flag, 0, len(s.flags))
	for _, f := range s.flags {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) InsertAuditEvent(_ context.Context, e *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAuditEvents(_ context.Context, actorID string, limit int) ([]*models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AuditEvent
	for _, e := range s.audit {
		if actorID == "" || e.ActorID == actorID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
