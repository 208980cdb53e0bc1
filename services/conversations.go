package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/phi"
	"clinical-kb-platform/models"
)

const (
	historyTurns          = 10
	defaultContextTTL     = 2 * time.Hour
	maxContextTTL         = 24 * time.Hour
	maxSessionTitleLength = 60
)

// ConversationService owns sessions, their messages and the clinical
// contexts pinned to them.
type ConversationService struct {
	store database.ConversationStore
	audit *audit.Logger
	now   func() time.Time
}

func NewConversationService(store database.ConversationStore, auditLog *audit.Logger) *ConversationService {
	return &ConversationService{store: store, audit: auditLog, now: func() time.Time { return time.Now().UTC() }}
}

func (s *ConversationService) CreateSession(ctx context.Context, scope models.Scope, title string) (*models.Session, error) {
	now := s.now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		OwnerID:   scope.OwnerID,
		Title:     sessionTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// sessionTitle never stores identifying text in a title, which is shown in
// listings outside the conversation itself.
func sessionTitle(title string) string {
	title = strings.TrimSpace(phi.RedactText(title))
	if title == "" {
		return "New conversation"
	}
	if r := []rune(title); len(r) > maxSessionTitleLength {
		title = string(r[:maxSessionTitleLength]) + "…"
	}
	return title
}

func (s *ConversationService) GetSession(ctx context.Context, scope models.Scope, id, requestID string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.Admin && sess.OwnerID != scope.OwnerID {
		s.audit.Record(scope.OwnerID, models.AuditForbidden, "session", id, requestID, false, nil)
		return nil, apperr.Forbidden("you do not have access to this session")
	}
	return sess, nil
}

func (s *ConversationService) Messages(ctx context.Context, scope models.Scope, sessionID, requestID string, limit int) ([]*models.ChatMessage, error) {
	if _, err := s.GetSession(ctx, scope, sessionID, requestID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListMessages(ctx, sessionID, limit)
}

// History returns the last turns of a session for prompt building. Failed
// answers are skipped.
func (s *ConversationService) History(ctx context.Context, sessionID string) ([]models.HistoryTurn, error) {
	msgs, err := s.store.ListMessages(ctx, sessionID, historyTurns)
	if err != nil {
		return nil, err
	}
	out := make([]models.HistoryTurn, 0, len(msgs))
	for _, m := range msgs {
		if m.Status == models.MessageFailed {
			continue
		}
		out = append(out, models.HistoryTurn{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

type ClinicalContextInput struct {
	SessionID string
	Summary   string
	Fields    map[string]string
	TTL       time.Duration
}

func (s *ConversationService) SaveClinicalContext(ctx context.Context, scope models.Scope, requestID string, in ClinicalContextInput) (*models.ClinicalContext, error) {
	if strings.TrimSpace(in.Summary) == "" && len(in.Fields) == 0 {
		return nil, apperr.Validation("clinical context needs a summary or fields")
	}
	if in.SessionID != "" {
		if _, err := s.GetSession(ctx, scope, in.SessionID, requestID); err != nil {
			return nil, err
		}
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = defaultContextTTL
	}
	if ttl > maxContextTTL {
		ttl = maxContextTTL
	}
	now := s.now()
	c := &models.ClinicalContext{
		ID:        uuid.NewString(),
		OwnerID:   scope.OwnerID,
		SessionID: in.SessionID,
		Summary:   strings.TrimSpace(in.Summary),
		Fields:    in.Fields,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.SaveClinicalContext(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ConversationService) GetClinicalContext(ctx context.Context, scope models.Scope, id, requestID string) (*models.ClinicalContext, error) {
	c, err := s.store.GetClinicalContext(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != scope.OwnerID {
		// Patient context is never shared, not even with admins.
		s.audit.Record(scope.OwnerID, models.AuditForbidden, "clinical_context", id, requestID, false, nil)
		return nil, apperr.Forbidden("you do not have access to this clinical context")
	}
	return c, nil
}

// renderClinicalContext flattens a context into prompt text with fields in
// a stable order.
func renderClinicalContext(c *models.ClinicalContext) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(c.Summary)
	keys := make([]string, 0, len(c.Fields))
	for k := range c.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, c.Fields[k])
	}
	return strings.TrimSpace(b.String())
}

type exchange struct {
	scope     models.Scope
	sessionID string
	question  string
	answer    *models.ChatMessage
}

// saveExchange stores the question and answer, creating the session when
// the request did not name one. It returns the session ID.
func (s *ConversationService) saveExchange(ctx context.Context, ex exchange) (string, error) {
	sessionID := ex.sessionID
	if sessionID == "" {
		sess, err := s.CreateSession(ctx, ex.scope, ex.question)
		if err != nil {
			return "", err
		}
		sessionID = sess.ID
	}
	now := s.now()
	q := &models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		OwnerID:   ex.scope.OwnerID,
		Role:      "user",
		Content:   ex.question,
		Status:    models.MessageComplete,
		PHI:       ex.answer.PHI,
		CreatedAt: now,
	}
	if err := s.store.SaveMessage(ctx, q); err != nil {
		return "", err
	}
	ex.answer.SessionID = sessionID
	ex.answer.OwnerID = ex.scope.OwnerID
	if ex.answer.CreatedAt.IsZero() || !ex.answer.CreatedAt.After(now) {
		ex.answer.CreatedAt = now.Add(time.Millisecond)
	}
	if err := s.store.SaveMessage(ctx, ex.answer); err != nil {
		return "", err
	}
	return sessionID, nil
}
