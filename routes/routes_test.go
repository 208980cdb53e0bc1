package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-kb-platform/internal/ai"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/realtime"
	"clinical-kb-platform/internal/vector"
	"clinical-kb-platform/middleware"
	"clinical-kb-platform/models"
	"clinical-kb-platform/services"
	"clinical-kb-platform/utils"
)

const secret = "routes-test-secret"

const guideline = `Metformin in renal impairment. Metformin is contraindicated when eGFR falls below 30.
Reduce the metformin dose when eGFR is between 30 and 45 and review renal function every three months.`

type wordEmbedder struct{}

func (wordEmbedder) Name() string   { return "words" }
func (wordEmbedder) Local() bool    { return true }
func (wordEmbedder) Dimension() int { return 32 }

func (wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 32)
		for _, w := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool { return !unicode.IsLetter(r) }) {
			h := fnv.New32a()
			h.Write([]byte(w))
			v[h.Sum32()%32]++
		}
		out[i] = v
	}
	return out, nil
}

type cannedModel struct{ answer string }

func (m cannedModel) Name() string { return "canned" }
func (m cannedModel) Local() bool  { return true }

func (m cannedModel) Generate(ctx context.Context, p ai.Prompt) (string, error) {
	return m.Stream(ctx, p, nil)
}

func (m cannedModel) Stream(_ context.Context, _ ai.Prompt, onDelta func(string)) (string, error) {
	if onDelta != nil {
		onDelta(m.answer)
	}
	return m.answer, nil
}

type noopEnqueuer struct{}

func (noopEnqueuer) EnqueueIndex(context.Context, *models.IndexingJob) error { return nil }

type testServer struct {
	router     *gin.Engine
	store      *database.MemoryStore
	supervisor *services.IndexingSupervisor
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		ServiceName:        "clinical-kb-platform",
		AccessSecret:       secret,
		MaxFileSize:        1024,
		AllowedExtensions:  []string{".txt", ".md"},
		ChunkSize:          120,
		ChunkOverlap:       20,
		EmbedBatchSize:     4,
		SearchTopK:         5,
		ScoreThreshold:     0.1,
		VectorTimeout:      time.Second,
		KeywordTimeout:     time.Second,
		DefaultStrategy:    services.StrategySimple,
		RequestBudget:      5 * time.Second,
		RetrievalShare:     0.4,
		IndexingMaxRetries: 2,
		UploadTimeout:      5 * time.Second,
	}
	store := database.NewMemoryStore()
	index := vector.NewMemoryIndex()
	auditLog := audit.NewLogger(store, nil)

	ingest := services.NewIngestionService(cfg, store, index, noopEnqueuer{}, nil, auditLog)
	docs := services.NewDocumentService(store, index, nil, auditLog)
	search := services.NewSearchAggregator(cfg, store, wordEmbedder{}, index, nil, nil, nil)
	modelRouter := services.NewModelRouter(cannedModel{answer: "Reduce the dose when eGFR is low [1]."}, nil, nil, auditLog, nil)
	flags := services.NewFlagService(cfg, store, nil, auditLog)
	convs := services.NewConversationService(store, auditLog)
	orch := services.NewOrchestrator(cfg, search, modelRouter, flags, convs, nil)
	jobs := services.NewJobService(store, noopEnqueuer{}, auditLog)

	router := gin.New()
	router.Use(middleware.RequestIDMiddleware())
	authMiddleware := middleware.NewAuthMiddleware(cfg, nil)
	kb := NewKBHandlers(cfg, ingest, docs, search, flags, orch)
	ws := realtime.NewHandler(orch, realtime.Options{})

	SetupHealthRoutes(router, cfg.ServiceName, time.Second, checks, ws)
	SetupDocumentRoutes(router, cfg, ingest, docs, authMiddleware)
	SetupKBRoutes(router, cfg, kb, authMiddleware)
	SetupAdminRoutes(router, cfg, kb, jobs, flags, auditLog, authMiddleware, middleware.NewRoleMiddleware())
	SetupSessionRoutes(router, convs, authMiddleware)
	SetupRealtimeRoutes(router, ws, authMiddleware)

	return &testServer{
		router:     router,
		store:      store,
		supervisor: services.NewIndexingSupervisor(store, wordEmbedder{}, index, cfg.EmbedBatchSize, nil),
	}
}

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := utils.GenerateJWT(userID, role, secret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (s *testServer) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) upload(t *testing.T, path, auth, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", auth)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool                 `json:"success"`
	Data    json.RawMessage      `json:"data"`
	Error   *utils.EnvelopeError `json:"error"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, into any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if into != nil && env.Success {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
	return env
}

// uploadAndIndex stores a guideline through /kb and runs its indexing job.
func (s *testServer) uploadAndIndex(t *testing.T, auth string, fields map[string]string) *models.DocumentView {
	t.Helper()
	w := s.upload(t, "/kb/documents", auth, "renal.txt", guideline, fields)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view models.DocumentView
	decodeEnvelope(t, w, &view)
	require.NotEmpty(t, view.ID)

	job, err := s.supervisor.Run(context.Background(), view.DocumentKey)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.State)
	return &view
}

func TestKBDocumentLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	alice := bearer(t, "clinician-1", "clinician")

	view := s.uploadAndIndex(t, alice, map[string]string{"title": "Renal dosing", "category": "nephrology"})
	assert.Equal(t, models.JobPending, view.JobState)

	w := s.upload(t, "/kb/documents", alice, "renal.txt", guideline, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var dup struct {
		Duplicate bool `json:"duplicate"`
	}
	decodeEnvelope(t, w, &dup)
	assert.True(t, dup.Duplicate)

	var list struct {
		Documents []models.DocumentView `json:"documents"`
		Total     int64                 `json:"total"`
	}
	w = s.do(t, http.MethodGet, "/kb/documents?category=nephrology", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeEnvelope(t, w, &list)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, models.JobCompleted, list.Documents[0].JobState)

	w = s.do(t, http.MethodGet, "/kb/documents?category=cardiology", alice, nil)
	decodeEnvelope(t, w, &list)
	assert.Empty(t, list.Documents)

	w = s.do(t, http.MethodPatch, "/kb/documents/"+view.ID, alice, map[string]string{"title": "Metformin in CKD"})
	require.Equal(t, http.StatusOK, w.Code)
	var patched models.DocumentView
	decodeEnvelope(t, w, &patched)
	assert.Equal(t, "Metformin in CKD", patched.Title)
	assert.Equal(t, "nephrology", patched.Category)

	w = s.do(t, http.MethodDelete, "/kb/documents/"+view.ID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/kb/documents/"+view.ID, alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	env := decodeEnvelope(t, w, nil)
	assert.False(t, env.Success)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestKBUploadValidation(t *testing.T) {
	s := newTestServer(t, nil)
	alice := bearer(t, "clinician-1", "clinician")

	w := s.upload(t, "/kb/documents", alice, "big.txt", strings.Repeat("a", 2048), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "size_limit_exceeded", decodeEnvelope(t, w, nil).Error.Code)

	w = s.upload(t, "/kb/documents", alice, "tool.exe", "MZ", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decodeEnvelope(t, w, nil).Error.Code)

	w = s.upload(t, "/kb/documents", alice, "a.txt", "text", map[string]string{"metadata": "not json"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/kb/documents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestKBOwnershipIsEnforced(t *testing.T) {
	s := newTestServer(t, nil)
	alice := bearer(t, "clinician-1", "clinician")
	bob := bearer(t, "clinician-2", "clinician")

	view := s.uploadAndIndex(t, alice, nil)

	w := s.do(t, http.MethodGet, "/kb/documents/"+view.ID, bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeEnvelope(t, w, nil).Error.Code)

	w = s.do(t, http.MethodDelete, "/documents/"+view.ID, bob, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	var plain utils.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plain))
	assert.Equal(t, "forbidden", plain.ErrorCode)

	w = s.do(t, http.MethodGet, "/documents/missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/documents/"+view.ID+"/status", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, string(models.JobCompleted), status["state"])
	assert.EqualValues(t, 1, status["progress"])

	denied, err := s.store.ListAuditEvents(context.Background(), "clinician-2", 0)
	require.NoError(t, err)
	assert.Len(t, denied, 2)
}

func TestKBSearchAndQuery(t *testing.T) {
	s := newTestServer(t, nil)
	alice := bearer(t, "clinician-1", "clinician")
	view := s.uploadAndIndex(t, alice, nil)

	w := s.do(t, http.MethodPost, "/kb/search", alice, map[string]any{"query": "metformin eGFR", "search_type": "semantic"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var found searchResponse
	decodeEnvelope(t, w, &found)
	require.NotEmpty(t, found.Results)
	assert.Equal(t, view.ID, found.Results[0].DocumentID)

	w = s.do(t, http.MethodPost, "/kb/search", alice, map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/kb/search", alice, map[string]any{"query": "zebra migration"})
	require.Equal(t, http.StatusOK, w.Code)
	var unrelated searchResponse
	decodeEnvelope(t, w, &unrelated)
	assert.NotNil(t, unrelated.Results)

	w = s.do(t, http.MethodPost, "/kb/query", alice, map[string]any{
		"question":             "When should metformin be reduced?",
		"conversation_history": []map[string]string{{"role": "user", "content": "We discussed CKD."}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var answer services.QueryResult
	decodeEnvelope(t, w, &answer)
	assert.Equal(t, "Reduce the dose when eGFR is low [1].", answer.Answer)
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, view.ID, answer.Sources[0].SourceDocumentID)
	assert.NotEmpty(t, answer.SessionID)

	w = s.do(t, http.MethodGet, "/sessions/"+answer.SessionID+"/messages", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var msgs struct {
		Total int `json:"total"`
	}
	decodeEnvelope(t, w, &msgs)
	assert.Equal(t, 2, msgs.Total)

	w = s.do(t, http.MethodPost, "/kb/query", alice, map[string]any{"question": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decodeEnvelope(t, w, nil).Error.Code)
}

func TestClinicalContextIsOwnerOnly(t *testing.T) {
	s := newTestServer(t, nil)
	alice := bearer(t, "clinician-1", "clinician")
	admin := bearer(t, "admin-1", middleware.RoleAdmin)

	w := s.do(t, http.MethodPost, "/sessions/contexts", alice, map[string]any{
		"summary":     "72 year old with CKD stage 3",
		"fields":      map[string]string{"eGFR": "38"},
		"ttl_seconds": 600,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var saved struct {
		ID string `json:"id"`
	}
	decodeEnvelope(t, w, &saved)

	w = s.do(t, http.MethodGet, "/sessions/contexts/"+saved.ID, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/sessions/contexts/"+saved.ID, admin, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	alice := bearer(t, "clinician-1", "clinician")
	admin := bearer(t, "admin-1", middleware.RoleAdmin)

	s.uploadAndIndex(t, alice, nil)

	w := s.do(t, http.MethodGet, "/admin/flags", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	denied := decodeEnvelope(t, w, nil)
	assert.False(t, denied.Success)
	assert.Equal(t, "forbidden", denied.Error.Code)

	w = s.upload(t, "/admin/kb", admin, "curated.md", "# Anticoagulation\n\nWarfarin needs INR monitoring.", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var curated models.DocumentView
	decodeEnvelope(t, w, &curated)
	assert.Equal(t, models.SourceCuratedGuideline, curated.SourceType)
	assert.Equal(t, models.VisibilityPublic, curated.Visibility)

	var list struct {
		Total int64 `json:"total"`
	}
	w = s.do(t, http.MethodGet, "/admin/kb", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeEnvelope(t, w, &list)
	assert.EqualValues(t, 2, list.Total)

	w = s.do(t, http.MethodPut, "/admin/flags/"+services.FlagRAGStrategy, admin, map[string]string{"value": "graph"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPut, "/admin/flags/"+services.FlagRAGStrategy, admin, map[string]string{"value": "hybrid"})
	require.Equal(t, http.StatusOK, w.Code)
	var flag models.Flag
	decodeEnvelope(t, w, &flag)
	assert.Equal(t, "hybrid", flag.Value)

	w = s.do(t, http.MethodGet, "/admin/jobs", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var jobs struct {
		Total int `json:"total"`
	}
	decodeEnvelope(t, w, &jobs)
	assert.Zero(t, jobs.Total)

	w = s.do(t, http.MethodDelete, "/admin/kb/"+curated.ID, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/admin/audit/admin-1/verify", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var verify struct {
		Valid         bool `json:"valid"`
		EventsChecked int  `json:"events_checked"`
	}
	decodeEnvelope(t, w, &verify)
	assert.True(t, verify.Valid)
	assert.Positive(t, verify.EventsChecked)
}

func TestHealthReportsFailedDependency(t *testing.T) {
	healthy := newTestServer(t, map[string]HealthCheck{
		"mongo": func(context.Context) error { return nil },
	})
	w := healthy.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	broken := newTestServer(t, map[string]HealthCheck{
		"mongo": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	w = broken.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unavailable", body.Checks["redis"])
	assert.NotContains(t, w.Body.String(), "refused")
}
