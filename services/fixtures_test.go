package services

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/stretchr/testify/require"

	"clinical-kb-platform/internal/ai"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/literature"
	"clinical-kb-platform/internal/vector"
	"clinical-kb-platform/models"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxFileSize:         1 << 20,
		AllowedExtensions:   []string{".txt", ".md", ".html", ".xlsx", ".json", ".csv", ".pdf"},
		ChunkSize:           120,
		ChunkOverlap:        20,
		EmbedBatchSize:      2,
		SearchTopK:          5,
		ScoreThreshold:      0.1,
		VectorTimeout:       time.Second,
		KeywordTimeout:      time.Second,
		LiteratureTimeout:   time.Second,
		LiteratureEnabled:   false,
		RemoteEnabled:       true,
		DefaultStrategy:     StrategySimple,
		RequestBudget:       5 * time.Second,
		RetrievalShare:      0.4,
		IndexingMaxRetries:  2,
		IndexingTaskTimeout: time.Minute,
		SweepInterval:       time.Minute,
	}
}

// hashEmbedder is a bag-of-words embedder: texts sharing words have a
// positive cosine similarity.
type hashEmbedder struct {
	mu     sync.Mutex
	calls  int
	texts  []string
	err    error
	before func(call int)
}

func (e *hashEmbedder) Name() string   { return "hash" }
func (e *hashEmbedder) Local() bool    { return true }
func (e *hashEmbedder) Dimension() int { return 64 }

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.texts = append(e.texts, texts...)
	err := e.err
	hook := e.before
	e.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 64)
		for _, w := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool { return !unicode.IsLetter(r) }) {
			h := fnv.New32a()
			h.Write([]byte(w))
			v[h.Sum32()%64]++
		}
		out[i] = v
	}
	return out, nil
}

// fakeModel streams its answer word by word. With err set it streams
// partial, if any, and then fails.
type fakeModel struct {
	name    string
	local   bool
	answer  string
	partial string
	err     error
	mu      sync.Mutex
	prompts []ai.Prompt
}

func (m *fakeModel) Name() string { return m.name }
func (m *fakeModel) Local() bool  { return m.local }

func (m *fakeModel) Generate(ctx context.Context, p ai.Prompt) (string, error) {
	return m.Stream(ctx, p, nil)
}

func (m *fakeModel) Stream(ctx context.Context, p ai.Prompt, onDelta func(string)) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, p)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.err != nil {
		if onDelta != nil && m.partial != "" {
			onDelta(m.partial)
		}
		return "", m.err
	}
	for _, w := range strings.SplitAfter(m.answer, " ") {
		if onDelta != nil && w != "" {
			onDelta(w)
		}
	}
	return m.answer, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *fakeModel) lastPrompt() ai.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[len(m.prompts)-1]
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []*models.IndexingJob
	err  error
}

func (e *recordingEnqueuer) EnqueueIndex(_ context.Context, job *models.IndexingJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *recordingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

type fakeLiterature struct {
	articles []literature.Article
	err      error
	queries  []string
}

func (f *fakeLiterature) Search(_ context.Context, q string, limit int) ([]literature.Article, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.articles) > limit {
		return f.articles[:limit], nil
	}
	return f.articles, nil
}

type fixture struct {
	cfg      *config.Config
	store    *database.MemoryStore
	index    *vector.MemoryIndex
	embedder *hashEmbedder
	enqueuer *recordingEnqueuer
	audit    *audit.Logger
	local    *fakeModel
	remote   *fakeModel

	ingest     *IngestionService
	docs       *DocumentService
	supervisor *IndexingSupervisor
	search     *SearchAggregator
	router     *ModelRouter
	flags      *FlagService
	convs      *ConversationService
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg:      testConfig(),
		store:    database.NewMemoryStore(),
		index:    vector.NewMemoryIndex(),
		embedder: &hashEmbedder{},
		enqueuer: &recordingEnqueuer{},
		local:    &fakeModel{name: "local-llm", local: true, answer: "Reduce the dose when eGFR is low [1]."},
		remote:   &fakeModel{name: "remote-llm", answer: "Remote answer citing [1] and [2]."},
	}
	f.audit = audit.NewLogger(f.store, nil)
	f.ingest = NewIngestionService(f.cfg, f.store, f.index, f.enqueuer, nil, f.audit)
	f.docs = NewDocumentService(f.store, f.index, nil, f.audit)
	f.supervisor = NewIndexingSupervisor(f.store, f.embedder, f.index, f.cfg.EmbedBatchSize, nil)
	f.search = NewSearchAggregator(f.cfg, f.store, f.embedder, f.index, nil, nil, nil)
	f.router = NewModelRouter(f.local, f.remote, nil, f.audit, nil)
	f.flags = NewFlagService(f.cfg, f.store, nil, f.audit)
	f.convs = NewConversationService(f.store, f.audit)
	f.orch = NewOrchestrator(f.cfg, f.search, f.router, f.flags, f.convs, nil)
	return f
}

var owner = models.Scope{OwnerID: "clinician-1"}

const renalGuideline = `Metformin in renal impairment. Metformin is contraindicated when eGFR falls below 30.
Reduce the metformin dose when eGFR is between 30 and 45 and review renal function every three months.
Lactic acidosis is rare but serious; stop metformin during acute kidney injury.`

// ingestAndIndex uploads text as a .txt document and runs its indexing job.
func (f *fixture) ingestAndIndex(t *testing.T, scope models.Scope, filename, text string, vis models.Visibility) *models.Document {
	t.Helper()
	ctx := context.Background()
	res, err := f.ingest.Ingest(ctx, IngestRequest{
		OwnerID:    scope.OwnerID,
		Filename:   filename,
		Content:    []byte(text),
		Category:   "guidelines",
		SourceType: models.SourceCuratedGuideline,
		Visibility: vis,
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	job, err := f.supervisor.Run(ctx, res.Document.DocumentKey)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.State)
	return res.Document
}

var errProviderDown = errors.New("provider down")

func vectorScope(s models.Scope) vector.Filter { return vector.ScopeFilter(s, nil) }
