package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/models"
)

type recordingSink struct {
	mu        sync.Mutex
	started   []string
	indexes   []int
	deltas    []string
	completed []*QueryResult
	failed    []error
}

func (s *recordingSink) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
	return nil
}

func (s *recordingSink) Chunk(i int, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes = append(s.indexes, i)
	s.deltas = append(s.deltas, delta)
	return nil
}

func (s *recordingSink) Complete(res *QueryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, res)
	return nil
}

func (s *recordingSink) Fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, err)
	return nil
}

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, SearchQuery) ([]models.Candidate, error) {
	return nil, apperr.Upstream("all search sources failed", errors.New("boom"))
}

func TestOrchestratorStreamsAndPersists(t *testing.T) {
	f := newFixture(t)
	doc := f.ingestAndIndex(t, owner, "renal.txt", renalGuideline, models.VisibilityPrivate)
	sink := &recordingSink{}

	res, err := f.orch.Run(context.Background(), QueryRequest{
		Scope:    owner,
		Question: "What is the metformin dose in renal impairment?",
	}, sink)
	require.NoError(t, err)

	require.Len(t, sink.started, 1)
	assert.Equal(t, res.MessageID, sink.started[0])
	require.Len(t, sink.completed, 1)
	assert.Empty(t, sink.failed)
	for i, idx := range sink.indexes {
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, res.Answer, strings.Join(sink.deltas, ""))

	assert.Equal(t, RouteLocal, res.Route)
	assert.Equal(t, StrategySimple, res.Strategy)
	assert.False(t, res.Degraded)
	assert.False(t, res.PHIDetected)
	require.NotEmpty(t, res.Sources)
	assert.Equal(t, doc.ID, res.Sources[0].SourceDocumentID)

	msgs, err := f.convs.Messages(context.Background(), owner, res.SessionID, "req", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, res.MessageID, msgs[1].ID)
	assert.Equal(t, models.MessageComplete, msgs[1].Status)

	// A follow-up in the same session sees the earlier turns.
	_, err = f.orch.Run(context.Background(), QueryRequest{Scope: owner, SessionID: res.SessionID, Question: "And below 30?"}, nil)
	require.NoError(t, err)
	assert.Len(t, f.local.lastPrompt().Messages, 3)
}

func TestOrchestratorRejectsEmptyQuestion(t *testing.T) {
	f := newFixture(t)
	sink := &recordingSink{}

	_, err := f.orch.Run(context.Background(), QueryRequest{Scope: owner, Question: "  "}, sink)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	require.Len(t, sink.failed, 1)
	assert.Empty(t, sink.started)
	assert.Empty(t, sink.completed)
	assert.Zero(t, f.local.calls())
}

func TestOrchestratorPHIOverridesRemoteStrategy(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, owner, "renal.txt", renalGuideline, models.VisibilityPrivate)

	res, err := f.orch.Run(context.Background(), QueryRequest{
		Scope:    owner,
		Question: phiQuestion,
		Strategy: StrategyHybrid,
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.PHIDetected)
	assert.Equal(t, RouteLocal, res.Route)
	assert.Equal(t, StrategyHybrid, res.Strategy)
	assert.Zero(t, f.remote.calls())

	sess, err := f.convs.GetSession(context.Background(), owner, res.SessionID, "req")
	require.NoError(t, err)
	assert.NotContains(t, sess.Title, "John Smith")
}

func TestOrchestratorUsesRemoteForPHIFreeHybrid(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, owner, "renal.txt", renalGuideline, models.VisibilityPrivate)
	_, err := f.flags.Set(context.Background(), "admin-1", "req", FlagRAGStrategy, StrategyHybrid)
	require.NoError(t, err)

	res, err := f.orch.Run(context.Background(), QueryRequest{Scope: owner, Question: "What is the metformin dose in renal impairment?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, RouteRemote, res.Route)
	assert.Equal(t, StrategyHybrid, res.Strategy)

	_, err = f.flags.Set(context.Background(), "admin-1", "req", FlagRemoteEnabled, "false")
	require.NoError(t, err)
	res, err = f.orch.Run(context.Background(), QueryRequest{Scope: owner, Question: "What is the metformin dose in renal impairment?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, RouteLocal, res.Route)
}

func TestOrchestratorClinicalContextForcesLocal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cc, err := f.convs.SaveClinicalContext(ctx, owner, "req", ClinicalContextInput{
		Summary: "eGFR 28, on metformin",
		Fields:  map[string]string{"weight": "82 kg"},
	})
	require.NoError(t, err)

	req := QueryRequest{Scope: owner, Question: "Should the metformin dose change?", ClinicalContextID: cc.ID, Strategy: StrategyMultiHop}
	res, err := f.orch.Run(ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, res.PHIDetected)
	assert.Equal(t, RouteLocal, res.Route)
	assert.Contains(t, f.local.lastPrompt().Text(), "weight: 82 kg")

	req.Scope = models.Scope{OwnerID: "admin-1", Admin: true}
	_, err = f.orch.Run(ctx, req, nil)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestOrchestratorDegradesWhenRetrievalFails(t *testing.T) {
	f := newFixture(t)
	orch := NewOrchestrator(f.cfg, failingSearcher{}, f.router, f.flags, f.convs, nil)

	res, err := orch.Run(context.Background(), QueryRequest{Scope: owner, Question: "What is the metformin dose?"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Sources)

	msgs, err := f.convs.Messages(context.Background(), owner, res.SessionID, "req", 0)
	require.NoError(t, err)
	assert.Equal(t, models.MessageDegraded, msgs[len(msgs)-1].Status)
}

func TestOrchestratorRestrictsToDocuments(t *testing.T) {
	f := newFixture(t)
	keep := f.ingestAndIndex(t, owner, "renal.txt", renalGuideline, models.VisibilityPrivate)
	f.ingestAndIndex(t, owner, "other.txt", "Metformin and contrast media: hold before iodinated contrast.", models.VisibilityPrivate)

	res, err := f.orch.Run(context.Background(), QueryRequest{Scope: owner, Question: "metformin", DocumentIDs: []string{keep.ID}}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Sources)
	for _, s := range res.Sources {
		assert.Equal(t, keep.ID, s.SourceDocumentID)
	}
}

func TestOrchestratorReportsCancellationOnce(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{}

	_, err := f.orch.Run(ctx, QueryRequest{Scope: owner, Question: "What is the metformin dose?"}, sink)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))
	assert.Len(t, sink.failed, 1)
	assert.Empty(t, sink.completed)
}

func TestOrchestratorKeepsStreamedTextWhenModelFailsMidAnswer(t *testing.T) {
	f := newFixture(t)
	f.ingestAndIndex(t, owner, "renal.txt", renalGuideline, models.VisibilityPrivate)
	f.local.partial = "Reduce the metformin dose "
	f.local.err = errProviderDown
	sink := &recordingSink{}

	res, err := f.orch.Run(context.Background(), QueryRequest{Scope: owner, Question: "What is the metformin dose in renal impairment?"}, sink)
	require.NoError(t, err)

	assert.Equal(t, res.Answer, strings.Join(sink.deltas, ""))
	assert.True(t, strings.HasPrefix(res.Answer, "Reduce the metformin dose "))
	assert.Zero(t, f.remote.calls())
	assert.True(t, res.Degraded)
	require.Len(t, sink.completed, 1)

	msgs, err := f.convs.Messages(context.Background(), owner, res.SessionID, "req", 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, res.Answer, last.Content)
	assert.Equal(t, models.MessageDegraded, last.Status)
}

const hyperkalemiaProtocol = "Hyperkalemia workup begins with repeat potassium sampling and an electrocardiogram looking for peaked waves. " +
	"Calcium gluconate stabilizes cardiac membranes while insulin with dextrose shifts potassium into cells. " +
	"Loop diuretics, binders and dialysis remove excess potassium."

func TestUploadedPhraseIsFoundAndCited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.ingestAndIndex(t, owner, "hyperkalemia.txt", hyperkalemiaProtocol, models.VisibilityPrivate)

	chunks, err := f.store.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Contains(t, chunks[1].Text, "gluconate stabilizes cardiac membranes")
	middle := models.ChunkID(doc.ID, 1)

	got, err := f.search.Search(ctx, SearchQuery{Text: "gluconate stabilizes cardiac membranes", Scope: owner})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	top := got
	if len(top) > 3 {
		top = top[:3]
	}
	found := false
	for _, c := range top {
		if c.ChunkID == middle {
			found = true
			assert.Equal(t, 1, c.Ordinal)
		}
	}
	assert.True(t, found, "middle chunk is among the top results")

	f.local.answer = "Give calcium gluconate to stabilize the myocardium."
	res, err := f.orch.Run(ctx, QueryRequest{Scope: owner, Question: "gluconate stabilizes cardiac membranes"}, nil)
	require.NoError(t, err)
	cited := false
	for _, s := range res.Sources {
		if s.ChunkID == middle {
			cited = true
			assert.Equal(t, doc.ID, s.SourceDocumentID)
		}
	}
	assert.True(t, cited, "answer cites the middle chunk")
}

func TestQueryAgainstEmptyKnowledgeBase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	question := "diabetes ketoacidosis management"

	got, err := f.search.Search(ctx, SearchQuery{Text: question, Scope: owner})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	res, err := f.orch.Run(ctx, QueryRequest{Scope: owner, Question: question}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Answer)
	assert.NotNil(t, res.Sources)
	assert.Empty(t, res.Sources)
}
