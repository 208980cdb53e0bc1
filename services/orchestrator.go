package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/phi"
	"clinical-kb-platform/internal/telemetry"
	"clinical-kb-platform/models"
)

// Stage is a step of the per-request state machine.
type Stage string

const (
	StageReceived     Stage = "received"
	StagePHICheck     Stage = "phi_check"
	StageRetrieving   Stage = "retrieving"
	StageRanking      Stage = "ranking"
	StageRouting      Stage = "routing"
	StageSynthesizing Stage = "synthesizing"
	StageStreaming    Stage = "streaming"
	StagePersisted    Stage = "persisted"
	StageError        Stage = "error"
)

const maxQuestionRunes = 4000

type QueryRequest struct {
	RequestID         string
	Scope             models.Scope
	SessionID         string
	Question          string
	DocumentIDs       []string
	Filters           models.SearchFilters
	History           []models.HistoryTurn
	ClinicalContextID string
	// Strategy overrides the rag_strategy flag when it names a known strategy.
	Strategy   string
	MaxResults int
}

type QueryResult struct {
	MessageID   string            `json:"message_id"`
	SessionID   string            `json:"session_id"`
	Answer      string            `json:"answer"`
	Sources     []models.Citation `json:"sources"`
	Degraded    bool              `json:"degraded"`
	PHIDetected bool              `json:"phi_detected"`
	Route       string            `json:"route"`
	Model       string            `json:"model"`
	Strategy    string            `json:"strategy"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Sink receives the streamed answer. Exactly one of Complete or Fail is
// called per run, and Chunk indexes start at zero and increase by one.
type Sink interface {
	Start(messageID string) error
	Chunk(index int, delta string) error
	Complete(res *QueryResult) error
	Fail(err error) error
}

type discardSink struct{}

func (discardSink) Start(string) error          { return nil }
func (discardSink) Chunk(int, string) error     { return nil }
func (discardSink) Complete(*QueryResult) error { return nil }
func (discardSink) Fail(error) error            { return nil }

// Orchestrator runs a question through PHI check, retrieval, ranking,
// routing, synthesis, streaming and persistence under one time budget.
type Orchestrator struct {
	search        Searcher
	router        *ModelRouter
	flags         *FlagService
	conversations *ConversationService
	metrics       *telemetry.Metrics

	budget         time.Duration
	retrievalShare float64
}

func NewOrchestrator(cfg *config.Config, search Searcher, router *ModelRouter, flags *FlagService, conversations *ConversationService, metrics *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{
		search:         search,
		router:         router,
		flags:          flags,
		conversations:  conversations,
		metrics:        metrics,
		budget:         cfg.RequestBudget,
		retrievalShare: cfg.RetrievalShare,
	}
}

// queryRun carries the mutable state of one request.
type queryRun struct {
	req    QueryRequest
	sink   Sink
	stage  Stage
	log    *slog.Logger
	phi    phi.Verdict
	chunks int
	text   strings.Builder
	sinkOK bool
}

func (r *queryRun) advance(s Stage) {
	r.stage = s
	logger.Debug("query stage", "request_id", r.req.RequestID, "stage", string(s))
}

func (r *queryRun) emit(delta string) {
	r.text.WriteString(delta)
	if !r.sinkOK {
		return
	}
	if r.stage != StageStreaming {
		r.advance(StageStreaming)
	}
	if err := r.sink.Chunk(r.chunks, delta); err != nil {
		r.sinkOK = false
		r.log.Warn("stream sink rejected chunk", "index", r.chunks, "error", err)
		return
	}
	r.chunks++
}

// Run answers req, streaming into sink when it is not nil. The returned
// error is already reported to the sink.
func (o *Orchestrator) Run(parent context.Context, req QueryRequest, sink Sink) (*QueryResult, error) {
	if sink == nil {
		sink = discardSink{}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx := parent
	if o.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, o.budget)
		defer cancel()
	}

	run := &queryRun{
		req:    req,
		sink:   sink,
		stage:  StageReceived,
		log:    logger.With("request_id", req.RequestID, "owner", logger.HashID(req.Scope.OwnerID)),
		sinkOK: true,
	}
	res, err := o.run(ctx, run)
	if err != nil {
		failedAt := run.stage
		run.advance(StageError)
		streaming := failedAt == StageSynthesizing || failedAt == StageStreaming
		if streaming && run.text.Len() > 0 && parent.Err() == nil {
			o.persistFailure(parent, run)
		}
		err = classifyRunError(parent, ctx, err)
		run.log.Warn("query failed", "stage", string(failedAt), "code", apperr.CodeOf(err), "error", err)
		if fErr := sink.Fail(err); fErr != nil {
			run.log.Warn("stream sink rejected failure frame", "error", fErr)
		}
		return nil, err
	}
	if cErr := sink.Complete(res); cErr != nil {
		run.log.Warn("stream sink rejected completion frame", "error", cErr)
	}
	return res, nil
}

func classifyRunError(parent, ctx context.Context, err error) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case parent.Err() != nil:
		return apperr.Upstream("request cancelled", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.Upstream("request timed out", err)
	}
	return apperr.Internal("query failed", err)
}

func (o *Orchestrator) run(ctx context.Context, run *queryRun) (*QueryResult, error) {
	req := run.req
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, apperr.Validation("question is required")
	}
	if utf8.RuneCountInString(question) > maxQuestionRunes {
		return nil, apperr.Validation("question is too long")
	}

	history := req.History
	if req.SessionID != "" {
		if _, err := o.conversations.GetSession(ctx, req.Scope, req.SessionID, req.RequestID); err != nil {
			return nil, err
		}
		if len(history) == 0 {
			h, err := o.conversations.History(ctx, req.SessionID)
			if err != nil {
				return nil, err
			}
			history = h
		}
	}
	var clinical *models.ClinicalContext
	if req.ClinicalContextID != "" {
		c, err := o.conversations.GetClinicalContext(ctx, req.Scope, req.ClinicalContextID, req.RequestID)
		if err != nil {
			return nil, err
		}
		clinical = c
	}

	run.advance(StagePHICheck)
	run.phi = phi.Classify(question)
	for _, h := range history {
		if h.Role == "user" && phi.Classify(h.Content).ContainsPHI {
			run.phi.ContainsPHI = true
			break
		}
	}
	// Clinical context describes a patient by definition.
	containsPHI := run.phi.ContainsPHI || clinical != nil

	strategy, ok := StrategyFor(req.Strategy)
	if !ok {
		if strategy, ok = StrategyFor(o.flags.String(ctx, FlagRAGStrategy)); !ok {
			strategy = simpleStrategy{}
		}
	}
	maxResults := req.MaxResults
	if maxResults <= 0 || maxResults > 50 {
		maxResults = o.flags.Int(ctx, FlagRAGMaxResults)
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	run.advance(StageRetrieving)
	retrievalDegraded := false
	candidates, err := o.retrieve(ctx, run, strategy, SearchQuery{
		Text:              question,
		Scope:             req.Scope,
		Filters:           req.Filters,
		Limit:             retrievalLimit(maxResults, req.DocumentIDs),
		Threshold:         o.flags.Float(ctx, FlagRAGScoreThreshold),
		IncludeLiterature: o.flags.Bool(ctx, FlagLiteratureEnabled),
		PHI:               containsPHI,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
			return nil, err
		}
		// Answer without context rather than fail the request.
		retrievalDegraded = true
		o.metrics.RecordDegraded(ctx, "retrieval_failed")
		run.log.Warn("retrieval failed, continuing without context", "error", err)
	}

	run.advance(StageRanking)
	candidates = restrictToDocuments(candidates, req.DocumentIDs)
	candidates = topN(candidates, maxResults)

	run.advance(StageRouting)
	preferRemote := strategy.PreferRemote() && o.flags.Bool(ctx, FlagRemoteEnabled)
	messageID := uuid.NewString()
	if err := run.sink.Start(messageID); err != nil {
		run.sinkOK = false
		run.log.Warn("stream sink rejected start frame", "error", err)
	}

	run.advance(StageSynthesizing)
	syn, err := o.router.Synthesize(ctx, RouteRequest{
		OwnerID:         req.Scope.OwnerID,
		RequestID:       req.RequestID,
		Question:        question,
		QueryPHI:        phi.Verdict{ContainsPHI: containsPHI, Entities: run.phi.Entities},
		Context:         candidates,
		History:         history,
		ClinicalContext: renderClinicalContext(clinical),
		PreferRemote:    preferRemote,
	}, run.emit)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	degraded := syn.Degraded || retrievalDegraded
	status := models.MessageComplete
	if degraded {
		status = models.MessageDegraded
	}
	answer := &models.ChatMessage{
		ID:        messageID,
		Role:      "assistant",
		Content:   syn.Answer,
		Status:    status,
		Model:     syn.Model,
		Strategy:  strategy.Name(),
		PHI:       syn.PHI,
		Citations: syn.Citations,
	}
	sessionID, err := o.conversations.saveExchange(ctx, exchange{
		scope:     req.Scope,
		sessionID: req.SessionID,
		question:  question,
		answer:    answer,
	})
	if err != nil {
		return nil, apperr.Internal("failed to save conversation", err)
	}
	run.advance(StagePersisted)

	return &QueryResult{
		MessageID:   messageID,
		SessionID:   sessionID,
		Answer:      syn.Answer,
		Sources:     syn.Citations,
		Degraded:    degraded,
		PHIDetected: syn.PHI,
		Route:       syn.Route,
		Model:       syn.Model,
		Strategy:    strategy.Name(),
		CreatedAt:   answer.CreatedAt,
	}, nil
}

// retrieve runs the strategy under the retrieval share of the budget. When
// that share runs out the search sources return what they have.
func (o *Orchestrator) retrieve(ctx context.Context, run *queryRun, s Strategy, q SearchQuery) ([]models.Candidate, error) {
	rctx := ctx
	if o.budget > 0 && o.retrievalShare > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, time.Duration(float64(o.budget)*o.retrievalShare))
		defer cancel()
	}
	start := time.Now()
	candidates, err := s.Retrieve(rctx, o.search, q)
	logger.Debug("retrieval finished",
		"request_id", run.req.RequestID,
		"strategy", s.Name(),
		"candidates", len(candidates),
		"duration", time.Since(start))
	return candidates, err
}

// persistFailure records the partial answer of a request that failed after
// streaming began, marked failed.
func (o *Orchestrator) persistFailure(parent context.Context, run *queryRun) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
	defer cancel()
	_, err := o.conversations.saveExchange(ctx, exchange{
		scope:     run.req.Scope,
		sessionID: run.req.SessionID,
		question:  strings.TrimSpace(run.req.Question),
		answer: &models.ChatMessage{
			ID:      uuid.NewString(),
			Role:    "assistant",
			Content: run.text.String(),
			Status:  models.MessageFailed,
			PHI:     run.phi.ContainsPHI,
		},
	})
	if err != nil {
		run.log.Warn("failed to record incomplete answer", "error", err)
	}
}

func retrievalLimit(maxResults int, documentIDs []string) int {
	if len(documentIDs) > 0 {
		return maxResults * 3
	}
	return maxResults
}

func restrictToDocuments(c []models.Candidate, ids []string) []models.Candidate {
	if len(ids) == 0 {
		return c
	}
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	out := c[:0:0]
	for _, cand := range c {
		if allowed[cand.DocumentID] {
			out = append(out, cand)
		}
	}
	return out
}
