package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"clinical-kb-platform/internal/ai"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/phi"
	"clinical-kb-platform/internal/telemetry"
	"clinical-kb-platform/models"
)

// Routes a synthesis can take.
const (
	RouteLocal    = "local"
	RouteRemote   = "remote"
	RouteFallback = "fallback"
)

const systemPrompt = `You are a clinical knowledge assistant for healthcare professionals.
Answer only from the numbered sources provided. Cite every claim with the
source number in square brackets, for example [1] or [2][3]. If the sources
do not answer the question, say so plainly. Do not invent dosages, codes or
references.`

// maxContextChars bounds how much source text goes into one prompt.
const maxContextChars = 12000

type RouteRequest struct {
	OwnerID   string
	RequestID string
	Question  string
	// QueryPHI is the verdict on the raw user question.
	QueryPHI        phi.Verdict
	Context         []models.Candidate
	History         []models.HistoryTurn
	ClinicalContext string
	PreferRemote    bool
}

type Synthesis struct {
	Answer    string
	Citations []models.Citation
	Model     string
	Route     string
	PHI       bool
	Degraded  bool
}

// ModelRouter chooses between the local model, the remote model and a
// canned fallback. Any PHI in the question or in the outbound prompt pins
// the request to the local model.
type ModelRouter struct {
	local   ai.LanguageModel
	remote  ai.LanguageModel
	quota   ai.Quota
	audit   *audit.Logger
	metrics *telemetry.Metrics
}

// NewModelRouter accepts a nil remote model and a nil quota.
func NewModelRouter(local, remote ai.LanguageModel, quota ai.Quota, auditLog *audit.Logger, metrics *telemetry.Metrics) *ModelRouter {
	return &ModelRouter{local: local, remote: remote, quota: quota, audit: auditLog, metrics: metrics}
}

// BuildPrompt lays out sources, clinical context, history and the question.
func BuildPrompt(req RouteRequest) ai.Prompt {
	var b strings.Builder
	if len(req.Context) == 0 {
		b.WriteString("No sources were found for this question.\n")
	} else {
		b.WriteString("Sources:\n")
		for i, c := range contextWindow(req.Context) {
			b.WriteString(sourceEntry(i, c))
		}
	}
	if req.ClinicalContext != "" {
		b.WriteString("Clinical context:\n")
		b.WriteString(req.ClinicalContext)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(req.Question)

	p := ai.Prompt{System: systemPrompt, Temperature: 0.2, MaxTokens: 1024}
	for _, h := range req.History {
		role := "user"
		if h.Role == "assistant" {
			role = "assistant"
		}
		p.Messages = append(p.Messages, ai.Message{Role: role, Content: h.Content})
	}
	p.Messages = append(p.Messages, ai.Message{Role: "user", Content: b.String()})
	return p
}

func sourceEntry(i int, c models.Candidate) string {
	return fmt.Sprintf("[%d] %s%s\n%s\n\n", i+1, c.Title, locator(c), strings.TrimSpace(c.Text))
}

// contextWindow is the prefix of candidates that fits in one prompt. At
// least one candidate is always kept.
func contextWindow(c []models.Candidate) []models.Candidate {
	used := 0
	for i, cand := range c {
		n := len(sourceEntry(i, cand))
		if i > 0 && used+n > maxContextChars {
			return c[:i]
		}
		used += n
	}
	return c
}

func locator(c models.Candidate) string {
	switch {
	case c.Page > 0 && c.Section != "":
		return fmt.Sprintf(" (p. %d, %s)", c.Page, c.Section)
	case c.Page > 0:
		return fmt.Sprintf(" (p. %d)", c.Page)
	case c.Section != "":
		return " (" + c.Section + ")"
	}
	return ""
}

// Synthesize produces an answer. onDelta receives streamed fragments and
// may be nil. Provider failures degrade to another route or the fallback;
// only cancellation of ctx is returned as an error.
func (r *ModelRouter) Synthesize(ctx context.Context, req RouteRequest, onDelta func(string)) (*Synthesis, error) {
	// Citations may only point at what the model actually saw.
	req.Context = contextWindow(req.Context)
	prompt := BuildPrompt(req)
	outbound := phi.Classify(prompt.Text())
	containsPHI := req.QueryPHI.ContainsPHI || outbound.ContainsPHI
	log := logger.With("request_id", req.RequestID, "phi", containsPHI)

	// streamed is what the caller has already seen. Once a model has
	// streamed text the request is not failed over, so the concatenated
	// deltas always equal the final answer.
	var streamed strings.Builder
	emit := func(s string) {
		if s == "" {
			return
		}
		streamed.WriteString(s)
		if onDelta != nil {
			onDelta(s)
		}
	}

	candidates := []ai.LanguageModel{r.local, r.remote}
	if req.PreferRemote {
		candidates = []ai.LanguageModel{r.remote, r.local}
	}
	if containsPHI {
		r.audit.Record(req.OwnerID, models.AuditPHILocal, "query", req.RequestID, req.RequestID, true, map[string]string{
			"entity_types": strings.Join(mergeTypes(req.QueryPHI, outbound), ","),
		})
		candidates = []ai.LanguageModel{r.local}
	}

	failedOver := false
	for _, m := range candidates {
		if m == nil {
			continue
		}
		if !m.Local() && !r.reserve(ctx, req.OwnerID, prompt) {
			continue
		}
		answer, err := r.try(ctx, m, prompt, emit)
		if err == nil {
			if streamed.Len() == 0 {
				emit(answer)
			}
			if failedOver {
				r.metrics.RecordDegraded(ctx, "model_failover")
			}
			return r.done(ctx, req, streamed.String(), m, routeOf(m), containsPHI, failedOver), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("model failed", "model", m.Name(), "error", err)
		if streamed.Len() > 0 {
			return r.interrupted(ctx, req, streamed.String(), m, containsPHI, emit), nil
		}
		failedOver = true
	}
	return r.fallback(ctx, req, containsPHI, emit), nil
}

func routeOf(m ai.LanguageModel) string {
	if m.Local() {
		return RouteLocal
	}
	return RouteRemote
}

// interrupted closes an answer whose model failed mid-stream. The partial
// text stands and a note is appended; the result is degraded.
func (r *ModelRouter) interrupted(ctx context.Context, req RouteRequest, partial string, m ai.LanguageModel, containsPHI bool, emit func(string)) *Synthesis {
	r.metrics.RecordDegraded(ctx, "stream_interrupted")
	emit(interruptedNote)
	syn := r.done(ctx, req, partial+interruptedNote, m, routeOf(m), containsPHI, true)
	syn.Citations = Cite(partial, req.Context)
	return syn
}

const interruptedNote = "\n\n[The answer was interrupted before it finished. Check the cited sources directly.]"

func (r *ModelRouter) try(ctx context.Context, m ai.LanguageModel, p ai.Prompt, emit func(string)) (string, error) {
	if m == nil {
		return "", ai.ErrUnavailable
	}
	answer, err := m.Stream(ctx, p, emit)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", fmt.Errorf("%w: empty answer from %s", ai.ErrUnavailable, m.Name())
	}
	return answer, nil
}

// reserve charges the owner's remote quota. An exhausted or failing quota
// keeps the request off the remote model.
func (r *ModelRouter) reserve(ctx context.Context, ownerID string, p ai.Prompt) bool {
	if r.quota == nil {
		return true
	}
	err := r.quota.Reserve(ctx, ownerID, ai.EstimateTokens(p.Text())+p.MaxTokens)
	if err == nil {
		return true
	}
	if errors.Is(err, ai.ErrQuotaExceeded) {
		r.metrics.RecordDegraded(ctx, "quota_exhausted")
	} else {
		logger.Warn("quota check failed", "error", err)
	}
	return false
}

func (r *ModelRouter) done(ctx context.Context, req RouteRequest, answer string, m ai.LanguageModel, route string, containsPHI, degraded bool) *Synthesis {
	r.metrics.RecordPHIRoute(ctx, route, containsPHI)
	return &Synthesis{
		Answer:    answer,
		Citations: Cite(answer, req.Context),
		Model:     m.Name(),
		Route:     route,
		PHI:       containsPHI,
		Degraded:  degraded,
	}
}

// fallback answers from source headings alone when no model is reachable.
func (r *ModelRouter) fallback(ctx context.Context, req RouteRequest, containsPHI bool, emit func(string)) *Synthesis {
	r.metrics.RecordPHIRoute(ctx, RouteFallback, containsPHI)
	r.metrics.RecordDegraded(ctx, "no_model")

	var b strings.Builder
	top := topN(req.Context, 3)
	if len(top) == 0 {
		b.WriteString("The assistant is temporarily unavailable and no matching sources were found.")
	} else {
		b.WriteString("The assistant is temporarily unavailable. These sources look relevant:\n")
		for i, c := range top {
			fmt.Fprintf(&b, "- [%d] %s%s\n", i+1, c.Title, locator(c))
		}
	}
	answer := b.String()
	emit(answer)

	cites := make([]models.Citation, len(top))
	for i, c := range top {
		cites[i] = c.Citation()
	}
	return &Synthesis{
		Answer:    answer,
		Citations: cites,
		Model:     "fallback",
		Route:     RouteFallback,
		PHI:       containsPHI,
		Degraded:  true,
	}
}

var citationMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

// Cite maps [n] markers in the answer onto the numbered context. Without
// markers the top three candidates are cited.
func Cite(answer string, context []models.Candidate) []models.Citation {
	if len(context) == 0 {
		return []models.Citation{}
	}
	seen := map[int]bool{}
	var out []models.Citation
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(context) || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, context[n-1].Citation())
	}
	if len(out) > 0 {
		return out
	}
	for _, c := range topN(context, 3) {
		out = append(out, c.Citation())
	}
	return out
}

func topN(c []models.Candidate, n int) []models.Candidate {
	if len(c) > n {
		return c[:n]
	}
	return c
}

func mergeTypes(verdicts ...phi.Verdict) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range verdicts {
		for _, t := range v.Types() {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}
