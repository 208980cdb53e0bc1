package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"clinical-kb-platform/internal/ai"
	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/cache"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/literature"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/telemetry"
	"clinical-kb-platform/internal/vector"
	"clinical-kb-platform/models"
)

const (
	SourceVector     = "vector"
	SourceKeyword    = "keyword"
	SourceLiterature = "literature"
)

// LiteratureSearcher is the external literature backend.
type LiteratureSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]literature.Article, error)
}

type SearchQuery struct {
	Text    string
	Scope   models.Scope
	Filters models.SearchFilters
	Limit   int
	// Threshold overrides the configured minimum vector score when > 0.
	Threshold         float64
	IncludeLiterature bool
	// PHI keeps the query text away from external sources.
	PHI bool
}

func (q SearchQuery) cacheKey() string {
	scope := "owner:" + q.Scope.OwnerID
	if q.Scope.Admin {
		scope = "admin"
	}
	types := make([]string, len(q.Filters.SourceTypes))
	for i, t := range q.Filters.SourceTypes {
		types[i] = string(t)
	}
	sort.Strings(types)
	var from, to string
	if q.Filters.DateFrom != nil {
		from = q.Filters.DateFrom.UTC().Format(time.RFC3339)
	}
	if q.Filters.DateTo != nil {
		to = q.Filters.DateTo.UTC().Format(time.RFC3339)
	}
	return cache.Key(scope, cache.NormalizeQuery(q.Text), q.Filters.Category, strings.Join(types, ","), from, to,
		strconv.Itoa(q.Limit), strconv.FormatFloat(q.Threshold, 'f', 3, 64), strconv.FormatBool(q.IncludeLiterature))
}

// SearchAggregator fans a query out to vector, keyword and literature
// sources in parallel and merges their candidates.
type SearchAggregator struct {
	store      database.ChunkStore
	embedder   ai.Embedder
	index      vector.Index
	literature LiteratureSearcher
	cache      cache.Tier
	metrics    *telemetry.Metrics

	topK              int
	threshold         float64
	vectorTimeout     time.Duration
	keywordTimeout    time.Duration
	literatureTimeout time.Duration
}

// NewSearchAggregator wires the sources. lit and c may be nil.
func NewSearchAggregator(cfg *config.Config, store database.ChunkStore, embedder ai.Embedder, index vector.Index, lit LiteratureSearcher, c cache.Tier, metrics *telemetry.Metrics) *SearchAggregator {
	return &SearchAggregator{
		store:             store,
		embedder:          embedder,
		index:             index,
		literature:        lit,
		cache:             c,
		metrics:           metrics,
		topK:              cfg.SearchTopK,
		threshold:         cfg.ScoreThreshold,
		vectorTimeout:     cfg.VectorTimeout,
		keywordTimeout:    cfg.KeywordTimeout,
		literatureTimeout: cfg.LiteratureTimeout,
	}
}

type sourceFunc func(ctx context.Context, q SearchQuery) ([]models.Candidate, error)

// Search returns merged candidates. It fails only when every source it
// tried failed; partial results are returned otherwise.
func (a *SearchAggregator) Search(ctx context.Context, q SearchQuery) ([]models.Candidate, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, apperr.Validation("query is required")
	}
	if q.Limit <= 0 {
		q.Limit = a.topK
	}
	if q.Threshold <= 0 {
		q.Threshold = a.threshold
	}

	key := q.cacheKey()
	if a.cache != nil {
		if raw, err := a.cache.Get(ctx, cache.NamespaceSearch, key); err == nil {
			var cached []models.Candidate
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	type source struct {
		name    string
		timeout time.Duration
		run     sourceFunc
	}
	sources := []source{
		{SourceVector, a.vectorTimeout, a.vectorSource},
		{SourceKeyword, a.keywordTimeout, a.keywordSource},
	}
	if q.IncludeLiterature && !q.PHI && a.literature != nil && wantsSource(q.Filters.SourceTypes, models.SourceLiterature) {
		sources = append(sources, source{SourceLiterature, a.literatureTimeout, a.literatureSource})
	}

	var (
		mu      sync.Mutex
		results [][]models.Candidate
		failed  int
	)
	var g errgroup.Group
	for _, src := range sources {
		g.Go(func() error {
			sctx, cancel := withOptionalTimeout(ctx, src.timeout)
			defer cancel()
			found, err := src.run(sctx, q)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				reason := "error"
				if errors.Is(err, context.DeadlineExceeded) {
					reason = "timeout"
				}
				a.metrics.RecordSourceFailure(ctx, src.name, reason)
				logger.Warn("search source failed", "source", src.name, "reason", reason, "error", err)
				return nil
			}
			results = append(results, found)
			return nil
		})
	}
	_ = g.Wait()

	if failed == len(sources) {
		return nil, apperr.Upstream("all search sources failed", ctx.Err())
	}

	merged := mergeCandidates(results, q.Limit)
	if a.cache != nil && failed == 0 {
		if raw, err := json.Marshal(merged); err == nil {
			if err := a.cache.Set(ctx, cache.NamespaceSearch, key, raw, 0); err != nil {
				logger.Debug("search cache write failed", "error", err)
			}
		}
	}
	return merged, nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func wantsSource(types []models.SourceType, t models.SourceType) bool {
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

func (a *SearchAggregator) vectorSource(ctx context.Context, q SearchQuery) ([]models.Candidate, error) {
	vecs, err := a.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors", len(vecs))
	}
	// Over-fetch: category and date filters are applied after hydration.
	hits, err := a.index.Search(ctx, vecs[0], q.Limit*3, vector.ScopeFilter(q.Scope, q.Filters.SourceTypes))
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Score < q.Threshold {
			continue
		}
		scores[h.ChunkID] = h.Score
		ids = append(ids, h.ChunkID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	chunks, err := a.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.Candidate, 0, len(chunks))
	for _, c := range chunks {
		// The index may lag the store; the store is authoritative.
		if !c.Live() || !q.Scope.Readable(c) || !matchesFilters(c, q.Filters) {
			continue
		}
		out = append(out, candidateFromChunk(c, scores[c.ID], SourceVector))
	}
	return out, nil
}

func (a *SearchAggregator) keywordSource(ctx context.Context, q SearchQuery) ([]models.Candidate, error) {
	terms := queryTerms(q.Text)
	chunks, err := a.store.KeywordSearch(ctx, database.KeywordQuery{
		Scope:   q.Scope,
		Phrase:  q.Text,
		Terms:   terms,
		Filters: q.Filters,
		Limit:   q.Limit * 4,
	})
	if err != nil {
		return nil, err
	}
	phrase := strings.ToLower(q.Text)
	out := make([]models.Candidate, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, candidateFromChunk(c, keywordScore(c, phrase, terms), SourceKeyword))
	}
	return out, nil
}

func (a *SearchAggregator) literatureSource(ctx context.Context, q SearchQuery) ([]models.Candidate, error) {
	articles, err := a.literature.Search(ctx, q.Text, q.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Candidate, 0, len(articles))
	for i, art := range articles {
		text := art.Title
		if art.Journal != "" {
			text += ". " + art.Journal
		}
		if art.PubDate != "" {
			text += " (" + art.PubDate + ")"
		}
		out = append(out, models.Candidate{
			ChunkID:    "pubmed:" + art.PMID,
			DocumentID: "pubmed:" + art.PMID,
			Title:      art.Title,
			Text:       text,
			Score:      literatureScore(i),
			SourceType: models.SourceLiterature,
			URL:        art.URL(),
			Sources:    []string{SourceLiterature},
		})
	}
	return out, nil
}

// literatureScore decays with rank so external results sit below strong
// local matches.
func literatureScore(rank int) float64 {
	s := 0.7 - 0.05*float64(rank)
	if s < 0.3 {
		return 0.3
	}
	return s
}

// keywordScore is 1.0 for a full phrase match, otherwise 0.8 scaled by the
// share of query terms present.
func keywordScore(c *models.Chunk, phrase string, terms []string) float64 {
	text := strings.ToLower(c.Text)
	title := strings.ToLower(c.Title)
	if phrase != "" && (strings.Contains(text, phrase) || strings.Contains(title, phrase)) {
		return 1.0
	}
	if len(terms) == 0 {
		return 0
	}
	matched := 0
	for _, t := range terms {
		if strings.Contains(text, t) || strings.Contains(title, t) {
			matched++
		}
	}
	return 0.8 * float64(matched) / float64(len(terms))
}

var keywordStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "what": true, "which": true,
	"are": true, "was": true, "how": true, "does": true, "this": true, "that": true,
	"from": true, "into": true, "should": true, "can": true, "when": true, "who": true,
}

// queryTerms lowercases, strips punctuation and drops short and stop words.
func queryTerms(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r == '-' || r == '\'' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127)
	}) {
		if len([]rune(f)) < 3 || keywordStopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func matchesFilters(c *models.Chunk, f models.SearchFilters) bool {
	if f.Category != "" && c.Category != f.Category {
		return false
	}
	if !wantsSource(f.SourceTypes, c.SourceType) {
		return false
	}
	if f.DateFrom != nil && c.CreatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && c.CreatedAt.After(*f.DateTo) {
		return false
	}
	return true
}

func candidateFromChunk(c *models.Chunk, score float64, source string) models.Candidate {
	return models.Candidate{
		ChunkID:    c.ID,
		DocumentID: c.DocumentID,
		Title:      c.Title,
		Text:       c.Text,
		Score:      score,
		Version:    c.Version,
		Ordinal:    c.Ordinal,
		Page:       c.Page,
		Section:    c.Section,
		SourceType: c.SourceType,
		Sources:    []string{source},
	}
}

// mergeCandidates deduplicates by chunk, keeping the highest score and the
// union of sources, then orders by score, newer version, then ordinal.
func mergeCandidates(results [][]models.Candidate, limit int) []models.Candidate {
	byID := map[string]*models.Candidate{}
	var order []string
	for _, set := range results {
		for _, c := range set {
			existing, ok := byID[c.ChunkID]
			if !ok {
				cc := c
				cc.Sources = append([]string(nil), c.Sources...)
				byID[c.ChunkID] = &cc
				order = append(order, c.ChunkID)
				continue
			}
			if c.Score > existing.Score {
				existing.Score = c.Score
			}
			for _, s := range c.Sources {
				if !containsString(existing.Sources, s) {
					existing.Sources = append(existing.Sources, s)
				}
			}
		}
	}

	out := make([]models.Candidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		sort.Strings(c.Sources)
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Version != out[j].Version {
			return out[i].Version > out[j].Version
		}
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
