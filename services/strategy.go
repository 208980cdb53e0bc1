package services

import (
	"context"
	"sort"
	"strings"

	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/models"
)

// Searcher is the retrieval surface strategies build on.
type Searcher interface {
	Search(ctx context.Context, q SearchQuery) ([]models.Candidate, error)
}

// Strategy decides how retrieval is run and which model class is preferred
// for PHI-free questions. The active strategy is a runtime flag.
type Strategy interface {
	Name() string
	PreferRemote() bool
	Retrieve(ctx context.Context, s Searcher, q SearchQuery) ([]models.Candidate, error)
}

const (
	StrategySimple   = "simple"
	StrategyMultiHop = "multi_hop"
	StrategyHybrid   = "hybrid"
)

var strategies = map[string]Strategy{
	StrategySimple:   simpleStrategy{},
	StrategyMultiHop: multiHopStrategy{},
	StrategyHybrid:   hybridStrategy{},
}

// StrategyFor looks a strategy up by name, accepting "multi-hop" as well.
func StrategyFor(name string) (Strategy, bool) {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	s, ok := strategies[name]
	return s, ok
}

func StrategyNames() []string {
	names := make([]string, 0, len(strategies))
	for n := range strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// simpleStrategy is one retrieval pass answered by the local model.
type simpleStrategy struct{}

func (simpleStrategy) Name() string       { return StrategySimple }
func (simpleStrategy) PreferRemote() bool { return false }

func (simpleStrategy) Retrieve(ctx context.Context, s Searcher, q SearchQuery) ([]models.Candidate, error) {
	return s.Search(ctx, q)
}

// multiHopStrategy runs a second pass seeded with the titles of the first
// pass's best hits, which pulls in neighbouring material the question does
// not name directly.
type multiHopStrategy struct{}

func (multiHopStrategy) Name() string       { return StrategyMultiHop }
func (multiHopStrategy) PreferRemote() bool { return true }

func (multiHopStrategy) Retrieve(ctx context.Context, s Searcher, q SearchQuery) ([]models.Candidate, error) {
	first, err := s.Search(ctx, q)
	if err != nil || len(first) == 0 {
		return first, err
	}

	var seeds []string
	seen := map[string]bool{}
	for _, c := range topN(first, 2) {
		if c.Title != "" && !seen[c.Title] {
			seen[c.Title] = true
			seeds = append(seeds, c.Title)
		}
	}
	if len(seeds) == 0 {
		return first, nil
	}

	hop := q
	hop.Text = q.Text + " " + strings.Join(seeds, " ")
	second, err := s.Search(ctx, hop)
	if err != nil {
		logger.Debug("second retrieval hop failed", "error", err)
		return first, nil
	}
	return mergeCandidates([][]models.Candidate{first, second}, q.Limit), nil
}

// hybridStrategy always includes external literature.
type hybridStrategy struct{}

func (hybridStrategy) Name() string       { return StrategyHybrid }
func (hybridStrategy) PreferRemote() bool { return true }

func (hybridStrategy) Retrieve(ctx context.Context, s Searcher, q SearchQuery) ([]models.Candidate, error) {
	q.IncludeLiterature = true
	return s.Search(ctx, q)
}
