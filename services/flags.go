package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/internal/audit"
	"clinical-kb-platform/internal/cache"
	"clinical-kb-platform/internal/config"
	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/models"
)

// Runtime flags read on every query.
const (
	FlagRAGStrategy       = "rag_strategy"
	FlagRAGMaxResults     = "rag_max_results"
	FlagRAGScoreThreshold = "rag_score_threshold"
	FlagLiteratureEnabled = "literature_enabled"
	FlagRemoteEnabled     = "remote_model_enabled"
)

// DefaultFlags are the flags every deployment has, seeded from config.
func DefaultFlags(cfg *config.Config) []*models.Flag {
	return []*models.Flag{
		{Name: FlagRAGStrategy, Type: models.FlagString, Default: cfg.DefaultStrategy,
			Description: "retrieval strategy: " + strings.Join(StrategyNames(), ", ")},
		{Name: FlagRAGMaxResults, Type: models.FlagNumber, Default: strconv.Itoa(cfg.SearchTopK),
			Description: "context candidates passed to the model"},
		{Name: FlagRAGScoreThreshold, Type: models.FlagNumber, Default: strconv.FormatFloat(cfg.ScoreThreshold, 'f', -1, 64),
			Description: "minimum vector similarity"},
		{Name: FlagLiteratureEnabled, Type: models.FlagBool, Default: strconv.FormatBool(cfg.LiteratureEnabled),
			Description: "include external literature search"},
		{Name: FlagRemoteEnabled, Type: models.FlagBool, Default: strconv.FormatBool(cfg.RemoteEnabled),
			Description: "allow PHI-free questions to use the remote model"},
	}
}

// FlagService reads flags through the flags cache namespace so that a
// change is visible everywhere once the namespace is invalidated.
type FlagService struct {
	store    database.FlagStore
	cache    cache.Tier
	audit    *audit.Logger
	defaults map[string]*models.Flag
	now      func() time.Time
}

func NewFlagService(cfg *config.Config, store database.FlagStore, c cache.Tier, auditLog *audit.Logger) *FlagService {
	defaults := make(map[string]*models.Flag)
	for _, f := range DefaultFlags(cfg) {
		defaults[f.Name] = f
	}
	return &FlagService{
		store:    store,
		cache:    c,
		audit:    auditLog,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *FlagService) Get(ctx context.Context, name string) (*models.Flag, error) {
	return cache.Fetch(ctx, s.cache, cache.NamespaceFlags, cache.Key(name), func(ctx context.Context) (*models.Flag, error) {
		f, err := s.store.GetFlag(ctx, name)
		if err == nil {
			return f, nil
		}
		if apperr.KindOf(err) == apperr.KindNotFound {
			if d, ok := s.defaults[name]; ok {
				cp := *d
				return &cp, nil
			}
		}
		return nil, err
	})
}

func (s *FlagService) String(ctx context.Context, name string) string {
	f, err := s.Get(ctx, name)
	if err != nil {
		s.logReadFailure(name, err)
		if d, ok := s.defaults[name]; ok {
			return d.Default
		}
		return ""
	}
	return f.String()
}

func (s *FlagService) Int(ctx context.Context, name string) int {
	if f, err := s.Get(ctx, name); err == nil {
		if v, err := f.Int(); err == nil {
			return v
		}
	} else {
		s.logReadFailure(name, err)
	}
	v, _ := strconv.Atoi(s.defaultValue(name))
	return v
}

func (s *FlagService) Float(ctx context.Context, name string) float64 {
	if f, err := s.Get(ctx, name); err == nil {
		if v, err := f.Float(); err == nil {
			return v
		}
	} else {
		s.logReadFailure(name, err)
	}
	v, _ := strconv.ParseFloat(s.defaultValue(name), 64)
	return v
}

func (s *FlagService) Bool(ctx context.Context, name string) bool {
	if f, err := s.Get(ctx, name); err == nil {
		if v, err := f.Bool(); err == nil {
			return v
		}
	} else {
		s.logReadFailure(name, err)
	}
	v, _ := strconv.ParseBool(s.defaultValue(name))
	return v
}

func (s *FlagService) defaultValue(name string) string {
	if d, ok := s.defaults[name]; ok {
		return d.Default
	}
	return ""
}

func (s *FlagService) logReadFailure(name string, err error) {
	logger.Warn("flag read failed, using default", "flag", name, "error", err)
}

// List returns every known flag, stored values taking precedence.
func (s *FlagService) List(ctx context.Context) ([]*models.Flag, error) {
	stored, err := s.store.ListFlags(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*models.Flag, len(s.defaults)+len(stored))
	for name, d := range s.defaults {
		cp := *d
		byName[name] = &cp
	}
	for _, f := range stored {
		byName[f.Name] = f
	}
	out := make([]*models.Flag, 0, len(byName))
	for _, f := range byName {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Set validates and stores a new value, then drops every cached flag.
func (s *FlagService) Set(ctx context.Context, actorID, requestID, name, value string) (*models.Flag, error) {
	def, ok := s.defaults[name]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("unknown flag %q", name))
	}
	value = strings.TrimSpace(value)
	if err := validateFlag(def, value); err != nil {
		return nil, err
	}

	f := *def
	if current, err := s.store.GetFlag(ctx, name); err == nil {
		f = *current
	}
	previous := f.String()
	f.Value = value
	f.UpdatedBy = actorID
	f.UpdatedAt = s.now()
	if err := s.store.UpsertFlag(ctx, &f); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.InvalidateNamespace(ctx, cache.NamespaceFlags); err != nil {
			logger.Warn("failed to invalidate flag cache", "flag", name, "error", err)
		}
	}
	s.audit.Record(actorID, models.AuditFlagChanged, "flag", name, requestID, true, map[string]string{
		"from": previous,
		"to":   value,
	})
	logger.Info("flag updated", "flag", name, "value", value)
	return &f, nil
}

// Seed stores defaults for flags that have never been written.
func (s *FlagService) Seed(ctx context.Context) (int, error) {
	n := 0
	for name, d := range s.defaults {
		if _, err := s.store.GetFlag(ctx, name); err == nil {
			continue
		} else if apperr.KindOf(err) != apperr.KindNotFound {
			return n, err
		}
		f := *d
		f.UpdatedAt = s.now()
		f.UpdatedBy = "system"
		if err := s.store.UpsertFlag(ctx, &f); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func validateFlag(def *models.Flag, value string) error {
	if !def.Type.ValidValue(value) {
		return apperr.Validation(fmt.Sprintf("flag %s expects a %s value", def.Name, def.Type))
	}
	switch def.Name {
	case FlagRAGStrategy:
		if _, ok := StrategyFor(value); !ok {
			return apperr.Validation(fmt.Sprintf("unknown strategy %q; expected one of %s", value, strings.Join(StrategyNames(), ", ")))
		}
	case FlagRAGMaxResults:
		n, _ := strconv.ParseFloat(value, 64)
		if n < 1 || n > 50 {
			return apperr.Validation("rag_max_results must be between 1 and 50")
		}
	case FlagRAGScoreThreshold:
		n, _ := strconv.ParseFloat(value, 64)
		if n < 0 || n > 1 {
			return apperr.Validation("rag_score_threshold must be between 0 and 1")
		}
	}
	return nil
}
