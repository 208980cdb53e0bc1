package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing, which keeps tests free of meter setup.
type Metrics struct {
	RequestCounter      metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	TokensUsed          metric.Int64Counter
	IndexingDuration    metric.Float64Histogram
	JobTransitions      metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
	AuditEventsLogged   metric.Int64Counter
	CacheLookups        metric.Int64Counter
	PHIRoutes           metric.Int64Counter
	DegradedAnswers     metric.Int64Counter
	SourceFailures      metric.Int64Counter
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("clinical-kb-platform")
	m := &Metrics{}
	var err error

	if m.RequestCounter, err = meter.Int64Counter("http.requests.total",
		metric.WithDescription("Total HTTP requests")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("model.tokens.used",
		metric.WithDescription("Estimated tokens sent to language models")); err != nil {
		return nil, err
	}
	if m.IndexingDuration, err = meter.Float64Histogram("indexing.job.duration",
		metric.WithDescription("Indexing job run duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.JobTransitions, err = meter.Int64Counter("indexing.job.transitions",
		metric.WithDescription("Indexing job state transitions")); err != nil {
		return nil, err
	}
	if m.CircuitBreakerState, err = meter.Int64Counter("circuit_breaker.state_changes",
		metric.WithDescription("Circuit breaker state changes")); err != nil {
		return nil, err
	}
	if m.AuditEventsLogged, err = meter.Int64Counter("audit.events.logged",
		metric.WithDescription("Total audit events logged")); err != nil {
		return nil, err
	}
	if m.CacheLookups, err = meter.Int64Counter("cache.lookups",
		metric.WithDescription("Cache lookups by tier, namespace and outcome")); err != nil {
		return nil, err
	}
	if m.PHIRoutes, err = meter.Int64Counter("phi.routing.decisions",
		metric.WithDescription("Model routing decisions by PHI verdict")); err != nil {
		return nil, err
	}
	if m.DegradedAnswers, err = meter.Int64Counter("answers.degraded",
		metric.WithDescription("Answers marked degraded")); err != nil {
		return nil, err
	}
	if m.SourceFailures, err = meter.Int64Counter("search.source.failures",
		metric.WithDescription("Search source failures and timeouts")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	)
	m.RequestCounter.Add(context.Background(), 1, attrs)
	m.RequestDuration.Record(context.Background(), duration, attrs)
}

func (m *Metrics) RecordTokensUsed(ctx context.Context, tokens int64, model string) {
	if m == nil {
		return
	}
	m.TokensUsed.Add(ctx, tokens, metric.WithAttributes(attribute.String("model", model)))
}

func (m *Metrics) RecordIndexing(ctx context.Context, duration float64, status string) {
	if m == nil {
		return
	}
	m.IndexingDuration.Record(ctx, duration, metric.WithAttributes(attribute.String("job.status", status)))
}

func (m *Metrics) RecordJobTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.from", from),
		attribute.String("job.to", to),
	))
}

// RecordCircuitBreakerState records circuit breaker state changes
func (m *Metrics) RecordCircuitBreakerState(service, state string) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("state", state),
	))
}

// RecordAuditEvent records audit event logging
func (m *Metrics) RecordAuditEvent(action, resource string) {
	if m == nil {
		return
	}
	m.AuditEventsLogged.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("audit.action", action),
		attribute.String("audit.resource", resource),
	))
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, tier, namespace string, hit bool) {
	if m == nil {
		return
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache.tier", tier),
		attribute.String("cache.namespace", namespace),
		attribute.Bool("cache.hit", hit),
	))
}

func (m *Metrics) RecordPHIRoute(ctx context.Context, route string, phi bool) {
	if m == nil {
		return
	}
	m.PHIRoutes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Bool("phi", phi),
	))
}

func (m *Metrics) RecordDegraded(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DegradedAnswers.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordSourceFailure(ctx context.Context, source, reason string) {
	if m == nil {
		return
	}
	m.SourceFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("reason", reason),
	))
}
