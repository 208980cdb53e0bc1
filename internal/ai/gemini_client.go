package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/telemetry"
)

// geminiBackend is the slice of the SDK the model needs; tests replace it.
type geminiBackend interface {
	generate(ctx context.Context, p Prompt) (string, int, error)
	stream(ctx context.Context, p Prompt, onDelta func(string)) (string, int, error)
}

// GeminiModel is the remote capability. It must never receive PHI; the
// router enforces that before calling it.
type GeminiModel struct {
	model        string
	backend      geminiBackend
	breaker      *gobreaker.CircuitBreaker
	rateLimiter  *rate.Limiter
	tokenCounter *TokenCounter
	metrics      *telemetry.Metrics
	closer       func() error
}

type RateLimits struct {
	RPM int // Requests per minute
	TPM int // Tokens per minute
	RPD int // Requests per day
}

func getRateLimits(tier string) RateLimits {
	switch tier {
	case "tier1":
		return RateLimits{RPM: 1000, TPM: 1000000, RPD: 10000}
	case "tier2":
		return RateLimits{RPM: 2000, TPM: 4000000, RPD: 50000}
	default:
		return RateLimits{RPM: 10, TPM: 250000, RPD: 250}
	}
}

func NewGeminiModel(ctx context.Context, apiKey, model, tier string, metrics *telemetry.Metrics) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	m := newGeminiModel(&sdkBackend{client: client, model: model}, model, tier, metrics)
	m.closer = client.Close
	return m, nil
}

func newGeminiModel(backend geminiBackend, model, tier string, metrics *telemetry.Metrics) *GeminiModel {
	limits := getRateLimits(tier)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			metrics.RecordCircuitBreakerState(name, to.String())
		},
	})
	burst := limits.RPM / 10
	if burst < 1 {
		burst = 1
	}
	return &GeminiModel{
		model:        model,
		backend:      backend,
		breaker:      breaker,
		rateLimiter:  rate.NewLimiter(rate.Limit(float64(limits.RPM)*0.9/60.0), burst),
		tokenCounter: NewTokenCounter(limits),
		metrics:      metrics,
	}
}

func (gm *GeminiModel) Name() string { return "gemini:" + gm.model }
func (gm *GeminiModel) Local() bool  { return false }

func (gm *GeminiModel) Generate(ctx context.Context, p Prompt) (string, error) {
	return gm.call(ctx, "gemini.generate_content", p, func(ctx context.Context) (string, int, error) {
		return gm.backend.generate(ctx, p)
	})
}

func (gm *GeminiModel) Stream(ctx context.Context, p Prompt, onDelta func(string)) (string, error) {
	return gm.call(ctx, "gemini.stream_content", p, func(ctx context.Context) (string, int, error) {
		return gm.backend.stream(ctx, p, onDelta)
	})
}

func (gm *GeminiModel) call(ctx context.Context, spanName string, p Prompt, fn func(context.Context) (string, int, error)) (string, error) {
	ctx, span := otel.Tracer("gemini-client").Start(ctx, spanName)
	defer span.End()

	estimated := EstimateTokens(p.Text())
	span.SetAttributes(
		attribute.Int("gemini.estimated_tokens", estimated),
		attribute.String("gemini.model", gm.model),
	)

	if !gm.tokenCounter.CanConsume(estimated, 1) {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", fmt.Errorf("%w: token budget exhausted", ErrUnavailable)
	}
	if err := gm.rateLimiter.Wait(ctx); err != nil {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	result, err := gm.breaker.Execute(func() (interface{}, error) {
		text, tokens, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if tokens <= 0 {
			tokens = estimated + EstimateTokens(text)
		}
		gm.tokenCounter.RecordUsage(tokens, 1)
		gm.metrics.RecordTokensUsed(ctx, int64(tokens), gm.model)
		span.SetAttributes(attribute.Int("gemini.actual_tokens", tokens))
		return text, nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result.(string), nil
}

func (gm *GeminiModel) Close() error {
	if gm.closer != nil {
		return gm.closer()
	}
	return nil
}

// TokenCounter enforces the provider's per-minute and per-day windows
// locally so we back off before the API does.
type TokenCounter struct {
	mu              sync.Mutex
	limits          RateLimits
	minuteTokens    int
	minuteRequests  int
	dailyRequests   int
	lastMinuteReset time.Time
	lastDayReset    time.Time
	now             func() time.Time
}

func NewTokenCounter(limits RateLimits) *TokenCounter {
	return &TokenCounter{limits: limits, now: time.Now}
}

func (tc *TokenCounter) roll() {
	now := tc.now()
	if now.Sub(tc.lastMinuteReset) >= time.Minute {
		tc.minuteTokens = 0
		tc.minuteRequests = 0
		tc.lastMinuteReset = now
	}
	if now.Sub(tc.lastDayReset) >= 24*time.Hour {
		tc.dailyRequests = 0
		tc.lastDayReset = now
	}
}

func (tc *TokenCounter) CanConsume(tokens, requests int) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.roll()
	return tc.minuteRequests+requests <= tc.limits.RPM &&
		tc.minuteTokens+tokens <= tc.limits.TPM &&
		tc.dailyRequests+requests <= tc.limits.RPD
}

func (tc *TokenCounter) RecordUsage(tokens, requests int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.roll()
	tc.minuteTokens += tokens
	tc.minuteRequests += requests
	tc.dailyRequests += requests
}

type sdkBackend struct {
	client *genai.Client
	model  string
}

func (b *sdkBackend) prepare(p Prompt) (*genai.GenerativeModel, []genai.Part) {
	model := b.client.GenerativeModel(b.model)
	temp := p.Temperature
	if temp == 0 {
		temp = 0.3
	}
	model.SetTemperature(temp)
	if p.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(p.MaxTokens))
	} else {
		model.SetMaxOutputTokens(2048)
	}
	if p.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}
	var parts []genai.Part
	for _, m := range p.Messages {
		role := "User"
		if m.Role == "assistant" {
			role = "Assistant"
		}
		parts = append(parts, genai.Text(role+": "+m.Content))
	}
	return model, parts
}

func responseText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String()
}

func usage(resp *genai.GenerateContentResponse) int {
	if resp != nil && resp.UsageMetadata != nil {
		return int(resp.UsageMetadata.TotalTokenCount)
	}
	return 0
}

func (b *sdkBackend) generate(ctx context.Context, p Prompt) (string, int, error) {
	model, parts := b.prepare(p)
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", 0, err
	}
	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return "", 0, errors.New("empty response")
	}
	return text, usage(resp), nil
}

func (b *sdkBackend) stream(ctx context.Context, p Prompt, onDelta func(string)) (string, int, error) {
	model, parts := b.prepare(p)
	iter := model.GenerateContentStream(ctx, parts...)
	var full strings.Builder
	tokens := 0
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return full.String(), 0, err
		}
		delta := responseText(resp)
		if delta != "" {
			full.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		if u := usage(resp); u > 0 {
			tokens = u
		}
	}
	if full.Len() == 0 {
		return "", 0, errors.New("empty response")
	}
	return full.String(), tokens, nil
}

// GeminiEmbedder batches texts through the Gemini embedding model.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GeminiEmbedder{client: client, model: model}, nil
}

func (e *GeminiEmbedder) Name() string   { return "gemini:" + e.model }
func (e *GeminiEmbedder) Local() bool    { return false }
func (e *GeminiEmbedder) Dimension() int { return 768 }

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}

func (e *GeminiEmbedder) Close() error { return e.client.Close() }
