package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-kb-platform/internal/cache"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func respond(status int, contentType, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestLocalModelGenerate(t *testing.T) {
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		return respond(200, "application/json", `{"choices":[{"message":{"content":"Start fluids [1]."}}]}`), nil
	})}
	m := NewLocalModel("http://local:11434/", "llama", time.Second, client)

	out, err := m.Generate(context.Background(), Prompt{System: "be brief", Messages: []Message{{Role: "user", Content: "sepsis?"}}})
	require.NoError(t, err)
	assert.Equal(t, "Start fluids [1].", out)
	assert.True(t, m.Local())
}

func TestLocalModelStreamsDeltas(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"Start \"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"fluids.\"}}]}\n\n" +
		"data: [DONE]\n\n"
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		return respond(200, "text/event-stream", sse), nil
	})}
	m := NewLocalModel("http://local", "llama", time.Second, client)

	var deltas []string
	full, err := m.Stream(context.Background(), Prompt{Messages: []Message{{Role: "user", Content: "q"}}}, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Start ", "fluids."}, deltas)
	assert.Equal(t, "Start fluids.", full)
}

func TestLocalModelUpstreamErrorIsUnavailable(t *testing.T) {
	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return respond(503, "text/plain", "loading model"), nil
	})}
	m := NewLocalModel("http://local", "llama", time.Second, client)
	_, err := m.Generate(context.Background(), Prompt{Messages: []Message{{Role: "user", Content: "q"}}})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLocalEmbedderOrdersByIndex(t *testing.T) {
	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return respond(200, "application/json", `{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`), nil
	})}
	e := NewLocalEmbedder("http://local", "nomic", 2, client)
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

type fakeBackend struct {
	calls int32
	err   error
}

func (f *fakeBackend) generate(context.Context, Prompt) (string, int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", 0, f.err
	}
	return "remote answer", 42, nil
}

func (f *fakeBackend) stream(ctx context.Context, p Prompt, onDelta func(string)) (string, int, error) {
	text, n, err := f.generate(ctx, p)
	if err == nil {
		onDelta(text)
	}
	return text, n, err
}

func TestGeminiModelBreakerOpensAfterFailures(t *testing.T) {
	backend := &fakeBackend{err: errors.New("503 from provider")}
	m := newGeminiModel(backend, "gemini-2.0-flash", "tier2", nil)
	p := Prompt{Messages: []Message{{Role: "user", Content: "what is qSOFA"}}}

	for i := 0; i < 3; i++ {
		_, err := m.Generate(context.Background(), p)
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	_, err := m.Generate(context.Background(), p)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&backend.calls), "open breaker must short-circuit")
	assert.False(t, m.Local())
}

func TestGeminiModelStream(t *testing.T) {
	m := newGeminiModel(&fakeBackend{}, "gemini-2.0-flash", "tier1", nil)
	var got string
	out, err := m.Stream(context.Background(), Prompt{Messages: []Message{{Role: "user", Content: "q"}}}, func(d string) { got += d })
	require.NoError(t, err)
	assert.Equal(t, "remote answer", out)
	assert.Equal(t, out, got)
}

func TestTokenCounterWindows(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tc := NewTokenCounter(RateLimits{RPM: 2, TPM: 100, RPD: 3})
	tc.now = func() time.Time { return now }

	assert.True(t, tc.CanConsume(50, 1))
	tc.RecordUsage(50, 1)
	assert.False(t, tc.CanConsume(60, 1))
	tc.RecordUsage(10, 1)
	assert.False(t, tc.CanConsume(1, 1), "rpm reached")

	now = now.Add(time.Minute)
	assert.True(t, tc.CanConsume(60, 1))
	tc.RecordUsage(60, 1)
	assert.False(t, tc.CanConsume(1, 1), "daily requests reached")
}

type countingEmbedder struct {
	batches [][]string
}

func (c *countingEmbedder) Name() string   { return "fake" }
func (c *countingEmbedder) Local() bool    { return true }
func (c *countingEmbedder) Dimension() int { return 1 }

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.batches = append(c.batches, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func TestCachedEmbedderOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{}
	tier := cache.NewLayered([]cache.Tier{cache.NewLocalTier(100, time.Hour)}, []time.Duration{time.Minute})
	e := NewCachedEmbedder(inner, tier)
	ctx := context.Background()

	first, err := e.Embed(ctx, []string{"aa", "bbb"})
	require.NoError(t, err)
	second, err := e.Embed(ctx, []string{"bbb", "cccc", "aa"})
	require.NoError(t, err)

	assert.Equal(t, [][]float32{{2}, {3}}, first)
	assert.Equal(t, [][]float32{{3}, {4}, {2}}, second)
	require.Len(t, inner.batches, 2)
	assert.Equal(t, []string{"cccc"}, inner.batches[1])
}

func TestMemoryQuotaResetsDaily(t *testing.T) {
	now := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	q := NewMemoryQuota(100)
	q.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, q.Reserve(ctx, "alice", 80))
	assert.ErrorIs(t, q.Reserve(ctx, "alice", 30), ErrQuotaExceeded)
	require.NoError(t, q.Reserve(ctx, "bob", 30))

	now = now.Add(2 * time.Hour)
	require.NoError(t, q.Reserve(ctx, "alice", 30))
}

func TestPromptText(t *testing.T) {
	p := Prompt{System: "sys", Messages: []Message{{Role: "user", Content: "hello"}}}
	assert.Equal(t, "sys\nhello\n", p.Text())
	assert.Equal(t, 1, EstimateTokens("ab"))
}

type remoteCountingEmbedder struct{ countingEmbedder }

func (r *remoteCountingEmbedder) Local() bool { return false }

func TestRedactingEmbedderOnlyRedactsForRemote(t *testing.T) {
	ctx := context.Background()
	text := "Patient John Smith, MRN 4455667, on metformin"

	remote := &remoteCountingEmbedder{}
	_, err := NewRedactingEmbedder(remote).Embed(ctx, []string{text, "metformin dosing"})
	require.NoError(t, err)
	require.Len(t, remote.batches, 1)
	assert.NotContains(t, remote.batches[0][0], "John Smith")
	assert.NotContains(t, remote.batches[0][0], "4455667")
	assert.Contains(t, remote.batches[0][0], "metformin")
	assert.Equal(t, "metformin dosing", remote.batches[0][1])

	local := &countingEmbedder{}
	_, err = NewRedactingEmbedder(local).Embed(ctx, []string{text})
	require.NoError(t, err)
	assert.Equal(t, text, local.batches[0][0])
}
