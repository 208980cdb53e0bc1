package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error any `json:"error,omitempty"`
}

// LocalModel is a chat model served inside the trust boundary. It is the
// only capability allowed to see PHI.
type LocalModel struct {
	client  *compatClient
	model   string
	timeout time.Duration
}

func NewLocalModel(baseURL, model string, timeout time.Duration, httpClient *http.Client) *LocalModel {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &LocalModel{client: newCompatClient(baseURL, "", httpClient), model: model, timeout: timeout}
}

func (m *LocalModel) Name() string { return "local:" + m.model }
func (m *LocalModel) Local() bool  { return true }

func (m *LocalModel) request(p Prompt, stream bool) chatRequest {
	req := chatRequest{Model: m.model, Temperature: p.Temperature, MaxTokens: p.MaxTokens, Stream: stream}
	if p.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: p.System})
	}
	for _, msg := range p.Messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		req.Messages = append(req.Messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}
	return req
}

func (m *LocalModel) Generate(ctx context.Context, p Prompt) (string, error) {
	ctx, span := otel.Tracer("local-model").Start(ctx, "local.generate")
	defer span.End()
	span.SetAttributes(attribute.String("model.name", m.model))

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var resp chatResponse
	if err := m.client.doJSON(ctx, "/v1/chat/completions", m.request(p, false), &resp); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for _, c := range resp.Choices {
		if strings.TrimSpace(c.Message.Content) != "" {
			return c.Message.Content, nil
		}
	}
	return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
}

func (m *LocalModel) Stream(ctx context.Context, p Prompt, onDelta func(string)) (string, error) {
	ctx, span := otel.Tracer("local-model").Start(ctx, "local.stream")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.request(ctx, "/v1/chat/completions", m.request(p, true), "text/event-stream")
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var full strings.Builder
	err = streamSSE(resp.Body, func(data string) error {
		if data == "[DONE]" {
			return nil
		}
		var chunk chatStreamChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			return nil
		}
		if chunk.Error != nil {
			return fmt.Errorf("upstream stream error: %v", chunk.Error)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			full.WriteString(c.Delta.Content)
			if onDelta != nil {
				onDelta(c.Delta.Content)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return full.String(), err
		}
		return full.String(), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if full.Len() == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return full.String(), nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// LocalEmbedder calls /v1/embeddings on the local model server.
type LocalEmbedder struct {
	client    *compatClient
	model     string
	dimension int
}

func NewLocalEmbedder(baseURL, model string, dimension int, httpClient *http.Client) *LocalEmbedder {
	return &LocalEmbedder{client: newCompatClient(baseURL, "", httpClient), model: model, dimension: dimension}
}

func (e *LocalEmbedder) Name() string   { return "local:" + e.model }
func (e *LocalEmbedder) Local() bool    { return true }
func (e *LocalEmbedder) Dimension() int { return e.dimension }

func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	var resp embeddingsResponse
	if err := e.client.doJSON(ctx, "/v1/embeddings", embeddingsRequest{Model: e.model, Input: texts}, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		if idx >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[idx] = vec
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("embedding missing for input %d", i)
		}
	}
	return out, nil
}
