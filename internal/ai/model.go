// Package ai wraps the embedding and language-model capabilities behind
// small interfaces so the router never depends on a vendor SDK.
package ai

import (
	"context"
	"errors"
	"strings"
)

// ErrUnavailable marks a provider that is down, rate limited or tripped.
var ErrUnavailable = errors.New("model provider unavailable")

type Message struct {
	Role    string
	Content string
}

// Prompt is a provider-neutral chat request.
type Prompt struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Text flattens the prompt. It is what the PHI classifier inspects before a
// prompt leaves the trust boundary.
func (p Prompt) Text() string {
	var b strings.Builder
	if p.System != "" {
		b.WriteString(p.System)
		b.WriteString("\n")
	}
	for _, m := range p.Messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// EstimateTokens uses the usual four characters per token.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

type LanguageModel interface {
	Name() string
	// Local is true when the model runs inside the trust boundary.
	Local() bool
	Generate(ctx context.Context, p Prompt) (string, error)
	// Stream calls onDelta for each fragment and returns the full text.
	Stream(ctx context.Context, p Prompt, onDelta func(string)) (string, error)
}

type Embedder interface {
	Name() string
	Local() bool
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
