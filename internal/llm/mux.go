package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

var _ Generator = (*Mux)(nil)

// Mux dispatches requests by model name: models prefixed "gemini" go to the
// Gemini generator, everything else to the OpenAI-compatible one.
type Mux struct {
	Gemini Generator
	OpenAI Generator
}

// For returns the generator that serves model.
func (m *Mux) For(model string) (Generator, error) {
	var g Generator
	if IsGeminiModel(model) {
		g = m.Gemini
	} else {
		g = m.OpenAI
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, model)
	}
	return g, nil
}

// Stream implements Generator.
func (m *Mux) Stream(ctx context.Context, req *Request) iter.Seq2[string, error] {
	g, err := m.For(req.Model)
	if err != nil {
		return func(yield func(string, error) bool) { yield("", err) }
	}
	return g.Stream(ctx, req)
}

// Generate implements Generator.
func (m *Mux) Generate(ctx context.Context, req *Request) (string, error) {
	g, err := m.For(req.Model)
	if err != nil {
		return "", err
	}
	return g.Generate(ctx, req)
}

// IsGeminiModel reports whether model is served by the Gemini API.
func IsGeminiModel(model string) bool {
	return strings.HasPrefix(strings.TrimPrefix(model, "models/"), "gemini")
}
