package llm

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type reply struct {
	SpokenText string `json:"spokenText"`
	Complete   bool   `json:"complete"`
	Diagram    string `json:"diagram,omitempty"`
}

func TestDecodeJSONRepairsAndStripsFences(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"plain":    `{"spokenText":"hi","complete":true}`,
		"fenced":   "```json\n{\"spokenText\":\"hi\",\"complete\":true}\n```",
		"trailing": `{"spokenText":"hi","complete":true,}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var r reply
			require.NoError(t, DecodeJSON(in, &r))
			assert.Equal(t, "hi", r.SpokenText)
			assert.True(t, r.Complete)
		})
	}
}

func TestDecodeJSONEmpty(t *testing.T) {
	t.Parallel()

	var r reply
	assert.ErrorIs(t, DecodeJSON("   ", &r), ErrEmptyResponse)
}

func TestGeminiConvSchema(t *testing.T) {
	t.Parallel()

	s, err := SchemaFor[reply]()
	require.NoError(t, err)

	gs := geminiConvSchema(s)
	assert.Equal(t, genai.TypeObject, gs.Type)
	assert.Equal(t, genai.TypeString, gs.Properties["spokenText"].Type)
	assert.Equal(t, genai.TypeBoolean, gs.Properties["complete"].Type)
	assert.Contains(t, gs.Required, "spokenText")
	assert.NotContains(t, gs.Required, "diagram")
}

func TestStrictSchemaRequiresEveryProperty(t *testing.T) {
	t.Parallel()

	s, err := SchemaFor[reply]()
	require.NoError(t, err)

	out := strictSchema(s.CloneSchemas())
	assert.ElementsMatch(t, []string{"complete", "diagram", "spokenText"}, out.Required)
	assert.NotNil(t, out.AdditionalProperties)
	assert.Contains(t, out.Properties["diagram"].Types, "null")
	assert.NotContains(t, s.Required, "diagram", "original schema untouched")
}

func TestThinkingBudget(t *testing.T) {
	t.Parallel()

	low, ok := thinkingBudget(EffortLow)
	require.True(t, ok)
	high, _ := thinkingBudget(EffortHigh)
	assert.Less(t, low, high)

	_, ok = thinkingBudget("")
	assert.False(t, ok)
}

type stubGenerator struct{ name string }

func (s stubGenerator) Stream(context.Context, *Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) { yield(s.name, nil) }
}

func (s stubGenerator) Generate(context.Context, *Request) (string, error) { return s.name, nil }

func TestMuxRoutesByModelName(t *testing.T) {
	t.Parallel()

	m := &Mux{Gemini: stubGenerator{"gemini"}, OpenAI: stubGenerator{"openai"}}
	ctx := context.Background()

	got, err := m.Generate(ctx, &Request{Model: "gemini-2.5-flash"})
	require.NoError(t, err)
	assert.Equal(t, "gemini", got)

	got, err = m.Generate(ctx, &Request{Model: "anthropic/claude-sonnet-4"})
	require.NoError(t, err)
	assert.Equal(t, "openai", got)

	m.OpenAI = nil
	_, err = m.Generate(ctx, &Request{Model: "gpt-4o-mini"})
	assert.True(t, errors.Is(err, ErrNoBackend))

	for _, err := range m.Stream(ctx, &Request{Model: "gpt-4o-mini"}) {
		assert.ErrorIs(t, err, ErrNoBackend)
	}
}

func TestGeminiConvRequestUsesCacheHandle(t *testing.T) {
	t.Parallel()

	g := NewGeminiGenerator(nil, nil)
	cfg, contents, err := g.convRequest(&Request{
		Model:       "gemini-2.5-flash",
		System:      "directives",
		CacheHandle: "cachedContents/abc",
		Messages:    []Message{{Role: RoleUser, Parts: []Part{{Text: "hello"}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "cachedContents/abc", cfg.CachedContent)
	assert.Nil(t, cfg.SystemInstruction)
	require.Len(t, contents, 1, "per-turn instructions merge into the user turn")
	assert.Len(t, contents[0].Parts, 2)

	cfg, _, err = g.convRequest(&Request{
		Model:       "gemini-2.5-flash",
		System:      "directives",
		CacheHandle: "cachedContents/abc",
		Grounding:   true,
		Messages:    []Message{{Role: RoleUser, Parts: []Part{{Text: "hello"}}}},
	})
	require.NoError(t, err)
	assert.Empty(t, cfg.CachedContent)
	assert.NotNil(t, cfg.SystemInstruction)
	require.Len(t, cfg.Tools, 1)
}
