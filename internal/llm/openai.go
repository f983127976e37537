package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

var _ Generator = (*OpenAIGenerator)(nil)

const (
	oaiFinishReasonStop          = "stop"
	oaiFinishReasonLength        = "length"
	oaiFinishReasonContentFilter = "content_filter"
)

// OpenAIGenerator implements Generator against an OpenAI-compatible chat
// completions endpoint. It has no context caching; CacheHandle is ignored.
type OpenAIGenerator struct {
	client *openai.Client
}

// NewOpenAIGenerator creates a generator for the given endpoint.
func NewOpenAIGenerator(apiKey, baseURL string) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIGenerator{client: &client}
}

// Stream yields content deltas from a streaming chat completion.
func (g *OpenAIGenerator) Stream(ctx context.Context, req *Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params, err := g.chatCompletion(req)
		if err != nil {
			yield("", err)
			return
		}
		stream := g.client.Chat.Completions.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if s := choice.Delta.Refusal; s != "" {
				yield("", fmt.Errorf("%w: %s", ErrBlocked, s))
				return
			}
			if s := choice.Delta.Content; s != "" {
				if !yield(s, nil) {
					return
				}
			}
			switch choice.FinishReason {
			case oaiFinishReasonStop, oaiFinishReasonLength:
				return
			case oaiFinishReasonContentFilter:
				yield("", fmt.Errorf("%w: content filter", ErrBlocked))
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("openai stream: %w", err))
		}
	}
}

// Generate performs a single chat completion.
func (g *OpenAIGenerator) Generate(ctx context.Context, req *Request) (string, error) {
	params, err := g.chatCompletion(req)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("%w: %s", ErrBlocked, choice.Message.Refusal)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return choice.Message.Content, nil
}

func (g *OpenAIGenerator) chatCompletion(req *Request) (openai.ChatCompletionNewParams, error) {
	if req.Model == "" {
		return openai.ChatCompletionNewParams{}, errors.New("openai: model is required")
	}
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		msg, err := oaiConvMessage(m)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("openai: no messages")
	}

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	switch req.Effort {
	case EffortLow:
		params.ReasoningEffort = shared.ReasoningEffortLow
	case EffortMedium:
		params.ReasoningEffort = shared.ReasoningEffortMedium
	case EffortHigh:
		params.ReasoningEffort = shared.ReasoningEffortHigh
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: any(strictSchema(req.Schema.CloneSchemas())),
					Strict: param.NewOpt(true),
				},
			},
		}
	}
	if req.Grounding {
		// OpenRouter enables web search through the model suffix.
		if !strings.HasSuffix(params.Model, ":online") {
			params.Model += ":online"
		}
	}
	return params, nil
}

func oaiConvMessage(m Message) (openai.ChatCompletionMessageParamUnion, error) {
	if m.Role == RoleModel {
		var sb strings.Builder
		for _, p := range m.Parts {
			sb.WriteString(p.Text)
		}
		return openai.AssistantMessage(sb.String()), nil
	}

	var (
		parts  []openai.ChatCompletionContentPartUnionParam
		blobby bool
	)
	for _, p := range m.Parts {
		switch {
		case !p.IsBlob():
			if p.Text != "" {
				parts = append(parts, openai.TextContentPart(p.Text))
			}
		case strings.HasPrefix(p.MIMEType, "image/"):
			blobby = true
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data),
			}))
		case p.MIMEType == "audio/mpeg" || p.MIMEType == "audio/mp3":
			blobby = true
			parts = append(parts, openai.InputAudioContentPart(openai.ChatCompletionContentPartInputAudioInputAudioParam{
				Data:   base64.StdEncoding.EncodeToString(p.Data),
				Format: "mp3",
			}))
		case p.MIMEType == "audio/wav":
			blobby = true
			parts = append(parts, openai.InputAudioContentPart(openai.ChatCompletionContentPartInputAudioInputAudioParam{
				Data:   base64.StdEncoding.EncodeToString(p.Data),
				Format: "wav",
			}))
		default:
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unsupported media type %q", p.MIMEType)
		}
	}
	if len(parts) == 0 {
		return openai.ChatCompletionMessageParamUnion{}, errors.New("openai: user message must contain text or media")
	}
	if !blobby {
		var sb strings.Builder
		for _, p := range m.Parts {
			sb.WriteString(p.Text)
		}
		return openai.UserMessage(sb.String()), nil
	}
	return openai.UserMessage(parts), nil
}

// strictSchema adapts a schema to strict structured outputs: every object
// forbids additional properties and lists all of its properties as required.
func strictSchema(m *jsonschema.Schema) *jsonschema.Schema {
	if m == nil {
		return nil
	}
	switch m.Type {
	case "array":
		m.Items = strictSchema(m.Items)
	case "object":
		m.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
		requires := make(map[string]struct{}, len(m.Properties))
		for _, v := range m.Required {
			requires[v] = struct{}{}
		}
		for k, v := range m.Properties {
			if _, ok := requires[k]; !ok {
				requires[k] = struct{}{}
				if v.Type != "" {
					v.Types = []string{v.Type, "null"}
					v.Type = ""
				}
			}
			m.Properties[k] = strictSchema(v)
		}
		m.Required = slices.Sorted(maps.Keys(requires))
	}
	return m
}
