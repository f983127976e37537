package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"
)

var _ Generator = (*GeminiGenerator)(nil)

// GeminiGenerator implements Generator using the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

// NewGeminiGenerator wraps a Gemini client.
func NewGeminiGenerator(client *genai.Client, logger *slog.Logger) *GeminiGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiGenerator{client: client, logger: logger}
}

// Stream yields text deltas from GenerateContentStream.
func (g *GeminiGenerator) Stream(ctx context.Context, req *Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cfg, contents, err := g.convRequest(req)
		if err != nil {
			yield("", err)
			return
		}
		for chunk, err := range g.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			text, done, err := geminiChunkText(chunk)
			if err != nil {
				yield("", err)
				return
			}
			if text != "" && !yield(text, nil) {
				return
			}
			if done {
				return
			}
		}
	}
}

// Generate performs a single GenerateContent call.
func (g *GeminiGenerator) Generate(ctx context.Context, req *Request) (string, error) {
	cfg, contents, err := g.convRequest(req)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text, _, err := geminiChunkText(resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func geminiChunkText(resp *genai.GenerateContentResponse) (string, bool, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", false, nil
	}
	c := resp.Candidates[0]
	var sb strings.Builder
	if c.Content != nil {
		for _, p := range c.Content.Parts {
			if p.Text != "" && !p.Thought {
				sb.WriteString(p.Text)
			}
		}
	}
	switch c.FinishReason {
	case genai.FinishReasonUnspecified, "":
		return sb.String(), false, nil
	case genai.FinishReasonStop, genai.FinishReasonMaxTokens:
		return sb.String(), true, nil
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return "", true, fmt.Errorf("%w: %s", ErrBlocked, c.FinishReason)
	default:
		return "", true, fmt.Errorf("gemini: unexpected finish reason: %s", c.FinishReason)
	}
}

func (g *GeminiGenerator) convRequest(req *Request) (*genai.GenerateContentConfig, []*genai.Content, error) {
	if req.Model == "" {
		return nil, nil, errors.New("gemini: model is required")
	}
	cfg := &genai.GenerateContentConfig{}

	handle := req.CacheHandle
	// Cached content cannot be combined with tools, so grounding wins.
	if handle != "" && req.Grounding {
		g.logger.Debug("dropping context cache for grounded call", "model", req.Model)
		handle = ""
	}

	var contents []*genai.Content
	if handle != "" {
		cfg.CachedContent = handle
		if req.System != "" {
			contents = append(contents, genai.NewContentFromText(req.System, genai.RoleUser))
		}
	} else if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(req.System)}}
	}

	if req.Grounding {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	} else if req.Schema != nil {
		// Controlled generation is unavailable alongside search tools; grounded
		// calls rely on the output contract in the instructions instead.
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = geminiConvSchema(req.Schema)
	}

	if budget, ok := thinkingBudget(req.Effort); ok {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}

	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == RoleModel {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		for _, p := range m.Parts {
			switch {
			case p.IsBlob():
				parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIMEType))
			case p.Text != "":
				parts = append(parts, genai.NewPartFromText(p.Text))
			}
		}
		if len(parts) == 0 {
			continue
		}
		// Consecutive messages from the same role are merged.
		if n := len(contents); n > 0 && string(contents[n-1].Role) == string(role) {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, &genai.Content{Role: string(role), Parts: parts})
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("gemini: no contents")
	}
	return cfg, contents, nil
}

func thinkingBudget(e Effort) (int32, bool) {
	switch e {
	case EffortLow:
		return 1024, true
	case EffortMedium:
		return 8192, true
	case EffortHigh:
		return 24576, true
	}
	return 0, false
}

func geminiConvSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}

	enums := make([]string, 0, len(schema.Enum))
	for _, v := range schema.Enum {
		enums = append(enums, fmt.Sprintf("%v", v))
	}

	gs := genai.Schema{
		Format:      schema.Format,
		Description: schema.Description,
		Enum:        enums,
		Items:       geminiConvSchema(schema.Items),
		Required:    schema.Required,
	}
	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = geminiConvSchema(prop)
		}
	}

	typ := schema.Type
	if typ == "" {
		for _, t := range schema.Types {
			if t == "null" {
				gs.Nullable = genai.Ptr(true)
				continue
			}
			typ = t
		}
	}
	switch typ {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return &gs
}

// GeminiCaches manages Gemini cached contents holding responder instructions.
type GeminiCaches struct {
	client *genai.Client
}

// NewGeminiCaches wraps the Caches service of a Gemini client. A nil client
// yields caches that fail every call with ErrNoBackend.
func NewGeminiCaches(client *genai.Client) *GeminiCaches {
	return &GeminiCaches{client: client}
}

// Create stores instructions as cached content and returns its name.
func (c *GeminiCaches) Create(ctx context.Context, model, displayName, instructions string, ttl time.Duration) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("%w: %s", ErrNoBackend, model)
	}
	cc, err := c.client.Caches.Create(ctx, model, &genai.CreateCachedContentConfig{
		TTL:         ttl,
		DisplayName: displayName,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(instructions)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create cached content for %s: %w", model, err)
	}
	return cc.Name, nil
}

// Extend pushes out the expiry of cached content.
func (c *GeminiCaches) Extend(ctx context.Context, handle string, ttl time.Duration) error {
	if c.client == nil {
		return fmt.Errorf("%w: %s", ErrNoBackend, handle)
	}
	if _, err := c.client.Caches.Update(ctx, handle, &genai.UpdateCachedContentConfig{TTL: ttl}); err != nil {
		return fmt.Errorf("extend cached content %s: %w", handle, err)
	}
	return nil
}

// Delete removes cached content.
func (c *GeminiCaches) Delete(ctx context.Context, handle string) error {
	if c.client == nil {
		return fmt.Errorf("%w: %s", ErrNoBackend, handle)
	}
	if _, err := c.client.Caches.Delete(ctx, handle, nil); err != nil {
		return fmt.Errorf("delete cached content %s: %w", handle, err)
	}
	return nil
}
