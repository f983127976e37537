// Package llm adapts generative model backends to the structured, streamed
// calls the tutoring pipeline makes.
package llm

import (
	"context"
	"errors"
	"iter"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrNoBackend is returned when no generator serves the requested model.
	ErrNoBackend = errors.New("llm: no backend for model")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrBlocked is returned when the backend refused to answer.
	ErrBlocked = errors.New("llm: response blocked")
)

// Effort is a reasoning-effort hint.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one piece of message content: text or an inline blob.
type Part struct {
	Text     string
	MIMEType string
	Data     []byte
}

// IsBlob reports whether the part carries binary data.
func (p Part) IsBlob() bool { return len(p.Data) > 0 }

// Message is one turn of conversation sent to a model.
type Message struct {
	Role  Role
	Parts []Part
}

// Request describes a single structured model call.
type Request struct {
	Model string

	// System holds per-call instructions. When CacheHandle is set the fixed
	// responder instructions live in the cache and System carries only the
	// per-turn additions.
	System      string
	CacheHandle string

	Messages []Message

	// SchemaName and Schema request JSON output matching the schema.
	SchemaName string
	Schema     *jsonschema.Schema

	Effort    Effort
	Grounding bool
}

// Generator produces model output for a request.
type Generator interface {
	// Stream yields text deltas as the model produces them.
	Stream(ctx context.Context, req *Request) iter.Seq2[string, error]
	// Generate returns the whole response in one call.
	Generate(ctx context.Context, req *Request) (string, error)
}
