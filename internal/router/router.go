// Package router decides which responder handles each turn.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/tutorflow/internal/cache"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/llm"
	"github.com/ashureev/tutorflow/internal/responder"
)

// ErrUnparseableRouting is logged when the coordinator's decision cannot be used.
var ErrUnparseableRouting = errors.New("router: unparseable routing decision")

// Kind is the shape of a turn's input.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
	KindStart Kind = "start"
)

// Reason explains a routing decision.
type Reason string

const (
	ReasonFastPath          Reason = "fast_path"
	ReasonSubjectDirect     Reason = "subject_direct"
	ReasonCoordinatorRoute  Reason = "coordinator_route"
	ReasonCoordinatorAnswer Reason = "coordinator_answer"
	ReasonLessonStart       Reason = "lesson_start"
	ReasonAskAgain          Reason = "ask_again"
)

// Turn is what the router sees of a learner turn.
type Turn struct {
	SessionID string
	Kind      Kind
	Text      string
	Lesson    *domain.LessonDescriptor
	Active    responder.ID
}

// Answer is a reply the coordinator produced while routing.
type Answer struct {
	SpokenText  string
	DisplayText string
}

// Decision is the outcome of routing one turn.
type Decision struct {
	Responder responder.ID
	Reason    Reason
	// Handoff is an optional line shown when the coordinator hands off.
	Handoff string
	// Answer is set when the turn is already answered and no responder
	// call is needed.
	Answer *Answer
}

// Binder resolves how to call a responder.
type Binder interface {
	Bind(ctx context.Context, id responder.ID) (cache.Binding, error)
}

type coordinatorDecision struct {
	Action      string `json:"action" jsonschema:"answer or route"`
	Target      string `json:"target" jsonschema:"specialist id when routing"`
	Handoff     string `json:"handoff" jsonschema:"optional one-line hand-off when routing"`
	SpokenText  string `json:"spokenText" jsonschema:"spoken reply when answering"`
	DisplayText string `json:"displayText" jsonschema:"on-screen reply when answering"`
}

var decisionSchema = llm.MustSchemaFor[coordinatorDecision]()

// askAgain is the coordinator's reply when it could not decide.
var askAgain = Answer{
	SpokenText:  "Sorry, I didn't quite catch what you need. Could you say that again in a different way?",
	DisplayText: "Sorry, I didn't quite catch what you need. Could you say that again in a different way?",
}

// Router applies the routing rules.
type Router struct {
	gen    llm.Generator
	binder Binder
	logger *slog.Logger
}

// New creates a Router.
func New(gen llm.Generator, binder Binder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{gen: gen, binder: binder, logger: logger}
}

// Route decides who handles t. It only fails when ctx is done; coordinator
// failures become an ask-again answer.
func (r *Router) Route(ctx context.Context, t Turn) (*Decision, error) {
	if t.Kind == KindStart {
		return &Decision{Responder: responder.Coordinator, Reason: ReasonLessonStart}, nil
	}
	if t.Active != "" && t.Active != responder.Coordinator && t.Active.Valid() {
		return &Decision{Responder: t.Active, Reason: ReasonFastPath}, nil
	}
	if strings.TrimSpace(t.Text) == "" {
		return r.subjectDirect(t), nil
	}

	d, err := r.askCoordinator(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("coordinator routing failed, asking learner again",
			"session_id", t.SessionID, "error", err)
		a := askAgain
		return &Decision{Responder: responder.Coordinator, Reason: ReasonAskAgain, Answer: &a}, nil
	}
	return d, nil
}

func (r *Router) subjectDirect(t Turn) *Decision {
	if t.Lesson != nil {
		if id, ok := responder.ForSubject(t.Lesson.Subject); ok {
			return &Decision{Responder: id, Reason: ReasonSubjectDirect}
		}
	}
	// No specialist teaches this subject; the coordinator teaches directly.
	r.logger.Info("no responder for lesson subject, coordinator will answer", "session_id", t.SessionID)
	return &Decision{Responder: responder.Coordinator, Reason: ReasonSubjectDirect}
}

func (r *Router) askCoordinator(ctx context.Context, t Turn) (*Decision, error) {
	def := responder.MustLookup(responder.Coordinator)
	b, err := r.binder.Bind(ctx, responder.Coordinator)
	if err != nil {
		return nil, err
	}

	var sys strings.Builder
	sys.WriteString(b.Instructions)
	if t.Lesson != nil {
		fmt.Fprintf(&sys, "\n\nCurrent lesson: %s (%s). Objective: %s", t.Lesson.Title, t.Lesson.Subject, t.Lesson.Objective)
	}
	sys.WriteString("\n\nTask: route the learner's message. Valid targets: ")
	for i, id := range responder.Specialists() {
		if i > 0 {
			sys.WriteString(", ")
		}
		sys.WriteString(string(id))
	}
	sys.WriteByte('.')

	text, err := r.gen.Generate(ctx, &llm.Request{
		Model:       b.Model,
		System:      sys.String(),
		CacheHandle: b.Handle,
		Messages:    []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{{Text: t.Text}}}},
		SchemaName:  "routing_decision",
		Schema:      decisionSchema,
		Effort:      def.Effort,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator call: %w", err)
	}
	return parseDecision(text)
}

func parseDecision(text string) (*Decision, error) {
	var cd coordinatorDecision
	if err := llm.DecodeJSON(text, &cd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableRouting, err)
	}
	switch strings.ToLower(strings.TrimSpace(cd.Action)) {
	case "answer":
		spoken := strings.TrimSpace(cd.SpokenText)
		if spoken == "" {
			return nil, fmt.Errorf("%w: answer without text", ErrUnparseableRouting)
		}
		display := strings.TrimSpace(cd.DisplayText)
		if display == "" {
			display = spoken
		}
		return &Decision{
			Responder: responder.Coordinator,
			Reason:    ReasonCoordinatorAnswer,
			Answer:    &Answer{SpokenText: spoken, DisplayText: display},
		}, nil
	case "route":
		id, ok := responder.Parse(cd.Target)
		if !ok || id == responder.Coordinator {
			return nil, fmt.Errorf("%w: unknown target %q", ErrUnparseableRouting, cd.Target)
		}
		return &Decision{
			Responder: id,
			Reason:    ReasonCoordinatorRoute,
			Handoff:   strings.TrimSpace(cd.Handoff),
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrUnparseableRouting, cd.Action)
}
