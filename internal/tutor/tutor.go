// Package tutor orchestrates one learner turn: it assembles context, routes
// the turn, runs the chosen responder, gates completion claims and hands
// persistence and learning analytics to background tasks.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/tutorflow/internal/assembly"
	"github.com/ashureev/tutorflow/internal/convlog"
	"github.com/ashureev/tutorflow/internal/directive"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/enrichment"
	"github.com/ashureev/tutorflow/internal/evidence"
	"github.com/ashureev/tutorflow/internal/learner"
	"github.com/ashureev/tutorflow/internal/llm"
	"github.com/ashureev/tutorflow/internal/mastery"
	"github.com/ashureev/tutorflow/internal/pipeline"
	"github.com/ashureev/tutorflow/internal/responder"
	"github.com/ashureev/tutorflow/internal/router"
	"github.com/ashureev/tutorflow/internal/speech"
	"github.com/ashureev/tutorflow/internal/tasks"
)

// Store is the persistence the tutor reads and writes directly.
type Store interface {
	GetLesson(ctx context.Context, lessonID string) (*domain.LessonDescriptor, error)
	StartSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	AddLearningTime(ctx context.Context, learnerID string, d time.Duration) error
	AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error
	AppendInteraction(ctx context.Context, log *domain.InteractionLog) error
	AppendMasteryReview(ctx context.Context, review *domain.MasteryReview) error
}

// Deps are the collaborators of a Tutor. ConvLog and Logger are optional.
type Deps struct {
	Store      Store
	Profiles   *learner.Service
	Assembler  *assembly.Assembler
	Directives *directive.Generator
	Router     *router.Router
	State      *router.State
	Pipeline   *pipeline.Pipeline
	Speech     speech.Synthesizer
	Mastery    *mastery.Engine
	Evidence   *evidence.Extractor
	Enricher   *enrichment.Enricher
	Tasks      *tasks.Runner
	ConvLog    convlog.Logger
	Logger     *slog.Logger

	// TurnTimeout bounds the user-facing part of a turn. Zero means no bound.
	TurnTimeout time.Duration
}

// Tutor answers learner turns. It is safe for concurrent use.
type Tutor struct {
	store      Store
	profiles   *learner.Service
	assembler  *assembly.Assembler
	directives *directive.Generator
	router     *router.Router
	state      *router.State
	pipeline   *pipeline.Pipeline
	speech     speech.Synthesizer
	mastery    *mastery.Engine
	evidence   *evidence.Extractor
	enricher   *enrichment.Enricher
	tasks      *tasks.Runner
	convlog    convlog.Logger
	logger     *slog.Logger

	turnTimeout time.Duration
	inflight    *inflight
	now         func() time.Time
}

// New creates a Tutor.
func New(d Deps) (*Tutor, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("tutor: store is required")
	case d.Profiles == nil, d.Assembler == nil, d.Directives == nil:
		return nil, errors.New("tutor: profile, assembly and directive components are required")
	case d.Router == nil, d.State == nil, d.Pipeline == nil, d.Speech == nil:
		return nil, errors.New("tutor: routing and response components are required")
	case d.Mastery == nil, d.Evidence == nil, d.Enricher == nil, d.Tasks == nil:
		return nil, errors.New("tutor: mastery, evidence, enrichment and task components are required")
	}
	if d.ConvLog == nil {
		d.ConvLog = convlog.Noop()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Tutor{
		store:       d.Store,
		profiles:    d.Profiles,
		assembler:   d.Assembler,
		directives:  d.Directives,
		router:      d.Router,
		state:       d.State,
		pipeline:    d.Pipeline,
		speech:      d.Speech,
		mastery:     d.Mastery,
		evidence:    d.Evidence,
		enricher:    d.Enricher,
		tasks:       d.Tasks,
		convlog:     d.ConvLog,
		logger:      d.Logger,
		turnTimeout: d.TurnTimeout,
		inflight:    newInflight(),
		now:         time.Now,
	}, nil
}

// turnRecord is what background tasks need to know about a finished turn.
type turnRecord struct {
	req            TurnRequest
	turnID         string
	lesson         *domain.LessonDescriptor
	learnerMessage string
	directives     string
	claimed        bool
	review         *mastery.Result
	// teaching is false for turns the coordinator answered while routing;
	// they carry no learning evidence.
	teaching bool
	resp     *TurnResponse
}

// HandleTurn answers one learner turn. A newer turn for the same session
// cancels this one, which then returns ErrSuperseded.
func (t *Tutor) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if err := Validate(&req); err != nil {
		return nil, err
	}
	// Checked before begin so a foreign turn cannot cancel the owner's.
	if err := t.checkSession(ctx, req.LearnerID, req.SessionID, req.LessonID); err != nil {
		return nil, err
	}

	ctx, done := t.inflight.begin(ctx, req.SessionID)
	defer done()
	if t.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.turnTimeout)
		defer cancel()
	}

	start := t.now()
	rec, err := t.answer(ctx, &req)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrSuperseded) || errors.Is(cause, ErrSessionEnded) {
			t.logger.Info("turn abandoned", "session_id", req.SessionID, "reason", cause)
			return nil, cause
		}
		t.logger.Error("turn failed",
			"learner_id", req.LearnerID,
			"session_id", req.SessionID,
			"error", err,
		)
		return nil, err
	}

	t.logger.Info("turn answered",
		"learner_id", req.LearnerID,
		"session_id", req.SessionID,
		"turn_id", rec.turnID,
		"responder", rec.resp.ResponderID,
		"reason", rec.resp.RoutingReason,
		"tier", rec.resp.Tier,
		"topic_complete", rec.resp.TopicComplete,
		"duration_ms", t.now().Sub(start).Milliseconds(),
	)
	t.afterTurn(rec)
	return rec.resp, nil
}

func (t *Tutor) answer(ctx context.Context, req *TurnRequest) (*turnRecord, error) {
	t.state.Touch(req.SessionID)

	asm, err := t.assembler.Assemble(ctx, req.LearnerID, req.SessionID, req.LessonID)
	if err != nil {
		return nil, fmt.Errorf("assemble turn: %w", err)
	}
	session := asm.Session
	if session == nil {
		if session, err = t.recordSession(ctx, req.LearnerID, req.SessionID, req.LessonID); err != nil {
			return nil, err
		}
	}
	// A concurrent first turn may have recorded the session for someone else.
	if err := sessionOwnedBy(session, req.LearnerID, req.LessonID); err != nil {
		return nil, err
	}
	active := asm.ActiveResponder
	if req.Type == TurnStart {
		t.state.Clear(req.SessionID)
		active = ""
	}

	set := t.directives.Generate(asm.Profile, asm.History, asm.MasteryScore)
	rec := &turnRecord{
		req:            *req,
		turnID:         uuid.NewString(),
		lesson:         asm.Lesson,
		learnerMessage: learnerMessage(req),
		directives:     set.Summary(),
	}
	t.logLearner(rec)

	decision, err := t.router.Route(ctx, router.Turn{
		SessionID: req.SessionID,
		Kind:      routeKind(req.Type),
		Text:      req.Text,
		Lesson:    asm.Lesson,
		Active:    active,
	})
	if err != nil {
		return nil, fmt.Errorf("route turn: %w", err)
	}

	if decision.Answer != nil {
		rec.resp = t.speakAnswer(ctx, decision)
		rec.resp.TurnID = rec.turnID
		return rec, nil
	}

	res, err := t.pipeline.Run(ctx, &pipeline.Job{
		Responder:    decision.Responder,
		Lesson:       asm.Lesson,
		LearnerName:  asm.Profile.DisplayName,
		Directives:   directive.Format(set),
		History:      asm.History,
		Input:        inputParts(req),
		LessonStart:  req.Type == TurnStart,
		OnFirstAudio: req.OnFirstAudio,
	})
	if err != nil {
		return nil, fmt.Errorf("run responder %s: %w", decision.Responder, err)
	}

	if res.Responder != responder.Coordinator {
		t.state.SetActive(req.SessionID, res.Responder)
	}

	complete, review := t.mastery.Gate(ctx, mastery.Subject{
		LearnerID:    req.LearnerID,
		SessionID:    req.SessionID,
		Lesson:       asm.Lesson,
		SessionStart: session.StartedAt,
	}, res.TopicComplete)
	if complete {
		// The objective is met; the next turn is routed afresh.
		t.state.Clear(req.SessionID)
	}

	rec.claimed = res.TopicComplete
	rec.review = review
	rec.teaching = req.Type != TurnStart
	rec.resp = &TurnResponse{
		TurnID:        rec.turnID,
		SpokenText:    res.SpokenText,
		DisplayText:   res.DisplayText,
		Diagram:       optional(res.Diagram),
		Audio:         res.Audio,
		ResponderID:   res.Responder,
		Handoff:       optional(decision.Handoff),
		TopicComplete: complete,
		RoutingReason: decision.Reason,
		Tier:          string(res.Tier),
	}
	return rec, nil
}

// speakAnswer voices a reply the coordinator produced while routing. A
// synthesis failure leaves the reply without audio.
func (t *Tutor) speakAnswer(ctx context.Context, d *router.Decision) *TurnResponse {
	def := responder.MustLookup(responder.Coordinator)
	audio, err := speech.SynthesizeChunked(ctx, t.speech, d.Answer.SpokenText, def.Voice)
	if err != nil {
		t.logger.Warn("speech synthesis failed, replying without audio", "responder", def.ID, "error", err)
		audio = nil
	}
	return &TurnResponse{
		SpokenText:    d.Answer.SpokenText,
		DisplayText:   d.Answer.DisplayText,
		Audio:         audio,
		ResponderID:   responder.Coordinator,
		RoutingReason: d.Reason,
	}
}

func routeKind(t TurnType) router.Kind {
	switch t {
	case TurnStart:
		return router.KindStart
	case TurnMedia:
		return router.KindMedia
	}
	return router.KindText
}

func inputParts(req *TurnRequest) []llm.Part {
	switch req.Type {
	case TurnMedia:
		return []llm.Part{{MIMEType: req.MIMEType, Data: req.Media}}
	case TurnStart:
		return nil
	}
	return []llm.Part{{Text: req.Text}}
}

// learnerMessage is the history form of the learner's input.
func learnerMessage(req *TurnRequest) string {
	switch req.Type {
	case TurnMedia:
		return fmt.Sprintf("[%s message]", req.MediaKind)
	case TurnStart:
		return ""
	}
	return req.Text
}
