// Package evidence classifies what each turn shows about a learner's progress
// and records the confident classifications.
package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/llm"
	"github.com/ashureev/tutorflow/internal/shared"
)

// Classification is the classifier's verdict on one exchange.
type Classification struct {
	Kind          domain.EvidenceKind `json:"kind" jsonschema:"one of correct_answer, incorrect_answer, explanation, application, struggle"`
	Quality       int                 `json:"quality" jsonschema:"quality of the learner's contribution from 0 to 100"`
	Confidence    float64             `json:"confidence" jsonschema:"confidence in this classification from 0 to 1"`
	SelfCorrected bool                `json:"selfCorrected" jsonschema:"true when the learner caught and fixed their own mistake"`
}

var classificationSchema = llm.MustSchemaFor[Classification]()

// neutral is what a failed classification degrades to. Its zero confidence
// keeps it below any threshold.
var neutral = Classification{Quality: 50}

const classifierInstructions = `You assess tutoring exchanges for evidence of learning.
Given the learner's message, the tutor's reply and the topic, classify what the
learner's message shows:
- correct_answer: the learner answered a question correctly.
- incorrect_answer: the learner answered a question incorrectly.
- explanation: the learner explained a concept or their reasoning in their own words.
- application: the learner applied the idea to a new situation or problem.
- struggle: the learner expressed confusion, gave up, or asked for the answer.
Score the quality of the learner's contribution from 0 to 100 and give your
confidence from 0 to 1. Use a low confidence when the exchange carries no real
evidence, such as greetings or logistics.
Respond with JSON only.`

// Appender persists evidence records.
type Appender interface {
	AppendEvidence(ctx context.Context, rec *domain.EvidenceRecord) error
}

// Exchange is the turn being classified.
type Exchange struct {
	LearnerID        string
	LessonID         string
	SessionID        string
	Topic            string
	LearnerMessage   string
	ResponderMessage string
}

// Extractor classifies exchanges and persists confident evidence.
type Extractor struct {
	gen       llm.Generator
	model     string
	sink      Appender
	threshold float64
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewExtractor creates an Extractor. Records are persisted only when their
// confidence is strictly above threshold.
func NewExtractor(gen llm.Generator, model string, sink Appender, threshold float64, timeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Extractor{
		gen:       gen,
		model:     model,
		sink:      sink,
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Classify asks the classifier model about one exchange. It never fails:
// errors and malformed verdicts degrade to a zero-confidence classification.
func (e *Extractor) Classify(ctx context.Context, ex Exchange) Classification {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	prompt := fmt.Sprintf("Topic: %s\n\nLearner: %s\n\nTutor: %s", ex.Topic, ex.LearnerMessage, ex.ResponderMessage)
	text, err := e.gen.Generate(ctx, &llm.Request{
		Model:      e.model,
		System:     classifierInstructions,
		Messages:   []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{{Text: prompt}}}},
		SchemaName: "evidence_classification",
		Schema:     classificationSchema,
		Effort:     llm.EffortLow,
	})
	if err != nil {
		e.logger.Warn("evidence classification failed", "session_id", ex.SessionID, "error", err)
		return neutral
	}
	var c Classification
	if err := llm.DecodeJSON(text, &c); err != nil {
		e.logger.Warn("evidence classification unreadable", "session_id", ex.SessionID, "error", err)
		return neutral
	}
	c.Kind = domain.EvidenceKind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
	if !c.Kind.Valid() {
		e.logger.Warn("evidence classification has unknown kind", "session_id", ex.SessionID, "kind", c.Kind)
		return neutral
	}
	c.Quality = max(0, min(100, c.Quality))
	c.Confidence = max(0, min(1, c.Confidence))
	return c
}

// Extract classifies an exchange and persists it when confident. It returns
// the persisted record, or nil when the classification was discarded.
func (e *Extractor) Extract(ctx context.Context, ex Exchange) (*domain.EvidenceRecord, error) {
	c := e.Classify(ctx, ex)
	if c.Confidence <= e.threshold {
		e.logger.Debug("evidence discarded", "session_id", ex.SessionID, "kind", c.Kind, "confidence", c.Confidence)
		return nil, nil
	}

	rec := &domain.EvidenceRecord{
		ID:            uuid.NewString(),
		LearnerID:     ex.LearnerID,
		LessonID:      ex.LessonID,
		SessionID:     ex.SessionID,
		Topic:         ex.Topic,
		Kind:          c.Kind,
		Quality:       c.Quality,
		Confidence:    c.Confidence,
		SelfCorrected: c.SelfCorrected,
		Snippet:       snippet(ex.LearnerMessage, 280),
		CreatedAt:     e.now().UTC(),
	}
	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		return e.sink.AppendEvidence(ctx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("append evidence: %w", err)
	}
	e.logger.Info("evidence recorded",
		"learner_id", ex.LearnerID,
		"session_id", ex.SessionID,
		"kind", rec.Kind,
		"quality", rec.Quality,
		"confidence", rec.Confidence,
	)
	return rec, nil
}

func snippet(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "…"
}
