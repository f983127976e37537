// Package mastery decides whether a learner has mastered a lesson from the
// evidence recorded for it, independently of any model's own claim.
package mastery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashureev/tutorflow/internal/config"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/store"
)

// EvidenceSource lists recorded evidence.
type EvidenceSource interface {
	ListEvidence(ctx context.Context, f store.EvidenceFilter) ([]domain.EvidenceRecord, error)
}

// Stats are the evidence tallies the criteria are checked against.
type Stats struct {
	Correct         int
	Incorrect       int
	Explanations    int
	Applications    int
	SelfCorrections int
	Total           int
	Elapsed         time.Duration
}

// Result is the outcome of one evaluation.
type Result struct {
	Approved    bool
	CriteriaMet map[string]bool
	Unmet       []string
	Stats       Stats
}

// Assess applies rules to a set of records. Only criteria named in
// rules.Required decide approval; the others are reported for audit.
func Assess(records []domain.EvidenceRecord, elapsed time.Duration, rules config.MasteryRules) *Result {
	st := Stats{Total: len(records), Elapsed: elapsed}
	for _, r := range records {
		switch r.Kind {
		case domain.EvidenceCorrectAnswer:
			st.Correct++
		case domain.EvidenceIncorrectAnswer:
			st.Incorrect++
		case domain.EvidenceExplanation:
			if r.Quality >= rules.ExplanationQuality {
				st.Explanations++
			}
		case domain.EvidenceApplication:
			st.Applications++
		}
		if r.SelfCorrected {
			st.SelfCorrections++
		}
	}

	answered := st.Correct + st.Incorrect
	met := map[string]bool{
		config.CriterionCorrectRatio:   answered > 0 && float64(st.Correct)/float64(answered) >= rules.CorrectRatio,
		config.CriterionExplanations:   st.Explanations >= rules.MinExplanations,
		config.CriterionApplication:    st.Applications >= rules.MinApplications,
		config.CriterionSelfCorrection: st.SelfCorrections >= rules.MinSelfCorrections,
		config.CriterionElapsedTime:    elapsed >= rules.MinElapsed,
		config.CriterionEvidenceCount:  st.Total >= rules.MinEvidence,
	}

	res := &Result{Approved: true, CriteriaMet: met, Stats: st}
	for _, name := range rules.Required {
		if !met[name] {
			res.Approved = false
			res.Unmet = append(res.Unmet, name)
		}
	}
	return res
}

// Score summarizes records as a 0-100 mastery estimate. Answers, explanations
// and applications count at their quality; incorrect answers and struggles
// count at half. ok is false when there is nothing to score.
func Score(records []domain.EvidenceRecord) (score float64, ok bool) {
	if len(records) == 0 {
		return 0, false
	}
	var sum float64
	for _, r := range records {
		q := float64(max(0, min(100, r.Quality)))
		switch r.Kind {
		case domain.EvidenceIncorrectAnswer, domain.EvidenceStruggle:
			sum += q / 2
		default:
			sum += q
		}
	}
	return math.Round(sum / float64(len(records))), true
}

// Engine evaluates completion claims against stored evidence.
type Engine struct {
	evidence EvidenceSource
	policy   *config.Policy
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates an Engine. timeout bounds every store query.
func NewEngine(evidence EvidenceSource, policy *config.Policy, timeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Engine{
		evidence: evidence,
		policy:   policy,
		timeout:  timeout,
		now:      time.Now,
		logger:   logger,
	}
}

// Subject identifies what is being evaluated.
type Subject struct {
	LearnerID    string
	SessionID    string
	Lesson       *domain.LessonDescriptor
	SessionStart time.Time
}

// Evaluate checks the rules for the lesson's subject and grade against the
// evidence recorded in the session.
func (e *Engine) Evaluate(ctx context.Context, s Subject) (*Result, error) {
	if s.Lesson == nil {
		return nil, fmt.Errorf("evaluate mastery: lesson is required")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	records, err := e.evidence.ListEvidence(ctx, store.EvidenceFilter{
		LearnerID: s.LearnerID,
		LessonID:  s.Lesson.LessonID,
		SessionID: s.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate mastery: %w", err)
	}
	var elapsed time.Duration
	if !s.SessionStart.IsZero() {
		elapsed = e.now().Sub(s.SessionStart)
	}
	return Assess(records, elapsed, e.policy.RulesFor(s.Lesson.Subject, s.Lesson.Grade)), nil
}

// Gate turns a model's completion claim into a decision. A claim of false is
// returned unchanged without touching the store. When evaluation fails the
// claim is trusted and result is nil.
func (e *Engine) Gate(ctx context.Context, s Subject, claimed bool) (complete bool, result *Result) {
	if !claimed {
		return false, nil
	}
	res, err := e.Evaluate(ctx, s)
	if err != nil {
		e.logger.Warn("mastery evaluation failed, trusting model claim",
			"learner_id", s.LearnerID, "session_id", s.SessionID, "error", err)
		return true, nil
	}
	if !res.Approved {
		e.logger.Info("completion claim vetoed",
			"learner_id", s.LearnerID,
			"session_id", s.SessionID,
			"unmet", res.Unmet,
			"evidence", res.Stats.Total,
		)
	}
	return res.Approved, res
}

// CurrentScore returns the learner's mastery estimate for a lesson, or the
// configured default when no evidence exists yet.
func (e *Engine) CurrentScore(ctx context.Context, learnerID, lessonID string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	records, err := e.evidence.ListEvidence(ctx, store.EvidenceFilter{
		LearnerID: learnerID,
		LessonID:  lessonID,
	})
	if err != nil {
		return 0, fmt.Errorf("mastery score: %w", err)
	}
	if score, ok := Score(records); ok {
		return score, nil
	}
	return e.policy.Directive.DefaultMasteryScore, nil
}
