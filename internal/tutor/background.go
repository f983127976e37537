package tutor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/tutorflow/internal/convlog"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/evidence"
	"github.com/ashureev/tutorflow/internal/shared"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

func (t *Tutor) logLearner(rec *turnRecord) {
	if rec.req.Type == TurnStart {
		return
	}
	t.convlog.Log(convlog.Event{
		Timestamp:  t.now().UTC(),
		LearnerID:  rec.req.LearnerID,
		SessionID:  rec.req.SessionID,
		Channel:    "tutor",
		Direction:  convlog.DirectionInbound,
		EventType:  convlog.EventLearnerMessage,
		ContentRaw: rec.learnerMessage,
		Meta: map[string]any{
			"turn_id":   rec.turnID,
			"turn_type": rec.req.Type,
			"mime_type": rec.req.MIMEType,
		},
	})
}

// afterTurn hands the turn's side effects to the background runner. None of
// them can fail the turn.
func (t *Tutor) afterTurn(rec *turnRecord) {
	resp := rec.resp
	req := rec.req
	attrs := []any{"learner_id", req.LearnerID, "session_id", req.SessionID, "turn_id", rec.turnID}

	t.convlog.Log(convlog.Event{
		Timestamp:  t.now().UTC(),
		LearnerID:  req.LearnerID,
		SessionID:  req.SessionID,
		Channel:    "tutor",
		Direction:  convlog.DirectionOutbound,
		EventType:  convlog.EventResponderReply,
		ContentRaw: resp.DisplayText,
		Meta: map[string]any{
			"turn_id":        rec.turnID,
			"responder":      resp.ResponderID,
			"routing_reason": resp.RoutingReason,
			"tier":           resp.Tier,
			"topic_complete": resp.TopicComplete,
		},
	})

	t.tasks.Submit("persist_turn", func(ctx context.Context) error {
		return t.persistTurn(ctx, rec)
	}, attrs...)

	if rec.review != nil && !rec.review.Approved {
		t.tasks.Submit("record_mastery_review", func(ctx context.Context) error {
			return t.recordReview(ctx, rec)
		}, attrs...)
	}

	if rec.teaching && rec.learnerMessage != "" {
		t.tasks.Submit("extract_evidence", func(ctx context.Context) error {
			return t.learnFromTurn(ctx, rec)
		}, attrs...)
	}
}

func (t *Tutor) persistTurn(ctx context.Context, rec *turnRecord) error {
	req, resp := rec.req, rec.resp
	now := t.now()
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		return t.store.AppendHistory(ctx, &domain.HistoryEntry{
			SessionID:        req.SessionID,
			LearnerMessage:   rec.learnerMessage,
			ResponderMessage: resp.SpokenText,
			ResponderID:      string(resp.ResponderID),
			CreatedAt:        now,
		})
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	err = shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		return t.store.AppendInteraction(ctx, &domain.InteractionLog{
			ID:               rec.turnID,
			LearnerID:        req.LearnerID,
			SessionID:        req.SessionID,
			LessonID:         req.LessonID,
			ResponderID:      string(resp.ResponderID),
			LearnerMessage:   rec.learnerMessage,
			ResponderMessage: resp.DisplayText,
			RoutingReason:    string(resp.RoutingReason),
			Directives:       rec.directives,
			Tier:             resp.Tier,
			ClaimedComplete:  rec.claimed,
			TopicComplete:    resp.TopicComplete,
			CreatedAt:        now,
		})
	})
	if err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

func (t *Tutor) recordReview(ctx context.Context, rec *turnRecord) error {
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		return t.store.AppendMasteryReview(ctx, &domain.MasteryReview{
			ID:         uuid.NewString(),
			LearnerID:  rec.req.LearnerID,
			SessionID:  rec.req.SessionID,
			LessonID:   rec.req.LessonID,
			UnmetRules: rec.review.Unmet,
			EvidenceN:  rec.review.Stats.Total,
			ReviewedAt: t.now(),
		})
	})
	if err != nil {
		return fmt.Errorf("append mastery review: %w", err)
	}
	return nil
}

// learnFromTurn classifies the exchange and, once any evidence is stored,
// looks for new strengths and struggles.
func (t *Tutor) learnFromTurn(ctx context.Context, rec *turnRecord) error {
	if _, err := t.evidence.Extract(ctx, evidence.Exchange{
		LearnerID:        rec.req.LearnerID,
		LessonID:         rec.req.LessonID,
		SessionID:        rec.req.SessionID,
		Topic:            topicLabel(rec.lesson),
		LearnerMessage:   rec.learnerMessage,
		ResponderMessage: rec.resp.SpokenText,
	}); err != nil {
		return fmt.Errorf("extract evidence: %w", err)
	}
	if _, err := t.enricher.Enrich(ctx, rec.req.LearnerID, rec.req.SessionID); err != nil {
		return fmt.Errorf("enrich profile: %w", err)
	}
	return nil
}

// topicLabel names the topic evidence is filed under.
func topicLabel(l *domain.LessonDescriptor) string {
	if l == nil {
		return ""
	}
	if title := strings.TrimSpace(l.Title); title != "" {
		return strings.ToLower(title)
	}
	return strings.ToLower(strings.TrimSpace(l.Subject))
}
