package tutor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/tutorflow/internal/convlog"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/store"
)

// StartRequest opens a tutoring session.
type StartRequest struct {
	LearnerID   string `json:"learnerId"`
	SessionID   string `json:"sessionId"`
	LessonID    string `json:"lessonId"`
	DisplayName string `json:"displayName,omitempty"`
}

// StartSession records a session for a learner and lesson, creating the
// learner's profile on first sight. Starting a recorded session again keeps
// its original start time.
func (t *Tutor) StartSession(ctx context.Context, req StartRequest) (*domain.Session, error) {
	switch {
	case strings.TrimSpace(req.LearnerID) == "":
		return nil, &ValidationError{Field: "learnerId", Reason: "is required"}
	case strings.TrimSpace(req.SessionID) == "":
		return nil, &ValidationError{Field: "sessionId", Reason: "is required"}
	case strings.TrimSpace(req.LessonID) == "":
		return nil, &ValidationError{Field: "lessonId", Reason: "is required"}
	}

	if _, err := t.store.GetLesson(ctx, req.LessonID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ValidationError{Field: "lessonId", Reason: "unknown lesson"}
		}
		return nil, fmt.Errorf("get lesson: %w", err)
	}
	if err := t.checkSession(ctx, req.LearnerID, req.SessionID, req.LessonID); err != nil {
		return nil, err
	}
	if _, err := t.profiles.Ensure(ctx, req.LearnerID, req.DisplayName); err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	sess, err := t.recordSession(ctx, req.LearnerID, req.SessionID, req.LessonID)
	if err != nil {
		return nil, err
	}
	if err := sessionOwnedBy(sess, req.LearnerID, req.LessonID); err != nil {
		return nil, err
	}
	t.state.Touch(req.SessionID)
	return sess, nil
}

// checkSession rejects a request for a recorded session that belongs to
// another learner or lesson. An unknown session passes.
func (t *Tutor) checkSession(ctx context.Context, learnerID, sessionID, lessonID string) error {
	sess, err := t.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	return sessionOwnedBy(sess, learnerID, lessonID)
}

func sessionOwnedBy(sess *domain.Session, learnerID, lessonID string) error {
	switch {
	case sess.LearnerID != learnerID:
		return &ValidationError{Field: "sessionId", Reason: "belongs to another learner"}
	case sess.LessonID != lessonID:
		return &ValidationError{Field: "lessonId", Reason: "does not match the session's lesson"}
	}
	return nil
}

// recordSession stores a session and reads it back so the caller sees the
// persisted start time.
func (t *Tutor) recordSession(ctx context.Context, learnerID, sessionID, lessonID string) (*domain.Session, error) {
	err := t.store.StartSession(ctx, &domain.Session{
		SessionID: sessionID,
		LearnerID: learnerID,
		LessonID:  lessonID,
		StartedAt: t.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	t.logger.Info("session started", "learner_id", learnerID, "session_id", sessionID, "lesson_id", lessonID)
	t.convlog.Log(convlog.Event{
		Timestamp: t.now().UTC(),
		LearnerID: learnerID,
		SessionID: sessionID,
		Channel:   "tutor",
		Direction: convlog.DirectionInbound,
		EventType: convlog.EventSessionStarted,
		Meta:      map[string]any{"lesson_id": lessonID},
	})
	return sess, nil
}

// EndSession cancels the session's in-flight turn, discards its routing
// state, marks it ended and credits the elapsed time to the learner. Only
// the learner who owns the session may end it.
func (t *Tutor) EndSession(ctx context.Context, learnerID, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return &ValidationError{Field: "sessionId", Reason: "is required"}
	}
	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if sess.LearnerID != learnerID {
		return &ValidationError{Field: "sessionId", Reason: "belongs to another learner"}
	}
	t.Forget(sessionID)
	if sess.EndedAt != nil {
		return nil
	}
	now := t.now()
	if err := t.store.EndSession(ctx, sessionID, now); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if elapsed := now.Sub(sess.StartedAt); elapsed > 0 {
		if err := t.store.AddLearningTime(ctx, sess.LearnerID, elapsed); err != nil {
			t.logger.Warn("failed to record learning time", "learner_id", sess.LearnerID, "error", err)
		} else {
			t.profiles.Invalidate(sess.LearnerID)
		}
	}
	t.logger.Info("session ended", "learner_id", sess.LearnerID, "session_id", sessionID, "elapsed", now.Sub(sess.StartedAt))
	t.convlog.Log(convlog.Event{
		Timestamp: now.UTC(),
		LearnerID: sess.LearnerID,
		SessionID: sessionID,
		Channel:   "tutor",
		Direction: convlog.DirectionInbound,
		EventType: convlog.EventSessionEnded,
	})
	return nil
}

// Forget drops a session's routing state and cancels its in-flight turn.
// It is used for ended sessions and by the idle reaper.
func (t *Tutor) Forget(sessionID string) {
	if t.inflight.cancel(sessionID, ErrSessionEnded) {
		t.logger.Info("in-flight turn cancelled", "session_id", sessionID)
	}
	t.state.Forget(sessionID)
}
