package domain

import (
	"time"
)

// Session is one learner's sitting with one lesson.
type Session struct {
	SessionID string
	LearnerID string
	LessonID  string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Elapsed returns wall-clock time since the session started.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// HistoryEntry is one learner/responder exchange within a session.
type HistoryEntry struct {
	SessionID        string    `json:"session_id"`
	Seq              int64     `json:"seq"`
	LearnerMessage   string    `json:"learner_message"`
	ResponderMessage string    `json:"responder_message"`
	ResponderID      string    `json:"responder_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// InteractionLog is the audit record of a single orchestrated turn.
type InteractionLog struct {
	ID               string
	LearnerID        string
	SessionID        string
	LessonID         string
	ResponderID      string
	LearnerMessage   string
	ResponderMessage string
	RoutingReason    string
	Directives       string
	Tier             string
	ClaimedComplete  bool
	TopicComplete    bool
	CreatedAt        time.Time
}

// MasteryReview records a completion claim that the mastery rules vetoed.
type MasteryReview struct {
	ID         string
	LearnerID  string
	SessionID  string
	LessonID   string
	UnmetRules []string
	EvidenceN  int
	ReviewedAt time.Time
}
