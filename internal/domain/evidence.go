package domain

import (
	"time"
)

// EvidenceKind classifies what a turn shows about learning progress.
type EvidenceKind string

const (
	EvidenceCorrectAnswer   EvidenceKind = "correct_answer"
	EvidenceIncorrectAnswer EvidenceKind = "incorrect_answer"
	EvidenceExplanation     EvidenceKind = "explanation"
	EvidenceApplication     EvidenceKind = "application"
	EvidenceStruggle        EvidenceKind = "struggle"
)

// Valid reports whether k is one of the known kinds.
func (k EvidenceKind) Valid() bool {
	switch k {
	case EvidenceCorrectAnswer, EvidenceIncorrectAnswer, EvidenceExplanation,
		EvidenceApplication, EvidenceStruggle:
		return true
	}
	return false
}

// EvidenceRecord is an append-only mastery signal. It is persisted only when
// its confidence clears the configured threshold.
type EvidenceRecord struct {
	ID            string       `json:"id"`
	LearnerID     string       `json:"learner_id"`
	LessonID      string       `json:"lesson_id"`
	SessionID     string       `json:"session_id"`
	Topic         string       `json:"topic"`
	Kind          EvidenceKind `json:"kind"`
	Quality       int          `json:"quality"`
	Confidence    float64      `json:"confidence"`
	SelfCorrected bool         `json:"self_corrected"`
	Snippet       string       `json:"snippet"`
	CreatedAt     time.Time    `json:"created_at"`
}
