// Package domain contains core domain types for the tutoring service.
package domain

import (
	"slices"
	"time"
)

// LearningStyle is a learner's declared learning preference.
type LearningStyle string

const (
	StyleUnknown        LearningStyle = ""
	StyleVisual         LearningStyle = "visual"
	StyleAuditory       LearningStyle = "auditory"
	StyleKinesthetic    LearningStyle = "kinesthetic"
	StyleReadingWriting LearningStyle = "reading_writing"
	StyleLogical        LearningStyle = "logical"
	StyleSocial         LearningStyle = "social"
	StyleSolitary       LearningStyle = "solitary"
)

// ParseLearningStyle maps free-form input to a known style, or StyleUnknown.
func ParseLearningStyle(s string) LearningStyle {
	switch LearningStyle(s) {
	case StyleVisual, StyleAuditory, StyleKinesthetic, StyleReadingWriting,
		StyleLogical, StyleSocial, StyleSolitary:
		return LearningStyle(s)
	case "reading-writing", "reading/writing":
		return StyleReadingWriting
	}
	return StyleUnknown
}

// Pace is the learner's preferred pacing.
type Pace string

const (
	PaceSlow     Pace = "slow"
	PaceModerate Pace = "moderate"
	PaceFast     Pace = "fast"
)

// TopicStanding is how a topic is recorded on a learner profile.
type TopicStanding string

const (
	StandingStrength TopicStanding = "strength"
	StandingStruggle TopicStanding = "struggle"
)

// LearnerProfile is the persisted view of a learner.
// Strengths and Struggles are disjoint and deduplicated.
type LearnerProfile struct {
	LearnerID     string        `json:"learner_id"`
	DisplayName   string        `json:"display_name"`
	LearningStyle LearningStyle `json:"learning_style,omitempty"`
	Strengths     []string      `json:"strengths"`
	Struggles     []string      `json:"struggles"`
	Pace          Pace          `json:"pace"`
	LearningTime  time.Duration `json:"learning_time"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// HasStrength reports whether topic is recorded as a strength.
func (p *LearnerProfile) HasStrength(topic string) bool {
	return slices.Contains(p.Strengths, topic)
}

// HasStruggle reports whether topic is recorded as a struggle.
func (p *LearnerProfile) HasStruggle(topic string) bool {
	return slices.Contains(p.Struggles, topic)
}

// Clone returns a deep copy so cached profiles are never mutated by callers.
func (p *LearnerProfile) Clone() *LearnerProfile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Strengths = slices.Clone(p.Strengths)
	cp.Struggles = slices.Clone(p.Struggles)
	return &cp
}
