package tutor

import (
	"errors"
	"fmt"

	"github.com/ashureev/tutorflow/internal/responder"
	"github.com/ashureev/tutorflow/internal/router"
)

var (
	// ErrInvalidInput is matched by every *ValidationError.
	ErrInvalidInput = errors.New("tutor: invalid input")
	// ErrSuperseded is returned to a turn replaced by a newer turn for the
	// same session.
	ErrSuperseded = errors.New("tutor: turn superseded by a newer turn")
	// ErrSessionEnded is returned to a turn whose session was ended or
	// reaped while it was in flight.
	ErrSessionEnded = errors.New("tutor: session ended")
)

// ValidationError rejects a turn before any upstream call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// TurnType is the kind of learner input.
type TurnType string

const (
	TurnText  TurnType = "text"
	TurnMedia TurnType = "media"
	// TurnStart asks for the lesson-opening greeting.
	TurnStart TurnType = "start"
)

// MediaKind classifies a media payload.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// TurnRequest is one learner turn. Exactly one of Text or Media is set
// unless Type is TurnStart.
type TurnRequest struct {
	LearnerID string    `json:"learnerId"`
	SessionID string    `json:"sessionId"`
	LessonID  string    `json:"lessonId"`
	Type      TurnType  `json:"type,omitempty"`
	Text      string    `json:"text,omitempty"`
	Media     []byte    `json:"media,omitempty"`
	MIMEType  string    `json:"mimeType,omitempty"`
	MediaKind MediaKind `json:"mediaKind,omitempty"`

	// OnFirstAudio receives the first sentence's audio before the turn
	// completes, when the fastest response tier succeeds.
	OnFirstAudio func(sentence string, audio []byte) `json:"-"`
}

// TurnResponse is the orchestrated reply. TopicComplete is the mastery
// decision, not the model's claim.
type TurnResponse struct {
	TurnID        string        `json:"turnId"`
	SpokenText    string        `json:"spokenText"`
	DisplayText   string        `json:"displayText"`
	Diagram       *string       `json:"diagram"`
	Audio         []byte        `json:"audio"`
	ResponderID   responder.ID  `json:"responderId"`
	Handoff       *string       `json:"handoffText"`
	TopicComplete bool          `json:"topicComplete"`
	RoutingReason router.Reason `json:"routingReason"`
	Tier          string        `json:"tier,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
