// Package responder defines the closed set of teaching responders and their
// fixed configuration.
package responder

import (
	"strings"

	"github.com/ashureev/tutorflow/internal/llm"
)

// ID identifies a responder.
type ID string

const (
	Coordinator ID = "coordinator"
	Math        ID = "math"
	Science     ID = "science"
	Reading     ID = "reading"
	Writing     ID = "writing"
	History     ID = "history"
	Verifier    ID = "verifier"
	Support     ID = "support"
)

// Tier selects which backing model serves a responder.
type Tier string

const (
	TierRoutine      Tier = "routine"
	TierVerification Tier = "verification"
)

// Definition is the fixed configuration of a responder.
type Definition struct {
	ID           ID
	DisplayName  string
	Subject      string
	Tier         Tier
	Effort       llm.Effort
	Grounding    bool
	Voice        string
	Instructions string
}

var order = []ID{Coordinator, Math, Science, Reading, Writing, History, Verifier, Support}

var registry = map[ID]Definition{
	Coordinator: {
		ID:           Coordinator,
		DisplayName:  "Guide",
		Tier:         TierRoutine,
		Effort:       llm.EffortLow,
		Voice:        "en-US-guide",
		Instructions: coordinatorInstructions,
	},
	Math: {
		ID:           Math,
		DisplayName:  "Math Tutor",
		Subject:      "math",
		Tier:         TierRoutine,
		Effort:       llm.EffortHigh,
		Voice:        "en-US-math",
		Instructions: mathInstructions,
	},
	Science: {
		ID:           Science,
		DisplayName:  "Science Tutor",
		Subject:      "science",
		Tier:         TierRoutine,
		Effort:       llm.EffortMedium,
		Grounding:    true,
		Voice:        "en-US-science",
		Instructions: scienceInstructions,
	},
	Reading: {
		ID:           Reading,
		DisplayName:  "Reading Coach",
		Subject:      "reading",
		Tier:         TierRoutine,
		Effort:       llm.EffortLow,
		Voice:        "en-US-reading",
		Instructions: readingInstructions,
	},
	Writing: {
		ID:           Writing,
		DisplayName:  "Writing Coach",
		Subject:      "writing",
		Tier:         TierRoutine,
		Effort:       llm.EffortMedium,
		Voice:        "en-US-writing",
		Instructions: writingInstructions,
	},
	History: {
		ID:           History,
		DisplayName:  "History Tutor",
		Subject:      "history",
		Tier:         TierRoutine,
		Effort:       llm.EffortMedium,
		Grounding:    true,
		Voice:        "en-US-history",
		Instructions: historyInstructions,
	},
	Verifier: {
		ID:           Verifier,
		DisplayName:  "Checker",
		Tier:         TierVerification,
		Effort:       llm.EffortHigh,
		Voice:        "en-US-checker",
		Instructions: verifierInstructions,
	},
	Support: {
		ID:           Support,
		DisplayName:  "Buddy",
		Tier:         TierRoutine,
		Effort:       llm.EffortLow,
		Voice:        "en-US-buddy",
		Instructions: supportInstructions,
	},
}

// subjects maps lesson subjects, including common aliases, to the responder
// that teaches them.
var subjects = map[string]ID{
	"math":           Math,
	"maths":          Math,
	"mathematics":    Math,
	"arithmetic":     Math,
	"algebra":        Math,
	"geometry":       Math,
	"science":        Science,
	"biology":        Science,
	"chemistry":      Science,
	"physics":        Science,
	"reading":        Reading,
	"phonics":        Reading,
	"literature":     Reading,
	"writing":        Writing,
	"english":        Writing,
	"grammar":        Writing,
	"history":        History,
	"social studies": History,
	"geography":      History,
}

// Parse maps s to a known responder.
func Parse(s string) (ID, bool) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	_, ok := registry[id]
	return id, ok
}

// Valid reports whether id is a known responder.
func (id ID) Valid() bool {
	_, ok := registry[id]
	return ok
}

// Lookup returns the definition of id.
func Lookup(id ID) (Definition, bool) {
	d, ok := registry[id]
	return d, ok
}

// MustLookup returns the definition of a known id and panics otherwise.
func MustLookup(id ID) Definition {
	d, ok := registry[id]
	if !ok {
		panic("responder: unknown id " + string(id))
	}
	return d
}

// All returns every definition in a stable order.
func All() []Definition {
	out := make([]Definition, 0, len(order))
	for _, id := range order {
		out = append(out, registry[id])
	}
	return out
}

// ForSubject returns the responder that teaches subject.
func ForSubject(subject string) (ID, bool) {
	id, ok := subjects[strings.ToLower(strings.TrimSpace(subject))]
	return id, ok
}

// Specialists lists the responders the coordinator may hand off to.
func Specialists() []ID {
	out := make([]ID, 0, len(order)-1)
	for _, id := range order {
		if id != Coordinator {
			out = append(out, id)
		}
	}
	return out
}
