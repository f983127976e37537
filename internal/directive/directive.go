// Package directive turns a learner's profile, recent history and mastery
// score into explicit teaching instructions for the current turn.
package directive

import (
	"fmt"
	"math"
	"strings"

	"github.com/ashureev/tutorflow/internal/config"
	"github.com/ashureev/tutorflow/internal/domain"
)

// Difficulty is the difficulty band chosen from the mastery score.
type Difficulty string

const (
	DifficultySimplify   Difficulty = "simplify"
	DifficultyStandard   Difficulty = "standard"
	DifficultyAccelerate Difficulty = "accelerate"
)

// Scaffolding is the amount of support chosen from the struggle ratio.
type Scaffolding string

const (
	ScaffoldingMaximum  Scaffolding = "maximum"
	ScaffoldingStandard Scaffolding = "standard"
	ScaffoldingMinimal  Scaffolding = "minimal"
)

// Encouragement is how much praise the responder gives.
type Encouragement string

const (
	EncouragementHigh     Encouragement = "high"
	EncouragementStandard Encouragement = "standard"
	EncouragementMinimal  Encouragement = "minimal"
)

// Set is the directive set for one turn. It is never persisted.
type Set struct {
	Style []string

	Difficulty           Difficulty
	DifficultyDirectives []string

	Scaffolding           Scaffolding
	Encouragement         Encouragement
	ScaffoldingDirectives []string

	Profile []string

	StruggleRatio float64
	MasteryScore  float64
}

// Summary is a compact description for audit logs.
func (s *Set) Summary() string {
	return fmt.Sprintf("difficulty=%s scaffolding=%s encouragement=%s style_rules=%d profile_rules=%d mastery=%d%%",
		s.Difficulty, s.Scaffolding, s.Encouragement, len(s.Style), len(s.Profile), percent(s.MasteryScore))
}

// Generator applies the directive rules with configured thresholds.
type Generator struct {
	policy config.DirectivePolicy
}

// NewGenerator creates a Generator.
func NewGenerator(policy config.DirectivePolicy) *Generator {
	return &Generator{policy: policy}
}

// Generate computes the directive set. It has no side effects.
func (g *Generator) Generate(profile *domain.LearnerProfile, history []domain.HistoryEntry, masteryScore float64) *Set {
	s := &Set{MasteryScore: masteryScore}

	if profile != nil {
		s.Style = styleDirectives(profile.LearningStyle)
	}

	switch {
	case masteryScore < g.policy.MasteryLow:
		s.Difficulty = DifficultySimplify
		s.DifficultyDirectives = []string{
			"Simplify: break every idea into the smallest possible steps.",
			"Use the simplest vocabulary; define any new word immediately.",
			"Give at least 3 concrete examples before asking the learner to try.",
			"Check understanding after every step before moving on.",
		}
	case masteryScore > g.policy.MasteryHigh:
		s.Difficulty = DifficultyAccelerate
		s.DifficultyDirectives = []string{
			"Accelerate: move at a faster pace and skip steps the learner has shown they know.",
			"Use advanced, precise subject vocabulary.",
			"Ask synthesis-level questions that connect this idea to others or apply it somewhere new.",
		}
	default:
		s.Difficulty = DifficultyStandard
		s.DifficultyDirectives = []string{
			"Keep a balanced pace with one new idea at a time.",
			"Give 1-2 examples, then let the learner practise.",
		}
	}

	s.StruggleRatio = StruggleRatio(history)
	switch {
	case len(history) == 0:
		s.Scaffolding = ScaffoldingStandard
		s.Encouragement = EncouragementStandard
	case s.StruggleRatio > g.policy.StruggleHigh:
		s.Scaffolding = ScaffoldingMaximum
		s.Encouragement = EncouragementHigh
	case s.StruggleRatio >= g.policy.StruggleLow:
		s.Scaffolding = ScaffoldingStandard
		s.Encouragement = EncouragementStandard
	default:
		s.Scaffolding = ScaffoldingMinimal
		s.Encouragement = EncouragementMinimal
	}
	s.ScaffoldingDirectives = scaffoldingDirectives(s.Scaffolding)

	if profile != nil {
		if len(profile.Strengths) > 0 {
			s.Profile = append(s.Profile, fmt.Sprintf(
				"Bridge new material to what the learner already does well: %s.",
				strings.Join(profile.Strengths, ", ")))
		}
		if len(profile.Struggles) > 0 {
			s.Profile = append(s.Profile, fmt.Sprintf(
				"Pre-empt confusion around known struggles (%s): slow down and check understanding when they come up.",
				strings.Join(profile.Struggles, ", ")))
		}
	}
	return s
}

func styleDirectives(style domain.LearningStyle) []string {
	switch style {
	case domain.StyleVisual:
		return []string{
			"Provide a diagram for every concept; the diagram field is required this turn.",
			"Use spatial language: above, next to, inside, grows into.",
		}
	case domain.StyleAuditory:
		return []string{
			"Use a warm, conversational tone that sounds natural aloud.",
			"Use sound and rhythm metaphors.",
			"Rephrase the key idea more than once in different words.",
		}
	case domain.StyleKinesthetic:
		return []string{
			"Use physical, hands-on metaphors: building, moving, sorting, measuring.",
			"Suggest something the learner can do with their hands or body.",
		}
	case domain.StyleReadingWriting:
		return []string{
			"Use dense, well-structured text with headings and lists.",
			"Ask the learner to write their answer in a full sentence.",
		}
	case domain.StyleLogical:
		return []string{
			"Present ideas as systematic, numbered sequences.",
			"Make each step's reason explicit: because, therefore, so.",
		}
	case domain.StyleSocial:
		return []string{
			"Frame problems around people: friends sharing, teams, classmates.",
			"Invite the learner to explain the idea as if teaching a friend.",
		}
	case domain.StyleSolitary:
		return []string{
			"Use reflective framing: invite the learner to think quietly, then share.",
			"Ask how the idea connects to their own experience.",
		}
	}
	return nil
}

func scaffoldingDirectives(level Scaffolding) []string {
	switch level {
	case ScaffoldingMaximum:
		return []string{
			"Use maximum scaffolding: demonstrate one example, guide the learner through a second, then release them to try a third alone.",
			"Offer sentence starters the learner can complete.",
			"Give frequent, small, specific praise for every correct step.",
		}
	case ScaffoldingMinimal:
		return []string{
			"Use minimal scaffolding: let the learner lead and offer hints only when asked.",
			"Keep praise brief and reserved for real insight.",
		}
	default:
		return []string{
			"Use standard scaffolding: give a hint after a wrong attempt before showing any steps.",
			"Praise effort and correct reasoning.",
		}
	}
}

// correctionMarkers are phrases a responder uses when correcting the learner.
var correctionMarkers = []string{
	"not quite",
	"not correct",
	"incorrect",
	"that's not",
	"that is not",
	"not right",
	"try again",
	"close, but",
	"almost",
	"mistake",
	"let's look again",
	"let's check that",
	"oops",
}

// SignalsCorrection reports whether a responder reply corrects the learner.
func SignalsCorrection(reply string) bool {
	r := strings.ToLower(reply)
	for _, m := range correctionMarkers {
		if strings.Contains(r, m) {
			return true
		}
	}
	return false
}

// StruggleRatio is the share of recent responder replies that corrected the
// learner. An empty history yields 0.
func StruggleRatio(history []domain.HistoryEntry) float64 {
	corrections := 0
	for _, h := range history {
		if SignalsCorrection(h.ResponderMessage) {
			corrections++
		}
	}
	return float64(corrections) / float64(max(len(history), 1))
}

// Format renders the set as a labeled block for a responder's instructions.
// The block always ends with the current mastery percentage.
func Format(s *Set) string {
	var sb strings.Builder
	sb.WriteString("TEACHING DIRECTIVES FOR THIS TURN\n")
	n := 0
	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		n++
		fmt.Fprintf(&sb, "%d. %s:\n", n, title)
		for _, l := range lines {
			sb.WriteString("- ")
			sb.WriteString(l)
			sb.WriteByte('\n')
		}
	}
	section("Learning style", s.Style)
	section(fmt.Sprintf("Difficulty (%s)", s.Difficulty), s.DifficultyDirectives)
	section(fmt.Sprintf("Scaffolding (%s, encouragement %s)", s.Scaffolding, s.Encouragement), s.ScaffoldingDirectives)
	section("Learner profile", s.Profile)
	fmt.Fprintf(&sb, "Current mastery: %d%%", percent(s.MasteryScore))
	return sb.String()
}

func percent(score float64) int {
	return int(math.Round(math.Max(0, math.Min(100, score))))
}
