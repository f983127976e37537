package domain

import (
	"testing"
	"time"
)

func TestParseLearningStyle(t *testing.T) {
	t.Parallel()

	cases := map[string]LearningStyle{
		"visual":          StyleVisual,
		"reading-writing": StyleReadingWriting,
		"reading_writing": StyleReadingWriting,
		"telepathic":      StyleUnknown,
		"":                StyleUnknown,
	}
	for in, want := range cases {
		if got := ParseLearningStyle(in); got != want {
			t.Errorf("ParseLearningStyle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProfileCloneIsDeep(t *testing.T) {
	t.Parallel()

	p := &LearnerProfile{LearnerID: "l1", Strengths: []string{"fractions"}}
	cp := p.Clone()
	cp.Strengths[0] = "decimals"
	if p.Strengths[0] != "fractions" {
		t.Fatalf("clone shares backing array: %v", p.Strengths)
	}
}

func TestSessionElapsed(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := &Session{StartedAt: start}
	if got := s.Elapsed(start.Add(7 * time.Minute)); got != 7*time.Minute {
		t.Fatalf("Elapsed = %v", got)
	}
	if got := (&Session{}).Elapsed(start); got != 0 {
		t.Fatalf("zero session Elapsed = %v", got)
	}
}
