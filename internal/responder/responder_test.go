package responder

import (
	"testing"
)

func TestRegistryIsComplete(t *testing.T) {
	t.Parallel()

	for _, d := range All() {
		if d.Instructions == "" || d.Voice == "" || d.Effort == "" {
			t.Errorf("%s: incomplete definition %+v", d.ID, d)
		}
		if !d.ID.Valid() {
			t.Errorf("%s: not valid", d.ID)
		}
	}
	if len(All()) != len(registry) {
		t.Fatalf("order and registry disagree: %d vs %d", len(All()), len(registry))
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	if id, ok := Parse(" Math "); !ok || id != Math {
		t.Fatalf("Parse(Math) = %q, %v", id, ok)
	}
	if _, ok := Parse("astrology"); ok {
		t.Fatal("unknown responder parsed")
	}
}

func TestForSubject(t *testing.T) {
	t.Parallel()

	cases := map[string]ID{
		"Mathematics":    Math,
		"physics":        Science,
		"Social Studies": History,
		"english":        Writing,
	}
	for subject, want := range cases {
		if got, ok := ForSubject(subject); !ok || got != want {
			t.Errorf("ForSubject(%q) = %q, %v; want %q", subject, got, ok, want)
		}
	}
	if _, ok := ForSubject("art"); ok {
		t.Error("expected no responder for art")
	}
}

func TestOnlyVerifierUsesVerificationTier(t *testing.T) {
	t.Parallel()

	for _, d := range All() {
		if (d.Tier == TierVerification) != (d.ID == Verifier) {
			t.Errorf("%s has tier %s", d.ID, d.Tier)
		}
	}
}

func TestSpecialistsExcludeCoordinator(t *testing.T) {
	t.Parallel()

	for _, id := range Specialists() {
		if id == Coordinator {
			t.Fatal("coordinator listed as specialist")
		}
	}
}
