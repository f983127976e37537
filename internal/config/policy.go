package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mastery criterion names. They are stable identifiers used in policy files
// and in persisted mastery reviews.
const (
	CriterionCorrectRatio   = "correct_ratio"
	CriterionExplanations   = "explanations"
	CriterionApplication    = "application"
	CriterionSelfCorrection = "self_correction"
	CriterionElapsedTime    = "elapsed_time"
	CriterionEvidenceCount  = "evidence_count"
)

// AllCriteria lists every mastery criterion in evaluation order.
var AllCriteria = []string{
	CriterionCorrectRatio,
	CriterionExplanations,
	CriterionApplication,
	CriterionSelfCorrection,
	CriterionElapsedTime,
	CriterionEvidenceCount,
}

// Policy holds the tunable thresholds of the tutoring rules.
type Policy struct {
	Directive  DirectivePolicy  `yaml:"directive"`
	Evidence   EvidencePolicy   `yaml:"evidence"`
	Enrichment EnrichmentPolicy `yaml:"enrichment"`
	Mastery    MasteryPolicy    `yaml:"mastery"`
}

// DirectivePolicy drives the directive generator's bands.
type DirectivePolicy struct {
	MasteryLow          float64 `yaml:"mastery_low"`
	MasteryHigh         float64 `yaml:"mastery_high"`
	StruggleHigh        float64 `yaml:"struggle_high"`
	StruggleLow         float64 `yaml:"struggle_low"`
	DefaultMasteryScore float64 `yaml:"default_mastery_score"`
}

// EvidencePolicy gates which classifications are persisted.
type EvidencePolicy struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// EnrichmentPolicy drives mid-session profile updates.
type EnrichmentPolicy struct {
	Window          int `yaml:"window"`
	StruggleQuality int `yaml:"struggle_quality"`
	StruggleCount   int `yaml:"struggle_count"`
	StrengthQuality int `yaml:"strength_quality"`
}

// MasteryRules are the thresholds of the six mastery criteria plus the subset
// that must hold for approval.
type MasteryRules struct {
	CorrectRatio       float64       `yaml:"correct_ratio"`
	MinExplanations    int           `yaml:"min_explanations"`
	ExplanationQuality int           `yaml:"explanation_quality"`
	MinApplications    int           `yaml:"min_applications"`
	MinSelfCorrections int           `yaml:"min_self_corrections"`
	MinElapsed         time.Duration `yaml:"min_elapsed"`
	MinEvidence        int           `yaml:"min_evidence"`
	Required           []string      `yaml:"required"`
}

// MasteryPolicy holds default rules, per-grade defaults and per-subject
// overrides. Subject overrides win over grade defaults.
type MasteryPolicy struct {
	Defaults MasteryRules            `yaml:"defaults"`
	Grades   map[string]MasteryRules `yaml:"grades"`
	Subjects map[string]MasteryRules `yaml:"subjects"`
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		Directive: DirectivePolicy{
			MasteryLow:          50,
			MasteryHigh:         80,
			StruggleHigh:        0.4,
			StruggleLow:         0.2,
			DefaultMasteryScore: 50,
		},
		Evidence: EvidencePolicy{ConfidenceThreshold: 0.7},
		Enrichment: EnrichmentPolicy{
			Window:          10,
			StruggleQuality: 50,
			StruggleCount:   3,
			StrengthQuality: 80,
		},
		Mastery: MasteryPolicy{
			Defaults: MasteryRules{
				CorrectRatio:       0.7,
				MinExplanations:    2,
				ExplanationQuality: 70,
				MinApplications:    1,
				MinSelfCorrections: 1,
				MinElapsed:         5 * time.Minute,
				MinEvidence:        3,
				Required: []string{
					CriterionCorrectRatio,
					CriterionExplanations,
					CriterionApplication,
					CriterionElapsedTime,
					CriterionEvidenceCount,
				},
			},
		},
	}
}

// LoadPolicy reads a YAML policy file on top of the defaults. An empty path
// or a missing file yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects thresholds that would make the rules meaningless.
func (p *Policy) Validate() error {
	d := p.Directive
	if d.MasteryLow > d.MasteryHigh {
		return fmt.Errorf("directive.mastery_low must be <= mastery_high")
	}
	if d.StruggleLow > d.StruggleHigh {
		return fmt.Errorf("directive.struggle_low must be <= struggle_high")
	}
	if t := p.Evidence.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("evidence.confidence_threshold must be in [0, 1]")
	}
	if p.Enrichment.Window <= 0 {
		return fmt.Errorf("enrichment.window must be > 0")
	}
	check := func(scope string, r MasteryRules) error {
		for _, name := range r.Required {
			if !isCriterion(name) {
				return fmt.Errorf("mastery %s: unknown criterion %q", scope, name)
			}
		}
		return nil
	}
	if err := check("defaults", p.Mastery.Defaults); err != nil {
		return err
	}
	for g, r := range p.Mastery.Grades {
		if err := check("grade "+g, r); err != nil {
			return err
		}
	}
	for s, r := range p.Mastery.Subjects {
		if err := check("subject "+s, r); err != nil {
			return err
		}
	}
	return nil
}

// RulesFor resolves the mastery rules for a lesson: defaults, then the
// grade's values, then the subject's values. Zero fields do not override.
func (p *Policy) RulesFor(subject, grade string) MasteryRules {
	r := p.Mastery.Defaults
	r.Required = append([]string(nil), r.Required...)
	if g, ok := p.Mastery.Grades[strings.ToLower(grade)]; ok {
		r = mergeRules(r, g)
	}
	if s, ok := p.Mastery.Subjects[strings.ToLower(subject)]; ok {
		r = mergeRules(r, s)
	}
	return r
}

func mergeRules(base, over MasteryRules) MasteryRules {
	if over.CorrectRatio > 0 {
		base.CorrectRatio = over.CorrectRatio
	}
	if over.MinExplanations > 0 {
		base.MinExplanations = over.MinExplanations
	}
	if over.ExplanationQuality > 0 {
		base.ExplanationQuality = over.ExplanationQuality
	}
	if over.MinApplications > 0 {
		base.MinApplications = over.MinApplications
	}
	if over.MinSelfCorrections > 0 {
		base.MinSelfCorrections = over.MinSelfCorrections
	}
	if over.MinElapsed > 0 {
		base.MinElapsed = over.MinElapsed
	}
	if over.MinEvidence > 0 {
		base.MinEvidence = over.MinEvidence
	}
	if over.Required != nil {
		base.Required = append([]string(nil), over.Required...)
	}
	return base
}

func isCriterion(name string) bool {
	for _, c := range AllCriteria {
		if c == name {
			return true
		}
	}
	return false
}
