package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TUTOR_POLICY_PATH", "")
	t.Setenv("ADMIN_TOKEN", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 6*time.Hour, cfg.ContextCache.TTL)
	assert.InDelta(t, 0.75, cfg.ContextCache.RenewFraction, 1e-9)
	assert.Equal(t, 0.7, cfg.Policy.Evidence.ConfidenceThreshold)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "s3cret", cfg.AdminToken)
}

func TestLoadRejectsBadRenewFraction(t *testing.T) {
	t.Setenv("CONTEXT_CACHE_RENEW_FRACTION", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONTEXT_CACHE_RENEW_FRACTION")
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_BOOL", "maybe")
	t.Setenv("X_DUR", "soon")

	assert.Equal(t, 7, getEnvInt("X_INT", 7))
	assert.True(t, getEnvBool("X_BOOL", true))
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	p, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}

func TestRulesForAppliesGradeThenSubject(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `
mastery:
  grades:
    "3":
      min_elapsed: 3m
      min_evidence: 4
  subjects:
    math:
      min_evidence: 6
      required: [correct_ratio, evidence_count]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	r := p.RulesFor("Math", "3")
	assert.Equal(t, 3*time.Minute, r.MinElapsed)
	assert.Equal(t, 6, r.MinEvidence)
	assert.Equal(t, []string{CriterionCorrectRatio, CriterionEvidenceCount}, r.Required)
	assert.Equal(t, 2, r.MinExplanations, "unset fields keep defaults")

	r = p.RulesFor("reading", "5")
	assert.Equal(t, 5*time.Minute, r.MinElapsed)
	assert.Len(t, r.Required, 5)
}

func TestPolicyValidateRejectsUnknownCriterion(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	p.Mastery.Subjects = map[string]MasteryRules{"art": {Required: []string{"vibes"}}}
	require.Error(t, p.Validate())
}
