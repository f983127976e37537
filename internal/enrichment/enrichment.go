// Package enrichment updates a learner's strengths and struggles from the
// evidence of the running session.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/tutorflow/internal/config"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/store"
)

// EvidenceSource lists recorded evidence.
type EvidenceSource interface {
	ListEvidence(ctx context.Context, f store.EvidenceFilter) ([]domain.EvidenceRecord, error)
}

// Profiles reads profiles and records topic standings. Implementations must
// invalidate any cached profile after a standing is written.
type Profiles interface {
	Get(ctx context.Context, learnerID string) (*domain.LearnerProfile, error)
	SetTopicStanding(ctx context.Context, learnerID, topic string, standing domain.TopicStanding) error
}

// Change is one standing written to a profile.
type Change struct {
	Topic    string
	Standing domain.TopicStanding
}

// Enricher detects patterns in recent evidence.
type Enricher struct {
	evidence EvidenceSource
	profiles Profiles
	policy   config.EnrichmentPolicy
	logger   *slog.Logger
}

// New creates an Enricher.
func New(evidence EvidenceSource, profiles Profiles, policy config.EnrichmentPolicy, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{evidence: evidence, profiles: profiles, policy: policy, logger: logger}
}

// Detect derives topic standings from records, in first-seen topic order.
// A topic with StruggleCount records below StruggleQuality is a struggle. A
// topic with a record at or above StrengthQuality, or whose average reaches
// it, is a strength. When both hold the topic's latest record decides.
func Detect(records []domain.EvidenceRecord, p config.EnrichmentPolicy) []Change {
	type tally struct {
		low, sum, n, best, latest int
	}
	var order []string
	byTopic := make(map[string]*tally)
	for _, r := range records {
		if r.Topic == "" {
			continue
		}
		t, ok := byTopic[r.Topic]
		if !ok {
			t = &tally{}
			byTopic[r.Topic] = t
			order = append(order, r.Topic)
		}
		if r.Quality < p.StruggleQuality {
			t.low++
		}
		t.sum += r.Quality
		t.n++
		t.best = max(t.best, r.Quality)
		t.latest = r.Quality
	}

	var out []Change
	for _, topic := range order {
		t := byTopic[topic]
		struggle := t.low >= p.StruggleCount
		strength := t.best >= p.StrengthQuality || t.sum >= p.StrengthQuality*t.n
		switch {
		case struggle && strength:
			if t.latest >= p.StrengthQuality {
				out = append(out, Change{topic, domain.StandingStrength})
			} else {
				out = append(out, Change{topic, domain.StandingStruggle})
			}
		case strength:
			out = append(out, Change{topic, domain.StandingStrength})
		case struggle:
			out = append(out, Change{topic, domain.StandingStruggle})
		}
	}
	return out
}

// Enrich scans the session's most recent evidence and writes any standing the
// profile does not already hold. It returns the standings written.
func (e *Enricher) Enrich(ctx context.Context, learnerID, sessionID string) ([]Change, error) {
	records, err := e.evidence.ListEvidence(ctx, store.EvidenceFilter{
		LearnerID: learnerID,
		SessionID: sessionID,
		Limit:     e.policy.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("list session evidence: %w", err)
	}
	changes := Detect(records, e.policy)
	if len(changes) == 0 {
		return nil, nil
	}

	profile, err := e.profiles.Get(ctx, learnerID)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var written []Change
	for _, c := range changes {
		if c.Standing == domain.StandingStrength && profile.HasStrength(c.Topic) && !profile.HasStruggle(c.Topic) {
			continue
		}
		if c.Standing == domain.StandingStruggle && profile.HasStruggle(c.Topic) {
			continue
		}
		if err := e.profiles.SetTopicStanding(ctx, learnerID, c.Topic, c.Standing); err != nil {
			return written, fmt.Errorf("record %s %q: %w", c.Standing, c.Topic, err)
		}
		written = append(written, c)
		e.logger.Info("learner profile enriched",
			"learner_id", learnerID,
			"session_id", sessionID,
			"topic", c.Topic,
			"standing", c.Standing,
		)
	}
	return written, nil
}
