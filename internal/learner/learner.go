// Package learner serves learner profiles through a read-through cache that
// is invalidated whenever a profile changes.
package learner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/store"
)

// ProfileStore is the subset of the repository the service needs.
type ProfileStore interface {
	GetProfile(ctx context.Context, learnerID string) (*domain.LearnerProfile, error)
	UpsertProfile(ctx context.Context, profile *domain.LearnerProfile) error
	SetTopicStanding(ctx context.Context, learnerID, topic string, standing domain.TopicStanding) error
}

// Service reads and mutates learner profiles.
type Service struct {
	repo   ProfileStore
	cache  *ristretto.Cache[string, *domain.LearnerProfile]
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	versions map[string]uint64
}

// NewService creates a profile service caching entries for ttl.
func NewService(repo ProfileStore, ttl time.Duration, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *domain.LearnerProfile]{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		ttl:      ttl,
		logger:   logger,
		versions: make(map[string]uint64),
	}, nil
}

// Get returns a learner's profile. The returned value is a private copy.
func (s *Service) Get(ctx context.Context, learnerID string) (*domain.LearnerProfile, error) {
	if p, ok := s.cache.Get(learnerID); ok {
		return p.Clone(), nil
	}
	v := s.version(learnerID)
	p, err := s.repo.GetProfile(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	// Skip caching a read that raced with a write; it may already be stale.
	// The check and the store share mu with Invalidate.
	s.mu.Lock()
	if s.versions[learnerID] == v {
		s.cache.SetWithTTL(learnerID, p.Clone(), 1, s.ttl)
		s.cache.Wait()
	}
	s.mu.Unlock()
	return p, nil
}

// Ensure returns the learner's profile, creating an empty one on first sight.
func (s *Service) Ensure(ctx context.Context, learnerID, displayName string) (*domain.LearnerProfile, error) {
	p, err := s.Get(ctx, learnerID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	p = &domain.LearnerProfile{
		LearnerID:   learnerID,
		DisplayName: displayName,
		Pace:        domain.PaceModerate,
	}
	if err := s.Update(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("learner profile created", "learner_id", learnerID)
	return s.Get(ctx, learnerID)
}

// Update writes the scalar fields of a profile and invalidates its cache entry.
func (s *Service) Update(ctx context.Context, p *domain.LearnerProfile) error {
	if err := s.repo.UpsertProfile(ctx, p); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	s.Invalidate(p.LearnerID)
	return nil
}

// SetTopicStanding records a topic standing and invalidates the cached
// profile so the next read observes it.
func (s *Service) SetTopicStanding(ctx context.Context, learnerID, topic string, standing domain.TopicStanding) error {
	if err := s.repo.SetTopicStanding(ctx, learnerID, topic, standing); err != nil {
		return err
	}
	s.Invalidate(learnerID)
	return nil
}

// Invalidate drops any cached copy of the learner's profile.
func (s *Service) Invalidate(learnerID string) {
	s.mu.Lock()
	s.versions[learnerID]++
	s.cache.Del(learnerID)
	s.mu.Unlock()
	s.logger.Debug("learner profile cache invalidated", "learner_id", learnerID)
}

// Close stops the cache's background goroutines.
func (s *Service) Close() {
	s.cache.Close()
}

func (s *Service) version(learnerID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[learnerID]
}
