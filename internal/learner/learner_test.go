package learner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/store"
)

type fakeRepo struct {
	mu       sync.Mutex
	profiles map[string]*domain.LearnerProfile
	reads    int
	// afterRead runs once the profile has been copied, outside mu.
	afterRead func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{profiles: make(map[string]*domain.LearnerProfile)}
}

func (r *fakeRepo) GetProfile(_ context.Context, id string) (*domain.LearnerProfile, error) {
	r.mu.Lock()
	r.reads++
	p, ok := r.profiles[id]
	if ok {
		p = p.Clone()
	}
	hook := r.afterRead
	r.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	if hook != nil {
		hook()
	}
	return p, nil
}

func (r *fakeRepo) UpsertProfile(_ context.Context, p *domain.LearnerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.LearnerID] = p.Clone()
	return nil
}

func (r *fakeRepo) SetTopicStanding(_ context.Context, id, topic string, standing domain.TopicStanding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.profiles[id]
	p.Strengths = remove(p.Strengths, topic)
	p.Struggles = remove(p.Struggles, topic)
	if standing == domain.StandingStrength {
		p.Strengths = append(p.Strengths, topic)
	} else {
		p.Struggles = append(p.Struggles, topic)
	}
	return nil
}

func (r *fakeRepo) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func remove(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func newTestService(t *testing.T, repo ProfileStore) *Service {
	t.Helper()
	s, err := NewService(repo, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestGetIsReadThrough(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	require.NoError(t, repo.UpsertProfile(context.Background(), &domain.LearnerProfile{LearnerID: "l1"}))
	s := newTestService(t, repo)
	ctx := context.Background()

	_, err := s.Get(ctx, "l1")
	require.NoError(t, err)
	_, err = s.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.readCount())
}

func TestGetReturnsPrivateCopies(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	require.NoError(t, repo.UpsertProfile(context.Background(), &domain.LearnerProfile{
		LearnerID: "l1", Strengths: []string{"fractions"},
	}))
	s := newTestService(t, repo)
	ctx := context.Background()

	p, err := s.Get(ctx, "l1")
	require.NoError(t, err)
	p.Strengths[0] = "mutated"

	again, err := s.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fractions"}, again.Strengths)
}

func TestSetTopicStandingInvalidates(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	require.NoError(t, repo.UpsertProfile(context.Background(), &domain.LearnerProfile{LearnerID: "l1"}))
	s := newTestService(t, repo)
	ctx := context.Background()

	_, err := s.Get(ctx, "l1")
	require.NoError(t, err)
	require.NoError(t, s.SetTopicStanding(ctx, "l1", "fractions", domain.StandingStruggle))

	p, err := s.Get(ctx, "l1")
	require.NoError(t, err)
	assert.True(t, p.HasStruggle("fractions"))
	assert.Equal(t, 2, repo.readCount())
}

func TestEnsureCreatesMissingProfile(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s := newTestService(t, repo)

	p, err := s.Ensure(context.Background(), "new", "Kai")
	require.NoError(t, err)
	assert.Equal(t, "Kai", p.DisplayName)
	assert.Equal(t, domain.PaceModerate, p.Pace)

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriteDuringLoadIsNotCached(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	ctx := context.Background()
	require.NoError(t, repo.UpsertProfile(ctx, &domain.LearnerProfile{LearnerID: "l1", DisplayName: "old"}))
	s := newTestService(t, repo)

	var once sync.Once
	repo.mu.Lock()
	repo.afterRead = func() {
		once.Do(func() {
			require.NoError(t, s.Update(ctx, &domain.LearnerProfile{LearnerID: "l1", DisplayName: "new"}))
		})
	}
	repo.mu.Unlock()

	p, err := s.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "old", p.DisplayName, "the racing read returns what it loaded")

	p, err = s.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, "new", p.DisplayName)
}

func TestConcurrentInvalidateLeavesNoStaleProfile(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	ctx := context.Background()
	require.NoError(t, repo.UpsertProfile(ctx, &domain.LearnerProfile{LearnerID: "l1", DisplayName: "v0"}))
	s := newTestService(t, repo)

	const writes = 200
	done := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_, _ = s.Get(ctx, "l1")
			}
		}()
	}

	for i := 1; i <= writes; i++ {
		require.NoError(t, s.Update(ctx, &domain.LearnerProfile{LearnerID: "l1", DisplayName: fmt.Sprintf("v%d", i)}))
	}
	close(done)
	wg.Wait()

	p, err := s.Get(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("v%d", writes), p.DisplayName)
}
