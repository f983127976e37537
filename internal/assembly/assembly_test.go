package assembly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/responder"
	"github.com/ashureev/tutorflow/internal/store"
)

type fakeProfiles struct{ err error }

func (f fakeProfiles) Ensure(_ context.Context, id, _ string) (*domain.LearnerProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.LearnerProfile{LearnerID: id}, nil
}

type fakeSessions struct {
	lessonErr  error
	sessionErr error
	historyErr error
	delay      time.Duration
}

func (f fakeSessions) GetLesson(_ context.Context, id string) (*domain.LessonDescriptor, error) {
	time.Sleep(f.delay)
	if f.lessonErr != nil {
		return nil, f.lessonErr
	}
	return &domain.LessonDescriptor{LessonID: id, Subject: "math"}, nil
}

func (f fakeSessions) GetSession(_ context.Context, id string) (*domain.Session, error) {
	time.Sleep(f.delay)
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return &domain.Session{SessionID: id}, nil
}

func (f fakeSessions) RecentHistory(_ context.Context, _ string, n int) ([]domain.HistoryEntry, error) {
	time.Sleep(f.delay)
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return make([]domain.HistoryEntry, n), nil
}

type fakeActive map[string]responder.ID

func (f fakeActive) Active(id string) (responder.ID, bool) {
	r, ok := f[id]
	return r, ok
}

type fakeScorer struct {
	score float64
	err   error
}

func (f fakeScorer) CurrentScore(context.Context, string, string) (float64, error) {
	return f.score, f.err
}

func TestAssembleGathersEverything(t *testing.T) {
	t.Parallel()

	a := New(fakeProfiles{}, fakeSessions{}, fakeActive{"s1": responder.Math}, fakeScorer{score: 64}, 3, nil)
	c, err := a.Assemble(context.Background(), "l1", "s1", "lesson-1")
	require.NoError(t, err)

	assert.Equal(t, "l1", c.Profile.LearnerID)
	assert.Equal(t, "lesson-1", c.Lesson.LessonID)
	assert.Equal(t, "s1", c.Session.SessionID)
	assert.Len(t, c.History, 3)
	assert.Equal(t, responder.Math, c.ActiveResponder)
	assert.Equal(t, 64.0, c.MasteryScore)
	assert.False(t, c.HistoryDegraded)
}

func TestAssembleReadsConcurrently(t *testing.T) {
	t.Parallel()

	a := New(fakeProfiles{}, fakeSessions{delay: 100 * time.Millisecond}, fakeActive{}, fakeScorer{}, 3, nil)
	start := time.Now()
	_, err := a.Assemble(context.Background(), "l1", "s1", "lesson-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestHistoryFailureDegrades(t *testing.T) {
	t.Parallel()

	a := New(fakeProfiles{}, fakeSessions{historyErr: errors.New("locked")}, fakeActive{}, fakeScorer{score: 50}, 3, nil)
	c, err := a.Assemble(context.Background(), "l1", "s1", "lesson-1")
	require.NoError(t, err)
	assert.Empty(t, c.History)
	assert.True(t, c.HistoryDegraded)
	assert.Empty(t, c.ActiveResponder)
}

func TestMissingSessionIsNotAnError(t *testing.T) {
	t.Parallel()

	a := New(fakeProfiles{}, fakeSessions{sessionErr: store.ErrNotFound}, fakeActive{}, fakeScorer{}, 3, nil)
	c, err := a.Assemble(context.Background(), "l1", "s1", "lesson-1")
	require.NoError(t, err)
	assert.Nil(t, c.Session)
}

func TestRequiredReadFailureAborts(t *testing.T) {
	t.Parallel()

	cases := map[string]*Assembler{
		"profile":       New(fakeProfiles{err: errors.New("down")}, fakeSessions{}, fakeActive{}, fakeScorer{}, 3, nil),
		"lesson":        New(fakeProfiles{}, fakeSessions{lessonErr: store.ErrNotFound}, fakeActive{}, fakeScorer{}, 3, nil),
		"session":       New(fakeProfiles{}, fakeSessions{sessionErr: errors.New("down")}, fakeActive{}, fakeScorer{}, 3, nil),
		"mastery score": New(fakeProfiles{}, fakeSessions{}, fakeActive{}, fakeScorer{err: errors.New("down")}, 3, nil),
	}
	for part, a := range cases {
		_, err := a.Assemble(context.Background(), "l1", "s1", "lesson-1")
		var ae *Error
		require.ErrorAs(t, err, &ae, part)
		assert.Equal(t, part, ae.Part)
	}

	_, err := cases["lesson"].Assemble(context.Background(), "l1", "s1", "lesson-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
