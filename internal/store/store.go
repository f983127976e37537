// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/tutorflow/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// EvidenceFilter narrows an evidence query. Zero fields do not filter.
// A positive Limit returns the most recent Limit records, oldest first.
type EvidenceFilter struct {
	LearnerID string
	LessonID  string
	SessionID string
	Since     time.Time
	Limit     int
}

// Repository defines the interface for persisting tutoring state.
type Repository interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetProfile retrieves a learner profile. Returns ErrNotFound if absent.
	GetProfile(ctx context.Context, learnerID string) (*domain.LearnerProfile, error)

	// UpsertProfile creates or updates the scalar fields of a profile.
	// Topic standings are not touched.
	UpsertProfile(ctx context.Context, profile *domain.LearnerProfile) error

	// SetTopicStanding atomically records topic as a strength or a struggle.
	// A topic holds exactly one standing, so recording a strength removes the
	// matching struggle.
	SetTopicStanding(ctx context.Context, learnerID, topic string, standing domain.TopicStanding) error

	// AddLearningTime increments cumulative learning time.
	AddLearningTime(ctx context.Context, learnerID string, d time.Duration) error

	// GetLesson retrieves a lesson descriptor. Returns ErrNotFound if absent.
	GetLesson(ctx context.Context, lessonID string) (*domain.LessonDescriptor, error)

	// UpsertLesson creates or replaces a lesson descriptor.
	UpsertLesson(ctx context.Context, lesson *domain.LessonDescriptor) error

	// StartSession records a session. Starting an existing session keeps its
	// original start time.
	StartSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session. Returns ErrNotFound if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// EndSession marks a session ended.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// AppendHistory appends one exchange to a session's history.
	AppendHistory(ctx context.Context, entry *domain.HistoryEntry) error

	// RecentHistory returns the last n exchanges of a session, oldest first.
	RecentHistory(ctx context.Context, sessionID string, n int) ([]domain.HistoryEntry, error)

	// AppendEvidence appends a mastery evidence record.
	AppendEvidence(ctx context.Context, rec *domain.EvidenceRecord) error

	// ListEvidence returns evidence records matching the filter, oldest first.
	ListEvidence(ctx context.Context, f EvidenceFilter) ([]domain.EvidenceRecord, error)

	// AppendInteraction appends a turn audit record.
	AppendInteraction(ctx context.Context, log *domain.InteractionLog) error

	// AppendMasteryReview records a vetoed completion claim.
	AppendMasteryReview(ctx context.Context, review *domain.MasteryReview) error
}
