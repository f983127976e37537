// Package assembly gathers everything a turn needs with concurrent reads.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/responder"
	"github.com/ashureev/tutorflow/internal/store"
)

// ProfileSource returns a learner's profile, creating it on first sight.
type ProfileSource interface {
	Ensure(ctx context.Context, learnerID, displayName string) (*domain.LearnerProfile, error)
}

// SessionStore reads lessons, sessions and history.
type SessionStore interface {
	GetLesson(ctx context.Context, lessonID string) (*domain.LessonDescriptor, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	RecentHistory(ctx context.Context, sessionID string, n int) ([]domain.HistoryEntry, error)
}

// ActiveResponders reports which responder holds a session's floor.
type ActiveResponders interface {
	Active(sessionID string) (responder.ID, bool)
}

// MasteryScorer estimates current mastery of a lesson.
type MasteryScorer interface {
	CurrentScore(ctx context.Context, learnerID, lessonID string) (float64, error)
}

// Error reports which required read failed.
type Error struct {
	Part string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("assemble %s: %v", e.Part, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Context is the input of one turn.
type Context struct {
	Profile *domain.LearnerProfile
	Lesson  *domain.LessonDescriptor
	// Session is nil when the session has not been recorded yet.
	Session         *domain.Session
	History         []domain.HistoryEntry
	HistoryDegraded bool
	ActiveResponder responder.ID
	MasteryScore    float64
}

// Assembler issues a turn's reads in parallel.
type Assembler struct {
	profiles     ProfileSource
	sessions     SessionStore
	active       ActiveResponders
	mastery      MasteryScorer
	historyLimit int
	logger       *slog.Logger
}

// New creates an Assembler reading up to historyLimit history entries.
func New(profiles ProfileSource, sessions SessionStore, active ActiveResponders, mastery MasteryScorer, historyLimit int, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = 5
	}
	return &Assembler{
		profiles:     profiles,
		sessions:     sessions,
		active:       active,
		mastery:      mastery,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Assemble fetches the turn context. A history failure degrades to an empty
// history; any other failure aborts with an *Error.
func (a *Assembler) Assemble(ctx context.Context, learnerID, sessionID, lessonID string) (*Context, error) {
	var out Context
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p, err := a.profiles.Ensure(gctx, learnerID, "")
		if err != nil {
			return &Error{Part: "profile", Err: err}
		}
		out.Profile = p
		return nil
	})
	g.Go(func() error {
		l, err := a.sessions.GetLesson(gctx, lessonID)
		if err != nil {
			return &Error{Part: "lesson", Err: err}
		}
		out.Lesson = l
		return nil
	})
	g.Go(func() error {
		s, err := a.sessions.GetSession(gctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return &Error{Part: "session", Err: err}
		}
		out.Session = s
		return nil
	})
	g.Go(func() error {
		h, err := a.sessions.RecentHistory(gctx, sessionID, a.historyLimit)
		if err != nil {
			a.logger.Warn("history fetch failed, continuing without history",
				"session_id", sessionID, "error", err)
			out.HistoryDegraded = true
			return nil
		}
		out.History = h
		return nil
	})
	g.Go(func() error {
		if id, ok := a.active.Active(sessionID); ok {
			out.ActiveResponder = id
		}
		return nil
	})
	g.Go(func() error {
		score, err := a.mastery.CurrentScore(gctx, learnerID, lessonID)
		if err != nil {
			return &Error{Part: "mastery score", Err: err}
		}
		out.MasteryScore = score
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}
