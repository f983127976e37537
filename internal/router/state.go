package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/tutorflow/internal/responder"
)

type sessionState struct {
	active   responder.ID
	lastSeen time.Time
}

// State holds each session's active responder. It is safe for concurrent use.
type State struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	now      func() time.Time
}

// NewState creates an empty State.
func NewState() *State {
	return &State{sessions: make(map[string]*sessionState), now: time.Now}
}

func (s *State) get(sessionID string) *sessionState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}
	st.lastSeen = s.now()
	return st
}

// Active returns the responder holding the session's floor.
func (s *State) Active(sessionID string) (responder.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || st.active == "" {
		return "", false
	}
	return st.active, true
}

// SetActive records the responder that produced the session's latest reply.
func (s *State) SetActive(sessionID string, id responder.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(sessionID).active = id
}

// Clear drops the session's active responder but keeps the session.
func (s *State) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(sessionID).active = ""
}

// Touch marks the session as recently used.
func (s *State) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(sessionID)
}

// Forget discards all state of a session.
func (s *State) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len returns the number of tracked sessions.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep discards sessions idle for at least ttl and returns their ids.
func (s *State) Sweep(ttl time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-ttl)
	var expired []string
	for id, st := range s.sessions {
		if !st.lastSeen.After(cutoff) {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	return expired
}

// ReapCallback is called for each session discarded by the reaper.
type ReapCallback func(sessionID string)

// StartReaper runs a background goroutine that periodically discards idle
// sessions until ctx is done.
func (s *State) StartReaper(ctx context.Context, interval, ttl time.Duration, onReap ReapCallback) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				expired := s.Sweep(ttl)
				if len(expired) == 0 {
					continue
				}
				for _, id := range expired {
					if onReap != nil {
						onReap(id)
					}
				}
				slog.Info("Session reaper discarded idle sessions", "count", len(expired))
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
