// Package identity resolves which learner and session a request belongs to.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/tutorflow/internal/domain"
)

const (
	AnonCookieName    = "tutor_learner_id"
	LearnerHeaderName = "X-Tutor-Learner-ID"
	SessionHeaderName = "X-Tutor-Session-ID"
	anonCookieMaxAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	learnerIDKey contextKey = iota
	sessionIDKey
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	idPattern     = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// ProfileEnsurer creates a learner's profile on first sight.
type ProfileEnsurer interface {
	Ensure(ctx context.Context, learnerID, displayName string) (*domain.LearnerProfile, error)
}

// LearnerIDFromContext extracts the learner ID from the request context.
func LearnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(learnerIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the session ID from the request context. It
// is empty when the request named no session.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithLearner returns a context carrying learner and session IDs.
func WithLearner(ctx context.Context, learnerID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, learnerIDKey, learnerID)
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ValidID reports whether s is usable as a learner or session ID.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// learnerIDFromRequest prefers an explicit learner header and falls back to
// an anonymous per-device cookie, issuing one when missing.
func learnerIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(LearnerHeaderName)); id != "" && ValidID(id) {
		return id, nil
	}
	if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}
	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	sid = strings.TrimSpace(sid)
	if !ValidID(sid) {
		return ""
	}
	return sid
}

// Middleware injects the learner and session identity and makes sure the
// learner has a profile.
func Middleware(profiles ProfileEnsurer, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			learnerID, err := learnerIDFromRequest(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish learner identity"}`, http.StatusInternalServerError)
				return
			}

			if _, err := profiles.Ensure(r.Context(), learnerID, ""); err != nil {
				http.Error(w, `{"error":"failed to initialize learner profile"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithLearner(r.Context(), learnerID, sessionIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
