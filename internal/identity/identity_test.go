package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/tutorflow/internal/domain"
)

type fakeProfiles struct {
	mu      sync.Mutex
	ensured []string
	err     error
}

func (f *fakeProfiles) Ensure(_ context.Context, learnerID, _ string) (*domain.LearnerProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.ensured = append(f.ensured, learnerID)
	return &domain.LearnerProfile{LearnerID: learnerID}, nil
}

func serve(t *testing.T, profiles ProfileEnsurer, req *http.Request) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	var learnerID, sessionID string
	h := Middleware(profiles, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		learnerID = LearnerIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, learnerID, sessionID
}

func TestMiddlewareUsesLearnerHeader(t *testing.T) {
	t.Parallel()
	profiles := &fakeProfiles{}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(LearnerHeaderName, "learner-42")
	req.Header.Set(SessionHeaderName, "tab:1")

	_, learnerID, sessionID := serve(t, profiles, req)
	if learnerID != "learner-42" {
		t.Errorf("learnerID = %q", learnerID)
	}
	if sessionID != "tab:1" {
		t.Errorf("sessionID = %q", sessionID)
	}
	if len(profiles.ensured) != 1 || profiles.ensured[0] != "learner-42" {
		t.Errorf("ensured = %v", profiles.ensured)
	}
}

func TestMiddlewareIssuesAnonymousCookie(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/?session_id=bad%20id", nil)
	w, learnerID, sessionID := serve(t, &fakeProfiles{}, req)

	if !anonIDPattern.MatchString(learnerID) {
		t.Fatalf("expected anonymous id, got %q", learnerID)
	}
	if sessionID != "" {
		t.Errorf("invalid session id should be dropped, got %q", sessionID)
	}
	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == AnonCookieName && c.Value == learnerID {
			found = true
		}
	}
	if !found {
		t.Error("anonymous cookie not set")
	}

	again := httptest.NewRequest(http.MethodGet, "/", nil)
	again.AddCookie(&http.Cookie{Name: AnonCookieName, Value: learnerID})
	_, second, _ := serve(t, &fakeProfiles{}, again)
	if second != learnerID {
		t.Errorf("cookie not reused: %q != %q", second, learnerID)
	}
}

func TestMiddlewareFailsWhenProfileCannotBeCreated(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w, _, _ := serve(t, &fakeProfiles{err: errors.New("db down")}, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
}
