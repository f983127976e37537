//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tutorflow/internal/cache"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/identity"
	"github.com/ashureev/tutorflow/internal/pipeline"
	"github.com/ashureev/tutorflow/internal/responder"
	"github.com/ashureev/tutorflow/internal/router"
	"github.com/ashureev/tutorflow/internal/store"
	"github.com/ashureev/tutorflow/internal/tutor"
)

type fakeTutor struct {
	mu       sync.Mutex
	turns    []tutor.TurnRequest
	turnErr  error
	ended    []string
	endedBy  []string
	endErr   error
	started  []tutor.StartRequest
	startErr error
}

func (f *fakeTutor) HandleTurn(_ context.Context, req tutor.TurnRequest) (*tutor.TurnResponse, error) {
	f.mu.Lock()
	f.turns = append(f.turns, req)
	err := f.turnErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if req.OnFirstAudio != nil {
		req.OnFirstAudio("Hello.", []byte("first"))
	}
	return &tutor.TurnResponse{
		TurnID:        "t1",
		SpokenText:    "Hello. Let's begin.",
		DisplayText:   "Hello! Let's begin.",
		Audio:         []byte("firstrest"),
		ResponderID:   responder.Math,
		RoutingReason: router.ReasonFastPath,
	}, nil
}

func (f *fakeTutor) StartSession(_ context.Context, req tutor.StartRequest) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	return &domain.Session{SessionID: req.SessionID, LearnerID: req.LearnerID, LessonID: req.LessonID, StartedAt: time.Now()}, nil
}

func (f *fakeTutor) EndSession(_ context.Context, learnerID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
	f.endedBy = append(f.endedBy, learnerID)
	return f.endErr
}

type fakeProfiles map[string]*domain.LearnerProfile

func (f fakeProfiles) Get(_ context.Context, learnerID string) (*domain.LearnerProfile, error) {
	p, ok := f[learnerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// withLearner stands in for the identity middleware.
func withLearner(learnerID, sessionID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithLearner(r.Context(), learnerID, sessionID)))
		})
	}
}

func newTestRouter(ft *fakeTutor, cfg TutorHandlerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(withLearner("ada", "tab-1"))
	NewTutorHandler(ft, fakeProfiles{"ada": {LearnerID: "ada", DisplayName: "Ada"}}, cfg).RegisterRoutes(r)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{&tutor.ValidationError{Field: "text", Reason: "is required"}, http.StatusBadRequest},
		{fmt.Errorf("assemble: %w", store.ErrNotFound), http.StatusNotFound},
		{tutor.ErrSuperseded, http.StatusConflict},
		{fmt.Errorf("run responder math: %w", pipeline.ErrAllTiersFailed), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestHandleTurnFillsIdentity(t *testing.T) {
	t.Parallel()
	ft := &fakeTutor{}
	h := newTestRouter(ft, TutorHandlerConfig{})

	w := do(h, http.MethodPost, "/api/tutor/turn", `{"lessonId":"fractions-1","text":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(ft.turns) != 1 || ft.turns[0].LearnerID != "ada" || ft.turns[0].SessionID != "tab-1" {
		t.Fatalf("unexpected turn: %+v", ft.turns)
	}

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["responderId"] != "math" || got["routingReason"] != "fast_path" {
		t.Errorf("unexpected body: %v", got)
	}
	if got["diagram"] != nil || got["handoffText"] != nil {
		t.Errorf("absent diagram and handoff must be null: %v", got)
	}
}

func TestBodyCannotOverrideCallerIdentity(t *testing.T) {
	t.Parallel()
	ft := &fakeTutor{}
	h := newTestRouter(ft, TutorHandlerConfig{})

	w := do(h, http.MethodPost, "/api/tutor/turn", `{"learnerId":"bob","sessionId":"bobs-session","lessonId":"fractions-1","text":"hi"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("turn as another learner: status = %d", w.Code)
	}
	w = do(h, http.MethodPost, "/api/tutor/sessions", `{"learnerId":"bob","sessionId":"s2","lessonId":"fractions-1"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("start as another learner: status = %d", w.Code)
	}
	if len(ft.turns) != 0 || len(ft.started) != 0 {
		t.Fatalf("tutor was called: turns=%v started=%v", ft.turns, ft.started)
	}

	w = do(h, http.MethodPost, "/api/tutor/turn", `{"learnerId":"ada","sessionId":"s2","lessonId":"fractions-1","text":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("matching learner: status = %d", w.Code)
	}
	if ft.turns[0].LearnerID != "ada" || ft.turns[0].SessionID != "s2" {
		t.Errorf("unexpected turn: %+v", ft.turns[0])
	}
}

func TestHandleTurnErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"validation", &tutor.ValidationError{Field: "mimeType", Reason: "unsupported type image/gif"}, `{"lessonId":"l"}`, http.StatusBadRequest},
		{"all tiers failed", fmt.Errorf("run: %w", pipeline.ErrAllTiersFailed), `{"lessonId":"l","text":"x"}`, http.StatusBadGateway},
		{"malformed body", nil, `{"lessonId":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		h := newTestRouter(&fakeTutor{turnErr: tc.err}, TutorHandlerConfig{})
		w := do(h, http.MethodPost, "/api/tutor/turn", tc.body)
		if w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.want)
		}
		if !strings.Contains(w.Body.String(), `"error"`) {
			t.Errorf("%s: missing error body: %s", tc.name, w.Body.String())
		}
	}
}

func TestHandleTurnBodyTooLarge(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeTutor{}, TutorHandlerConfig{MaxBodySize: 32})

	w := do(h, http.MethodPost, "/api/tutor/turn", `{"lessonId":"fractions-1","text":"`+strings.Repeat("a", 64)+`"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", w.Code)
	}
}

func TestHandleTurnRateLimited(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newTestRouter(&fakeTutor{}, TutorHandlerConfig{Limiter: NewRateLimiter(ctx, 1, time.Minute)})

	if w := do(h, http.MethodPost, "/api/tutor/turn", `{"lessonId":"l","text":"a"}`); w.Code != http.StatusOK {
		t.Fatalf("first status = %d", w.Code)
	}
	if w := do(h, http.MethodPost, "/api/tutor/turn", `{"lessonId":"l","text":"b"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d", w.Code)
	}
}

func TestSessionLifecycleRoutes(t *testing.T) {
	t.Parallel()
	ft := &fakeTutor{}
	h := newTestRouter(ft, TutorHandlerConfig{})

	w := do(h, http.MethodPost, "/api/tutor/sessions", `{"sessionId":"s9","lessonId":"fractions-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d", w.Code)
	}
	if ft.started[0].LearnerID != "ada" {
		t.Errorf("learner not filled: %+v", ft.started[0])
	}

	if w := do(h, http.MethodDelete, "/api/tutor/sessions/s9", ""); w.Code != http.StatusNoContent {
		t.Errorf("end status = %d", w.Code)
	}
	if len(ft.ended) != 1 || ft.ended[0] != "s9" || ft.endedBy[0] != "ada" {
		t.Errorf("ended = %v by %v", ft.ended, ft.endedBy)
	}

	ft.endErr = fmt.Errorf("get session: %w", store.ErrNotFound)
	if w := do(h, http.MethodDelete, "/api/tutor/sessions/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d", w.Code)
	}
}

func TestGetProfile(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeTutor{}, TutorHandlerConfig{})

	w := do(h, http.MethodGet, "/api/learners/ada/profile", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"display_name":"Ada"`) {
		t.Errorf("own profile: %d %s", w.Code, w.Body.String())
	}
	if w := do(h, http.MethodGet, "/api/learners/bob/profile", ""); w.Code != http.StatusForbidden {
		t.Errorf("other profile status = %d", w.Code)
	}
}

type fakeCache struct {
	results []cache.WarmupResult
	invErr  error
}

func (f *fakeCache) Warmup(context.Context) []cache.WarmupResult { return f.results }
func (f *fakeCache) Invalidate(context.Context) error            { return f.invErr }
func (f *fakeCache) Entries(context.Context) ([]cache.Entry, error) {
	return []cache.Entry{{Model: "gemini-2.5-flash", Handle: "cachedContents/1", TTL: time.Hour}}, nil
}

func TestAdminCacheRoutes(t *testing.T) {
	t.Parallel()

	fc := &fakeCache{results: []cache.WarmupResult{
		{Model: "gemini-2.5-flash", Handle: "cachedContents/1", Responders: []responder.ID{responder.Math}},
		{Model: "gemini-2.5-pro", Err: errors.New("quota")},
	}}
	r := chi.NewRouter()
	NewAdminHandler(fc, "s3cret", nil).RegisterRoutes(r)
	admin := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := admin(http.MethodPost, "/api/admin/cache/warmup")
	if w.Code != http.StatusOK {
		t.Fatalf("warmup status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"error":"quota"`) {
		t.Errorf("per-model failure not reported: %s", w.Body.String())
	}

	fc.invErr = errors.New("backend down")
	if w := admin(http.MethodPost, "/api/admin/cache/invalidate"); w.Code != http.StatusBadGateway {
		t.Errorf("invalidate status = %d", w.Code)
	}
	if w := admin(http.MethodGet, "/api/admin/cache/"); w.Code != http.StatusOK {
		t.Errorf("entries status = %d", w.Code)
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	t.Parallel()

	fc := &fakeCache{}
	r := chi.NewRouter()
	NewAdminHandler(fc, "s3cret", nil).RegisterRoutes(r)

	for _, auth := range []string{"", "Bearer wrong", "s3cret"} {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/cache/invalidate", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: status = %d, want 401", auth, w.Code)
		}
	}

	disabled := chi.NewRouter()
	NewAdminHandler(fc, "", nil).RegisterRoutes(disabled)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/cache/warmup", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	disabled.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("disabled admin: status = %d, want 403", w.Code)
	}
}

func TestHealthDegradesOnOptionalDependency(t *testing.T) {
	t.Parallel()

	ok := CheckerFunc(func(context.Context) error { return nil })
	down := CheckerFunc(func(context.Context) error { return errors.New("unreachable") })

	w := httptest.NewRecorder()
	NewHealthHandler(ok, map[string]Checker{"speech": down}, time.Second).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"degraded"`) {
		t.Errorf("optional failure: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	NewHealthHandler(down, nil, time.Second).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("database failure status = %d", w.Code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 2, time.Minute)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("ada") || !rl.Allow("ada") {
		t.Fatal("first two requests must pass")
	}
	if rl.Allow("ada") {
		t.Error("third request in window must be rejected")
	}
	if !rl.Allow("bob") {
		t.Error("limits are per learner")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("ada") {
		t.Error("request after the window must pass")
	}
	rl.evict()
	if _, ok := rl.requests["bob"]; ok {
		t.Error("expired key not evicted")
	}
}
