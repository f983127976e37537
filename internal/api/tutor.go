package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/identity"
	"github.com/ashureev/tutorflow/internal/tutor"
)

// Tutor is the orchestration the handlers expose.
type Tutor interface {
	HandleTurn(ctx context.Context, req tutor.TurnRequest) (*tutor.TurnResponse, error)
	StartSession(ctx context.Context, req tutor.StartRequest) (*domain.Session, error)
	EndSession(ctx context.Context, learnerID, sessionID string) error
}

// Profiles reads learner profiles.
type Profiles interface {
	Get(ctx context.Context, learnerID string) (*domain.LearnerProfile, error)
}

// TutorHandler serves turns, sessions and profiles.
type TutorHandler struct {
	tutor       Tutor
	profiles    Profiles
	limiter     *RateLimiter
	maxBodySize int64
	allowOrigin []string
	logger      *slog.Logger
}

// TutorHandlerConfig configures a TutorHandler.
type TutorHandlerConfig struct {
	Limiter     *RateLimiter
	MaxBodySize int64
	// OriginPatterns are accepted WebSocket origins; empty accepts any.
	OriginPatterns []string
	Logger         *slog.Logger
}

// NewTutorHandler creates a TutorHandler.
func NewTutorHandler(t Tutor, profiles Profiles, cfg TutorHandlerConfig) *TutorHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxRequestBodySize
	}
	return &TutorHandler{
		tutor:       t,
		profiles:    profiles,
		limiter:     cfg.Limiter,
		maxBodySize: cfg.MaxBodySize,
		allowOrigin: cfg.OriginPatterns,
		logger:      cfg.Logger,
	}
}

// RegisterRoutes registers the tutor routes.
func (h *TutorHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tutor", func(r chi.Router) {
		r.Post("/turn", h.HandleTurn)
		r.Post("/sessions", h.StartSession)
		r.Delete("/sessions/{sessionID}", h.EndSession)
	})
	r.Get("/api/learners/{learnerID}/profile", h.GetProfile)
	r.Get("/ws/turn", h.ServeWS)
}

// fillIdentity binds the request to the caller's learner identity. A body
// learner ID that disagrees is rejected. The session defaults to the caller's
// session header; ownership of a named session is checked by the tutor.
func fillIdentity(r *http.Request, learnerID, sessionID *string) error {
	caller := identity.LearnerIDFromContext(r.Context())
	if body := strings.TrimSpace(*learnerID); body != "" && body != caller {
		return &tutor.ValidationError{Field: "learnerId", Reason: "does not match the caller"}
	}
	*learnerID = caller
	if strings.TrimSpace(*sessionID) == "" {
		*sessionID = identity.SessionIDFromContext(r.Context())
	}
	return nil
}

func (h *TutorHandler) allow(w http.ResponseWriter, learnerID string) bool {
	if h.limiter == nil || h.limiter.Allow(learnerID) {
		return true
	}
	Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// HandleTurn handles POST /api/tutor/turn.
func (h *TutorHandler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	var req tutor.TurnRequest
	if !decodeBody(w, r, h.maxBodySize, &req) {
		return
	}
	if err := fillIdentity(r, &req.LearnerID, &req.SessionID); err != nil {
		Error(w, http.StatusForbidden, err.Error())
		return
	}
	if !h.allow(w, req.LearnerID) {
		return
	}

	h.logger.Info("Tutor turn request",
		"learner_id", req.LearnerID,
		"session_id", req.SessionID,
		"lesson_id", req.LessonID,
		"type", req.Type,
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	resp, err := h.tutor.HandleTurn(r.Context(), req)
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Tutor turn failed", "learner_id", req.LearnerID, "session_id", req.SessionID, "error", err)
		}
		Error(w, status, msg)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// StartSession handles POST /api/tutor/sessions.
func (h *TutorHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req tutor.StartRequest
	if !decodeBody(w, r, h.maxBodySize, &req) {
		return
	}
	if err := fillIdentity(r, &req.LearnerID, &req.SessionID); err != nil {
		Error(w, http.StatusForbidden, err.Error())
		return
	}

	sess, err := h.tutor.StartSession(r.Context(), req)
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Start session failed", "learner_id", req.LearnerID, "session_id", req.SessionID, "error", err)
		}
		Error(w, status, msg)
		return
	}
	JSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.SessionID,
		"learnerId": sess.LearnerID,
		"lessonId":  sess.LessonID,
		"startedAt": sess.StartedAt,
	})
}

// EndSession handles DELETE /api/tutor/sessions/{sessionID}.
func (h *TutorHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.tutor.EndSession(r.Context(), identity.LearnerIDFromContext(r.Context()), sessionID); err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("End session failed", "session_id", sessionID, "error", err)
		}
		Error(w, status, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetProfile handles GET /api/learners/{learnerID}/profile. Learners may
// only read their own profile.
func (h *TutorHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	learnerID := chi.URLParam(r, "learnerID")
	if caller := identity.LearnerIDFromContext(r.Context()); caller != "" && caller != learnerID {
		Error(w, http.StatusForbidden, "forbidden")
		return
	}
	p, err := h.profiles.Get(r.Context(), learnerID)
	if err != nil {
		status, msg := statusFor(err)
		Error(w, status, msg)
		return
	}
	JSON(w, http.StatusOK, p)
}
