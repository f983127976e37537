package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tutorflow/internal/cache"
	"github.com/ashureev/tutorflow/internal/responder"
)

// CacheAdmin manages the responder instruction caches.
type CacheAdmin interface {
	Warmup(ctx context.Context) []cache.WarmupResult
	Invalidate(ctx context.Context) error
	Entries(ctx context.Context) ([]cache.Entry, error)
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	cache  CacheAdmin
	token  string
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler. Requests must carry token as a
// bearer credential; an empty token disables the admin routes.
func NewAdminHandler(c CacheAdmin, token string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{cache: c, token: token, logger: logger}
}

// RegisterRoutes registers the admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/admin/cache", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/", h.ListEntries)
		r.Post("/warmup", h.Warmup)
		r.Post("/invalidate", h.Invalidate)
	})
}

func (h *AdminHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			Error(w, http.StatusForbidden, "admin routes are disabled")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			h.logger.Warn("Rejected admin request", "path", r.URL.Path, "ip", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Bearer realm="tutorflow-admin"`)
			Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type warmupStatus struct {
	Model      string         `json:"model"`
	Handle     string         `json:"handle,omitempty"`
	Responders []responder.ID `json:"responders"`
	Error      string         `json:"error,omitempty"`
}

// Warmup handles POST /api/admin/cache/warmup.
func (h *AdminHandler) Warmup(w http.ResponseWriter, r *http.Request) {
	results := h.cache.Warmup(r.Context())
	out := make([]warmupStatus, 0, len(results))
	failed := 0
	for _, res := range results {
		s := warmupStatus{Model: res.Model, Handle: res.Handle, Responders: res.Responders}
		if res.Err != nil {
			s.Error = res.Err.Error()
			failed++
		}
		out = append(out, s)
	}
	h.logger.Info("Cache warmup requested", "models", len(results), "failed", failed)
	status := http.StatusOK
	if failed > 0 && failed == len(results) {
		status = http.StatusBadGateway
	}
	JSON(w, status, map[string]any{"results": out})
}

// Invalidate handles POST /api/admin/cache/invalidate.
func (h *AdminHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.logger.Error("Cache invalidation failed", "error", err)
		Error(w, http.StatusBadGateway, "cache invalidation failed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// ListEntries handles GET /api/admin/cache.
func (h *AdminHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.cache.Entries(r.Context())
	if err != nil {
		h.logger.Error("Listing cache entries failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"entries": entries})
}
