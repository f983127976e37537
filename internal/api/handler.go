// Package api provides the HTTP and WebSocket surface of the tutor.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/tutorflow/internal/pipeline"
	"github.com/ashureev/tutorflow/internal/store"
	"github.com/ashureev/tutorflow/internal/tutor"
)

// defaultMaxRequestBodySize is used when no body cap is configured (16MB,
// enough for a short audio or image payload in base64).
const defaultMaxRequestBodySize = 16 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps a tutor error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, tutor.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, tutor.ErrSuperseded):
		return http.StatusConflict, "superseded by a newer turn"
	case errors.Is(err, tutor.ErrSessionEnded):
		return http.StatusConflict, "session ended"
	case errors.Is(err, pipeline.ErrAllTiersFailed):
		return http.StatusBadGateway, "the tutor is unavailable, please try again"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "the tutor took too long to answer"
	}
	return http.StatusInternalServerError, "internal error"
}

// decodeBody reads a JSON body of at most limit bytes into v. It writes the
// error response itself and reports whether decoding succeeded.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	if limit <= 0 {
		limit = defaultMaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
