package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/tutorflow/internal/identity"
	"github.com/ashureev/tutorflow/internal/tutor"
)

const wsWriteTimeout = 10 * time.Second

// wsEvent is a server-to-client WebSocket message.
type wsEvent struct {
	Type     string              `json:"type"`
	Sentence string              `json:"sentence,omitempty"`
	Audio    []byte              `json:"audio,omitempty"`
	Turn     *tutor.TurnResponse `json:"turn,omitempty"`
	Error    string              `json:"error,omitempty"`
	Status   int                 `json:"status,omitempty"`
}

const (
	wsEventFirstAudio = "first_audio"
	wsEventTurn       = "turn"
	wsEventError      = "error"
)

// ServeWS handles GET /ws/turn. Each client message is a turn; the server
// pushes first_audio as soon as the opening sentence is voiced, then turn.
// A new message supersedes the turn still in flight for the same session.
func (h *TutorHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "learner_id", learnerID, "ip", r.RemoteAddr)

	patterns := h.allowOrigin
	if len(patterns) == 0 || (len(patterns) == 1 && patterns[0] == "*") {
		patterns = []string{"*"}
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "learner_id", learnerID)
		return
	}
	ws.SetReadLimit(h.maxBodySize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "learner_id", learnerID)
		}
	}()

	// In-flight turns are cancelled, then awaited, before the socket closes.
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed by client", "learner_id", learnerID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "learner_id", learnerID)
			}
			return
		}

		var req tutor.TurnRequest
		if err := json.Unmarshal(message, &req); err != nil {
			h.writeEvent(ctx, ws, wsEvent{Type: wsEventError, Error: "invalid message", Status: http.StatusBadRequest})
			continue
		}
		if err := fillIdentity(r, &req.LearnerID, &req.SessionID); err != nil {
			h.writeEvent(ctx, ws, wsEvent{Type: wsEventError, Error: err.Error(), Status: http.StatusForbidden})
			continue
		}
		if h.limiter != nil && !h.limiter.Allow(req.LearnerID) {
			h.writeEvent(ctx, ws, wsEvent{Type: wsEventError, Error: "rate limit exceeded", Status: http.StatusTooManyRequests})
			continue
		}

		req.OnFirstAudio = func(sentence string, audio []byte) {
			h.writeEvent(ctx, ws, wsEvent{Type: wsEventFirstAudio, Sentence: sentence, Audio: audio})
		}
		wg.Add(1)
		go func(req tutor.TurnRequest) {
			defer wg.Done()
			resp, err := h.tutor.HandleTurn(ctx, req)
			if err != nil {
				status, msg := statusFor(err)
				if status >= http.StatusInternalServerError {
					h.logger.Error("Tutor turn failed", "learner_id", req.LearnerID, "session_id", req.SessionID, "error", err)
				}
				h.writeEvent(ctx, ws, wsEvent{Type: wsEventError, Error: msg, Status: status})
				return
			}
			h.writeEvent(ctx, ws, wsEvent{Type: wsEventTurn, Turn: resp})
		}(req)
	}
}

func (h *TutorHandler) writeEvent(ctx context.Context, ws *websocket.Conn, ev wsEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to marshal websocket event", "type", ev.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil && ctx.Err() == nil {
		h.logger.Debug("WebSocket write error", "type", ev.Type, "error", err)
	}
}
