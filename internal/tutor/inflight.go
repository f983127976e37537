package tutor

import (
	"context"
	"sync"
)

type turnSlot struct {
	seq    uint64
	cancel context.CancelCauseFunc
}

// inflight tracks the turn currently being answered for each session.
type inflight struct {
	mu    sync.Mutex
	seq   uint64
	turns map[string]turnSlot
}

func newInflight() *inflight {
	return &inflight{turns: make(map[string]turnSlot)}
}

// begin registers a new turn for sessionID, cancelling the prior one with
// ErrSuperseded. The returned func must be called when the turn finishes.
func (f *inflight) begin(parent context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)

	f.mu.Lock()
	f.seq++
	seq := f.seq
	if prev, ok := f.turns[sessionID]; ok {
		prev.cancel(ErrSuperseded)
	}
	f.turns[sessionID] = turnSlot{seq: seq, cancel: cancel}
	f.mu.Unlock()

	return ctx, func() {
		f.mu.Lock()
		if cur, ok := f.turns[sessionID]; ok && cur.seq == seq {
			delete(f.turns, sessionID)
		}
		f.mu.Unlock()
		cancel(nil)
	}
}

// cancel stops the session's in-flight turn, if any.
func (f *inflight) cancel(sessionID string, cause error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.turns[sessionID]
	if !ok {
		return false
	}
	cur.cancel(cause)
	delete(f.turns, sessionID)
	return true
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}
