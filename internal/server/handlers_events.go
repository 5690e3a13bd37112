package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
)

// HandleEvents handles GET /api/events (SSE). Each client receives only
// finalization events for its own sessions.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"event stream not available (LISTEN/NOTIFY not configured)")
		return
	}

	userID := ctxutil.UserIDFromContext(r.Context())
	if userID == uuid.Nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing credentials")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout (default 30s).
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(userID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
