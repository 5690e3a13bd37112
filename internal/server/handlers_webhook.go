package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// HandleTranscriptWebhook handles POST /webhooks/session-transcript, the
// agent's end-of-session delivery. When a webhook secret is configured the
// raw body must carry a valid HMAC signature; JWT auth never applies here.
func (h *Handlers) HandleTranscriptWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if h.webhookSecret != "" {
		sig := r.Header.Get(auth.WebhookSignatureHeader)
		if !auth.VerifyWebhook(h.webhookSecret, body, sig) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid webhook signature")
			return
		}
	}

	var hook model.TranscriptWebhook
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&hook); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if hook.RoomName == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "room_name is required")
		return
	}
	if len(hook.RoomName) > model.MaxRoomNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "room_name too long")
		return
	}
	if len(hook.Transcript) > model.MaxTranscriptLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "transcript too long")
		return
	}
	if hook.DurationSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "duration_seconds must not be negative")
		return
	}

	outcome, err := h.sessions.CompleteFromWebhook(r.Context(), hook)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no session for room")
			return
		}
		h.writeInternalError(w, r, "session finalization failed", err)
		return
	}

	if !outcome.AlreadyProcessed && len(h.sessionHooks) > 0 {
		h.fireSessionHooks(hook.RoomName, outcome.SessionID)
	}

	message := "session processed"
	if outcome.AlreadyProcessed {
		message = "already processed"
	}
	writeJSON(w, r, http.StatusOK, model.WebhookResult{Status: "success", Message: message})
}

// fireSessionHooks re-reads the finalized session and delivers it to every
// registered hook. The re-read resolves by room name; if a resumption has
// already replaced the row as the newest for that room, the ID check skips
// delivery rather than hand hooks the wrong session.
func (h *Handlers) fireSessionHooks(roomName string, sessionID uuid.UUID) {
	hooks := h.sessionHooks
	logger := h.logger
	db := h.db
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		session, err := db.GetSessionByRoomName(ctx, roomName)
		if err != nil {
			logger.Warn("session hook lookup failed", "session_id", sessionID, "error", err)
			return
		}
		if session.ID != sessionID {
			return
		}
		for _, hk := range hooks {
			if err := hk.OnSessionFinalized(ctx, session); err != nil {
				logger.Warn("session hook failed", "session_id", sessionID, "error", err)
			}
		}
	}()
}
