package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/service/sessions"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// Idempotency endpoint identifiers for session mutations.
const (
	createSessionEndpoint = "POST:/api/create-session"
	resumeSessionEndpoint = "POST:/api/resume-session"
)

// HandleCreateSession handles POST /api/create-session.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	// The request has no body; the idempotency hash covers only the key and
	// endpoint, so any retry with the same key replays.
	idem, proceed := h.beginIdempotentWrite(w, r, user.ID, createSessionEndpoint, struct{}{})
	if !proceed {
		return
	}

	resp, err := h.sessions.Create(r.Context(), user)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		var provErr *sessions.ProvisioningError
		if errors.As(err, &provErr) {
			h.writeInternalError(w, r, "room provisioning failed", err)
			return
		}
		h.writeInternalError(w, r, "session creation failed", err)
		return
	}

	h.completeIdempotentWriteBestEffort(r, idem, http.StatusOK, resp)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleResumeSession handles POST /api/resume-session.
func (h *Handlers) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req model.ResumeSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.SessionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id is required")
		return
	}

	idem, proceed := h.beginIdempotentWrite(w, r, user.ID, resumeSessionEndpoint, req)
	if !proceed {
		return
	}

	resp, err := h.sessions.Resume(r.Context(), user, req.SessionID)
	if err != nil {
		h.clearIdempotentWrite(r, idem)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		default:
			var provErr *sessions.ProvisioningError
			if errors.As(err, &provErr) {
				h.writeInternalError(w, r, "room provisioning failed", err)
				return
			}
			h.writeInternalError(w, r, "session resume failed", err)
		}
		return
	}

	h.completeIdempotentWriteBestEffort(r, idem, http.StatusOK, resp)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleDeleteSession handles DELETE /api/delete-session.
func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())

	var req model.DeleteSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.SessionID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "session_id is required")
		return
	}

	if err := h.sessions.Delete(r.Context(), userID, req.SessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "session deletion failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleUserSessions handles GET /api/user-sessions.
func (h *Handlers) HandleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0) // 0 = service default

	result, err := h.sessions.ListByMonth(r.Context(), userID, page, pageSize)
	if err != nil {
		h.writeInternalError(w, r, "session listing failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleSessionDetail handles GET /api/sessions/{session_id}.
func (h *Handlers) HandleSessionDetail(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())

	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	session, err := h.sessions.Detail(r.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "session lookup failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, session)
}

// HandleRelatedSessions handles GET /api/sessions/{session_id}/related.
func (h *Handlers) HandleRelatedSessions(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())

	sessionID, err := parseSessionID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	limit := queryLimit(r, 5)

	related, err := h.sessions.Related(r.Context(), userID, sessionID, limit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "related session lookup failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, related)
}

// HandleProgress handles GET /api/analytics/progress.
func (h *Handlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())

	insights, err := h.sessions.Insights(r.Context(), userID)
	if err != nil {
		h.writeInternalError(w, r, "progress insights failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, insights)
}

// requireUser loads the full user row behind the access claims. Session
// provisioning embeds the user's display name in room metadata, so the
// current row is read rather than trusting possibly stale claims. The bool
// is false when an error response has already been written.
func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (model.User, bool) {
	userID := ctxutil.UserIDFromContext(r.Context())
	if userID == uuid.Nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing credentials")
		return model.User{}, false
	}

	user, err := h.accounts.Me(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "account no longer exists")
			return model.User{}, false
		}
		h.writeInternalError(w, r, "user lookup failed", err)
		return model.User{}, false
	}
	return user, true
}
