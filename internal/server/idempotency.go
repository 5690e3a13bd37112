package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// Session mutations honor an optional Idempotency-Key header. The flow is
// reserve (beginIdempotentWrite), run the mutation, then record the response
// (completeIdempotentWrite) so an identical retry replays it byte for byte.
// A mutation that failed before committing clears its reservation instead,
// freeing the key for the client's retry.

const (
	idempotencyFinalizeTimeout  = 10 * time.Second
	idempotencyFinalizeAttempts = 3
)

// idempotencyHandle identifies one reserved key while its mutation runs.
type idempotencyHandle struct {
	key      string
	endpoint string
	userID   uuid.UUID
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// requestHash fingerprints the mutation payload, so reuse of a key with a
// different body is detectable.
func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite resolves the request's idempotency key: absent keys
// pass through, completed keys replay the stored response, fresh keys are
// reserved. The bool reports whether the caller should run the mutation; when
// it is false the response has already been written.
func (h *Handlers) beginIdempotentWrite(
	w http.ResponseWriter,
	r *http.Request,
	userID uuid.UUID,
	endpoint string,
	payload any,
) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	lookup, err := h.db.BeginIdempotency(r.Context(), userID, endpoint, key, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			h.replayIdempotentResponse(w, r, lookup)
			return nil, false
		}
		return &idempotencyHandle{key: key, endpoint: endpoint, userID: userID}, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.writeInternalError(w, r, "idempotency lookup failed", err)
		return nil, false
	}
}

// replayIdempotentResponse writes the stored response of a completed key.
func (h *Handlers) replayIdempotentResponse(w http.ResponseWriter, r *http.Request, lookup storage.IdempotencyLookup) {
	var replay any
	if len(lookup.ResponseData) > 0 {
		if err := json.Unmarshal(lookup.ResponseData, &replay); err != nil {
			h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", err)
			return
		}
	}
	status := lookup.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, r, status, replay)
}

// completeIdempotentWrite stores the mutation's response under the reserved
// key. It runs on its own deadline, not the request's: the mutation already
// committed, and losing the record here would leave the key stuck in
// progress until cleanup.
func (h *Handlers) completeIdempotentWrite(
	r *http.Request,
	idem *idempotencyHandle,
	statusCode int,
	data any,
) error {
	if idem == nil {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), idempotencyFinalizeTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= idempotencyFinalizeAttempts; attempt++ {
		lastErr = h.db.CompleteIdempotency(writeCtx, idem.userID, idem.endpoint, idem.key, statusCode, data)
		if lastErr == nil {
			return nil
		}
		h.logger.Warn("idempotency finalize attempt failed",
			"attempt", attempt,
			"error", lastErr,
			"endpoint", idem.endpoint,
			"user_id", idem.userID,
		)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("idempotency finalize context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("failed to complete idempotency record after retries: %w", lastErr)
}

// completeIdempotentWriteBestEffort is completeIdempotentWrite for response
// paths that must not fail after the mutation committed; errors are logged.
func (h *Handlers) completeIdempotentWriteBestEffort(
	r *http.Request,
	idem *idempotencyHandle,
	statusCode int,
	data any,
) {
	if err := h.completeIdempotentWrite(r, idem, statusCode, data); err != nil {
		h.logger.Error("failed to finalize idempotency record after committed mutation",
			"error", err,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
	}
}

// clearIdempotentWrite releases a reservation whose mutation failed before
// committing, so the client's retry is not locked out for the cleanup TTL.
func (h *Handlers) clearIdempotentWrite(r *http.Request, idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(r.Context(), idem.userID, idem.endpoint, idem.key); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err,
			"endpoint", idem.endpoint,
			"user_id", idem.userID,
		)
	}
}
