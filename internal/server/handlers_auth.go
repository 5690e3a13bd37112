package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/kokoro/internal/ctxutil"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/service/accounts"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// HandleSignup handles POST /auth/signup.
func (h *Handlers) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req model.SignupRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if len(req.Email) > model.MaxEmailLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "email too long")
		return
	}
	if req.Name != nil && len(*req.Name) > model.MaxNameLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name too long")
		return
	}

	user, err := h.accounts.Signup(r.Context(), accounts.SignupInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		switch {
		case errors.Is(err, accounts.ErrInvalidEmail), errors.Is(err, accounts.ErrWeakPassword):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, storage.ErrEmailTaken):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "email already registered")
		default:
			h.writeInternalError(w, r, "signup failed", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, model.SignupResponse{UserID: user.ID})
}

// HandleSignin handles POST /auth/signin.
func (h *Handlers) HandleSignin(w http.ResponseWriter, r *http.Request) {
	var req model.SigninRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	pair, err := h.accounts.Signin(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid email or password")
			return
		}
		h.writeInternalError(w, r, "signin failed", err)
		return
	}

	setAuthCookies(w, pair)
	writeJSON(w, r, http.StatusOK, authTokens(pair))
}

// HandleRefresh handles POST /auth/refresh. The refresh token comes from the
// request body or, for browser clients, the refresh cookie.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.refreshTokenFromRequest(w, r)
	if !ok {
		return
	}
	if raw == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing refresh token")
		return
	}

	pair, err := h.accounts.Refresh(r.Context(), raw)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidRefresh) {
			// Reuse of a rotated token revokes the whole family server-side;
			// stale cookies are cleared so the browser starts clean.
			clearAuthCookies(w)
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid or expired refresh token")
			return
		}
		h.writeInternalError(w, r, "token refresh failed", err)
		return
	}

	setAuthCookies(w, pair)
	writeJSON(w, r, http.StatusOK, authTokens(pair))
}

// HandleSignout handles POST /auth/signout. Revokes the refresh token and
// clears both cookies. Unknown or already-revoked tokens still sign out.
func (h *Handlers) HandleSignout(w http.ResponseWriter, r *http.Request) {
	raw, ok := h.refreshTokenFromRequest(w, r)
	if !ok {
		return
	}

	if raw != "" {
		if err := h.accounts.Signout(r.Context(), raw); err != nil {
			h.writeInternalError(w, r, "signout failed", err)
			return
		}
	}

	clearAuthCookies(w)
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "signed out"})
}

// HandleMe handles GET /auth/me.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID := ctxutil.UserIDFromContext(r.Context())
	if userID == uuid.Nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "missing credentials")
		return
	}

	user, err := h.accounts.Me(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "user not found")
			return
		}
		h.writeInternalError(w, r, "profile lookup failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, user)
}

// refreshTokenFromRequest extracts the refresh token from the JSON body or
// the refresh cookie. An empty body is fine; a malformed one is not. The
// bool is false when an error response has already been written.
func (h *Handlers) refreshTokenFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req model.RefreshRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return "", false
	}
	if req.RefreshToken != "" {
		return req.RefreshToken, true
	}
	if c, err := r.Cookie(refreshCookieName); err == nil {
		return c.Value, true
	}
	return "", true
}

// authTokens converts a service token pair into the response body shape.
func authTokens(pair accounts.TokenPair) model.AuthTokens {
	return model.AuthTokens{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExpiresAt,
		User:         pair.User,
	}
}

// setAuthCookies mirrors the issued pair into HTTP-only cookies.
func setAuthCookies(w http.ResponseWriter, pair accounts.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		Expires:  pair.AccessExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearAuthCookies expires both auth cookies.
func clearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
