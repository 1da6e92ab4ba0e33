package httpapi

import (
	"net/http"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
)

type authHandlers struct {
	authMgr *auth.Manager
}

type loginRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	TOTPCode   string `json:"totp_code,omitempty"`
	SourceAddr string `json:"-"`
}

type sessionResponse struct {
	AccessToken      string `json:"access_token"`
	AccessExpiresAt  string `json:"access_expires_at"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresAt string `json:"refresh_expires_at"`
}

func sessionToResponse(s auth.Session) sessionResponse {
	return sessionResponse{
		AccessToken:      s.AccessToken,
		AccessExpiresAt:  s.AccessExpiresAt.Format(http.TimeFormat),
		RefreshToken:     s.RefreshToken,
		RefreshExpiresAt: s.RefreshExpiresAt.Format(http.TimeFormat),
	}
}

func (h authHandlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	session, err := h.authMgr.Login(r.Context(), req.Login, req.Password, req.TOTPCode, r.RemoteAddr)
	if err != nil {
		writeError(w, mapAuthError(err))
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(session))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h authHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, apperrors.Validation("refresh_token", "required"))
		return
	}
	session, err := h.authMgr.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, mapAuthError(err))
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(session))
}

func (h authHandlers) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.authMgr.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, apperrors.Internal("logout", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
