package httpapi

import (
	"net/http"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	domainuser "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/user"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/user"
)

type userHandlers struct {
	svc *user.Service
}

var actionManageUsers = auth.Action{Name: "manage_users", ServiceOwnerAllowed: false}

type createUserRequest struct {
	Login    string                      `json:"login"`
	Password string                      `json:"password"`
	Roles    []domainuser.RoleAssignment `json:"roles"`
}

func (h userHandlers) create(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok || auth.Authorize(claims, "", actionManageUsers) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.svc.Create(r.Context(), claims.UserID, req.Login, req.Password, req.Roles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h userHandlers) list(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok || auth.Authorize(claims, "", actionManageUsers) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	users, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h userHandlers) get(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok || auth.Authorize(claims, "", actionManageUsers) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	u, err := h.svc.Get(r.Context(), pathVar(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type setRolesRequest struct {
	Roles []domainuser.RoleAssignment `json:"roles"`
}

func (h userHandlers) setRoles(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok || auth.Authorize(claims, "", actionManageUsers) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	var req setRolesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.svc.SetRoles(r.Context(), claims.UserID, pathVar(r, "id"), req.Roles)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h userHandlers) setLocked(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFromContext(r.Context())
		if !ok || auth.Authorize(claims, "", actionManageUsers) != nil {
			writeError(w, apperrors.Forbidden("administrator role required"))
			return
		}
		u, err := h.svc.SetLocked(r.Context(), claims.UserID, pathVar(r, "id"), locked)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func (h userHandlers) delete(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok || auth.Authorize(claims, "", actionManageUsers) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	if err := h.svc.Delete(r.Context(), claims.UserID, pathVar(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
