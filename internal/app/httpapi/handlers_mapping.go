package httpapi

import (
	"net/http"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	domainmapping "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/mapping"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/mapping"
)

type mappingHandlers struct {
	svc *mapping.Service
}

var actionCreateMapping = auth.Action{Name: "create_mapping", ServiceOwnerAllowed: true}
var actionReadMapping = auth.Action{Name: "read_mapping", ServiceOwnerAllowed: true}
var actionUpdateMapping = auth.Action{Name: "update_mapping", ServiceOwnerAllowed: true}
var actionDeleteMapping = auth.Action{Name: "delete_mapping", ServiceOwnerAllowed: true}

type mappingRequest struct {
	SourceServiceIDs []string `json:"source_service_ids"`
	DestServiceIDs   []string `json:"dest_service_ids"`
	AllowedProtocols []string `json:"allowed_protocols"`
	Ports            []int    `json:"ports"`
	AuthRequired     bool     `json:"auth_required"`
	Version          int      `json:"version,omitempty"`
}

func (req mappingRequest) toDomain(clusterID, id string) domainmapping.Mapping {
	return domainmapping.Mapping{
		ID:               id,
		ClusterID:        clusterID,
		SourceServiceIDs: req.SourceServiceIDs,
		DestServiceIDs:   req.DestServiceIDs,
		AllowedProtocols: req.AllowedProtocols,
		Ports:            req.Ports,
		AuthRequired:     req.AuthRequired,
	}
}

func (h mappingHandlers) create(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionCreateMapping) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	var req mappingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.Create(r.Context(), claims.UserID, req.toDomain(clusterID, ""))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h mappingHandlers) list(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionReadMapping) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	mappings, err := h.svc.List(r.Context(), clusterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (h mappingHandlers) get(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionReadMapping) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	m, err := h.svc.Get(r.Context(), clusterID, pathVar(r, "mid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h mappingHandlers) update(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionUpdateMapping) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	var req mappingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.svc.Update(r.Context(), claims.UserID, req.toDomain(clusterID, pathVar(r, "mid")), req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h mappingHandlers) delete(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionDeleteMapping) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	if err := h.svc.Delete(r.Context(), claims.UserID, clusterID, pathVar(r, "mid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
