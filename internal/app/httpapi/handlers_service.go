package httpapi

import (
	"net/http"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	svcdomain "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/service"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/svc"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

type serviceHandlers struct {
	svc      *svc.Service
	mappings storage.MappingStore
}

var actionCreateService = auth.Action{Name: "create_service", ServiceOwnerAllowed: true}
var actionReadService = auth.Action{Name: "read_service", ServiceOwnerAllowed: true}
var actionUpdateService = auth.Action{Name: "update_service", ServiceOwnerAllowed: true}
var actionDeleteService = auth.Action{Name: "delete_service", ServiceOwnerAllowed: true}

type serviceRequest struct {
	Name          string                        `json:"name"`
	Address       string                        `json:"address"`
	Ports         svcdomain.Ports               `json:"ports"`
	Protocol      svcdomain.Protocol            `json:"protocol"`
	AuthMode      svcdomain.AuthMode            `json:"auth_mode"`
	LoadBalancing *svcdomain.LoadBalancingPolicy `json:"load_balancing"`
	RateLimit     *svcdomain.RateLimitPolicy     `json:"rate_limit"`
	Version       int                           `json:"version,omitempty"`
}

func (req serviceRequest) toDomain(clusterID, id string) svcdomain.Service {
	return svcdomain.Service{
		ID:            id,
		ClusterID:     clusterID,
		Name:          req.Name,
		Address:       req.Address,
		Ports:         req.Ports,
		Protocol:      req.Protocol,
		AuthMode:      req.AuthMode,
		LoadBalancing: req.LoadBalancing,
		RateLimit:     req.RateLimit,
	}
}

func (h serviceHandlers) create(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionCreateService) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	var req serviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.svc.Create(r.Context(), claims.UserID, req.toDomain(clusterID, ""))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h serviceHandlers) list(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionReadService) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	services, err := h.svc.List(r.Context(), clusterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h serviceHandlers) get(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionReadService) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	s, err := h.svc.Get(r.Context(), clusterID, pathVar(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h serviceHandlers) update(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionUpdateService) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	var req serviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.svc.Update(r.Context(), claims.UserID, req.toDomain(clusterID, pathVar(r, "sid")), req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h serviceHandlers) delete(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionDeleteService) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := h.svc.Delete(r.Context(), claims.UserID, clusterID, pathVar(r, "sid"), cascade, h.mappings); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
