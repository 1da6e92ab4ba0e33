package httpapi

import (
	"net/http"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	domaincluster "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/cluster"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/cluster"
)

type clusterHandlers struct {
	svc *cluster.Service
}

var actionCreateCluster = auth.Action{Name: "create_cluster", ServiceOwnerAllowed: false}
var actionReadCluster = auth.Action{Name: "read_cluster", ServiceOwnerAllowed: true}
var actionRotateClusterKey = auth.Action{Name: "rotate_cluster_key", ServiceOwnerAllowed: false}
var actionDeleteCluster = auth.Action{Name: "delete_cluster", ServiceOwnerAllowed: false}

type createClusterRequest struct {
	Name string              `json:"name"`
	Tier domaincluster.Tier  `json:"tier"`
}

type clusterResponse struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Tier    domaincluster.Tier `json:"tier"`
	Version int                `json:"version"`
}

func clusterToResponse(c domaincluster.Cluster) clusterResponse {
	return clusterResponse{ID: c.ID, Name: c.Name, Tier: c.Tier, Version: c.Version}
}

func (h clusterHandlers) create(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, apperrors.Forbidden("missing claims"))
		return
	}
	if err := auth.Authorize(claims, "", actionCreateCluster); err != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	var req createClusterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, apiKey, err := h.svc.Create(r.Context(), claims.UserID, req.Name, req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		clusterResponse
		APIKey string `json:"api_key"`
	}{clusterToResponse(c), apiKey})
}

func (h clusterHandlers) list(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]clusterResponse, 0, len(clusters))
	for _, c := range clusters {
		resp = append(resp, clusterToResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h clusterHandlers) get(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	id := pathVar(r, "id")
	if !ok || auth.Authorize(claims, id, actionReadCluster) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	c, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clusterToResponse(c))
}

func (h clusterHandlers) rotateKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	id := pathVar(r, "id")
	if !ok || auth.Authorize(claims, id, actionRotateClusterKey) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	apiKey, err := h.svc.RotateAPIKey(r.Context(), claims.UserID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (h clusterHandlers) delete(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	id := pathVar(r, "id")
	if !ok || auth.Authorize(claims, id, actionDeleteCluster) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	if err := h.svc.Delete(r.Context(), claims.UserID, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
