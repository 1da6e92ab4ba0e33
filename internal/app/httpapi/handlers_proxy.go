package httpapi

import (
	"net/http"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	domainproxy "github.com/penguintechinc/marchproxy-sub000/internal/app/domain/proxy"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/services/proxy"
)

type proxyHandlers struct {
	svc *proxy.Service
}

var actionReadProxy = auth.Action{Name: "read_proxy", ServiceOwnerAllowed: true}
var actionRevokeProxy = auth.Action{Name: "revoke_proxy", ServiceOwnerAllowed: false}

type registerRequest struct {
	APIKey          string             `json:"api_key"`
	DeclaredType    domainproxy.Type   `json:"declared_type"`
	Capabilities    []string           `json:"capabilities,omitempty"`
	SoftwareVersion string             `json:"software_version"`
}

type registerResponse struct {
	ProxyID       string `json:"proxy_id"`
	BearerToken   string `json:"bearer_token"`
	ClientCertPEM string `json:"client_cert_pem"`
	ClientKeyPEM  string `json:"client_key_pem"`
}

func (h proxyHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reg, err := h.svc.Register(r.Context(), req.APIKey, req.DeclaredType, req.Capabilities, req.SoftwareVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{
		ProxyID:       reg.Record.ID,
		BearerToken:   reg.BearerToken,
		ClientCertPEM: reg.ClientCertPEM,
		ClientKeyPEM:  string(reg.ClientKeyPEM),
	})
}

type heartbeatRequest struct {
	Token   string             `json:"token"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func (h proxyHandlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := h.svc.Heartbeat(r.Context(), req.Token, req.Metrics); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h proxyHandlers) list(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionReadProxy) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	proxies, err := h.svc.List(r.Context(), clusterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proxies)
}

func (h proxyHandlers) revoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionRevokeProxy) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	if err := h.svc.Revoke(r.Context(), claims.UserID, clusterID, pathVar(r, "pid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
