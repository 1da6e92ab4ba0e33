package httpapi

import (
	"net/http"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/auth"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/ca"
	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage"
)

type caHandlers struct {
	ca    *ca.Authority
	certs storage.CertificateStore
}

var actionRotateCA = auth.Action{Name: "rotate_ca", ServiceOwnerAllowed: false}
var actionRevokeCert = auth.Action{Name: "revoke_cert", ServiceOwnerAllowed: false}
var actionReadCert = auth.Action{Name: "read_cert", ServiceOwnerAllowed: true}

// list returns every certificate issued to the cluster, current or revoked,
// so cpctl's "cert list" can show an operator what rotate-ca/revoke affect.
func (h caHandlers) list(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionReadCert) != nil {
		writeError(w, apperrors.Forbidden("forbidden"))
		return
	}
	certs, err := h.certs.ListCertificates(r.Context(), clusterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, certs)
}

// rotate starts a new CA generation for the cluster. The response is
// accepted, not completed: for the length of the overlap window (spec.md
// §4.5) the retiring CA's trust anchor stays in the discovery snapshot next
// to the new one. Which proxies have observed the new anchor is not tracked.
func (h caHandlers) rotate(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionRotateCA) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	newCA, err := h.ca.Rotate(r.Context(), clusterID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"ca_id": newCA.ID, "status": string(newCA.Status)})
}

type revokeCertRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h caHandlers) revoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	clusterID := pathVar(r, "id")
	if !ok || auth.Authorize(claims, clusterID, actionRevokeCert) != nil {
		writeError(w, apperrors.Forbidden("administrator role required"))
		return
	}
	var req revokeCertRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	c, err := h.certs.GetCertificate(r.Context(), clusterID, pathVar(r, "sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.ca.Revoke(r.Context(), c, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
