// Package httpapi implements the versioned REST surface of spec.md §4.6:
// a gorilla/mux router under /api/v1, a fixed JSON error envelope
// ({error:{kind,message,details?}}), and one handler file per entity
// group, each a thin adapter over the already-built entity service layer.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/apperrors"
)

// errorBody is the fixed envelope spec.md §4.6 mandates.
type errorBody struct {
	Kind    apperrors.Kind         `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeJSON writes a 2xx/redirect JSON body.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err onto the fixed envelope and status code. Internal
// errors never leak their underlying cause; only their correlation id
// (already logged by the recovery/logging middleware) is implied by the
// response, never embedded in it.
func writeError(w http.ResponseWriter, err error) {
	se := apperrors.GetServiceError(err)
	if se == nil {
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
			Kind:    apperrors.KindInternal,
			Message: "internal error",
		}})
		return
	}
	message := se.Message
	if se.Kind == apperrors.KindInternal {
		message = "internal error"
	}
	writeJSON(w, se.HTTPStatus, errorEnvelope{Error: errorBody{
		Kind:    se.Kind,
		Message: message,
		Details: se.Details,
	}})
}

// decodeJSON decodes the request body into v, writing a validation error
// and returning false on malformed JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		writeError(w, apperrors.Validation("body", "request body required"))
		return false
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, apperrors.Validation("body", "malformed request body"))
		return false
	}
	return true
}
