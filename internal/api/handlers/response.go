// Package handlers implements the gateway's HTTP surface: the
// OpenAI-compatible client endpoints and the admin model-management API.
// Grounded on the teacher's handler idiom (internal/api/handlers) — a
// shared JSON response envelope, one handler struct per surface holding
// its collaborators, plain http.HandlerFunc methods wired up by the
// router.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// APIError is the shape of every error this gateway returns to a client,
// matching OpenAI's {"error": {...}} envelope so existing SDKs parse it
// without modification.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error APIError `json:"error"`
}

// respondJSON writes v as a JSON body with the given status code.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}

// respondError writes the standard error envelope.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorEnvelope{Error: APIError{Code: code, Message: message}})
}

func decodeJSONBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
