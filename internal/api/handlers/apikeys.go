package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariaforge/inferd/internal/auth"
	"github.com/ariaforge/inferd/internal/store"
	"github.com/ariaforge/inferd/pkg/models"
)

// APIKeyHandlers serves /admin/api-keys: provisioning client credentials.
type APIKeyHandlers struct {
	store store.APIKeyStore
}

func NewAPIKeyHandlers(s store.APIKeyStore) *APIKeyHandlers {
	return &APIKeyHandlers{store: s}
}

type createAPIKeyRequest struct {
	Name        string     `json:"name"`
	Scopes      []string   `json:"scopes,omitempty"`
	IPAllowlist []string   `json:"ip_allowlist,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type createAPIKeyResponse struct {
	APIKey models.APIKey `json:"api_key"`
	Token  string        `json:"token"` // only ever returned once, at creation
}

// Create serves POST /admin/api-keys: mints a new key, returning the raw
// token exactly once. Only the bcrypt hash and an 8-char prefix persist.
func (h *APIKeyHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	token, err := generateToken()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "could not generate token")
		return
	}

	hash, err := auth.HashToken(token)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "could not hash token")
		return
	}

	key := &models.APIKey{
		Prefix:      token[:8],
		Hash:        hash,
		Name:        req.Name,
		Scopes:      req.Scopes,
		IPAllowlist: req.IPAllowlist,
		ExpiresAt:   req.ExpiresAt,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: *key, Token: token})
}

// List serves GET /admin/api-keys.
func (h *APIKeyHandlers) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

// Disable serves POST /admin/api-keys/{id}/disable.
func (h *APIKeyHandlers) Disable(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DisableAPIKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		var notFound *store.ErrNotFound
		if errors.As(err, &notFound) {
			respondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// generateToken produces a 40-hex-char random token (20 bytes of
// crypto/rand entropy) — long enough that the 8-char lookup prefix never
// meaningfully narrows the keyspace for an attacker.
func generateToken() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
