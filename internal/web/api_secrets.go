package web

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/mtzanidakis/sminos/internal/store"
)

// Secret values are sealed with the vault before they reach the store
// and are never returned by the API. The daemon opens them itself, for
// model keys referenced by name in the config.

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if secrets == nil {
		secrets = []store.Secret{}
	}

	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, secretToAPI(sec))
	}
	jsonResponse(w, out)
}

func (s *Server) getSecret(w http.ResponseWriter, r *http.Request) {
	sec, err := s.store.GetSecret(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sec == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, secretToAPI(*sec))
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}

	if existing, err := s.store.GetSecretByName(body.Name); err == nil && existing != nil {
		jsonError(w, "secret name already exists", http.StatusConflict)
		return
	}

	ciphertext, nonce, err := s.vault.Seal([]byte(body.Value))
	if err != nil {
		jsonError(w, "seal failed", http.StatusInternalServerError)
		return
	}

	sec := &store.Secret{
		ID:          uuid.New().String(),
		Name:        body.Name,
		Description: body.Description,
		Value:       ciphertext,
		Nonce:       nonce,
	}
	if err := s.store.SaveSecret(sec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, secretToAPI(*sec))
}

func (s *Server) updateSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	existing, err := s.store.GetSecret(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}

	var body struct {
		Description *string `json:"description"`
		Value       *string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Description != nil {
		existing.Description = *body.Description
	}

	// Reseal if a new value was provided
	if body.Value != nil {
		ciphertext, nonce, err := s.vault.Seal([]byte(*body.Value))
		if err != nil {
			jsonError(w, "seal failed", http.StatusInternalServerError)
			return
		}
		existing.Value = ciphertext
		existing.Nonce = nonce
	}

	if err := s.store.SaveSecret(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, secretToAPI(*existing))
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSecret(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func secretToAPI(sec store.Secret) map[string]any {
	return map[string]any{
		"id":          sec.ID,
		"name":        sec.Name,
		"description": sec.Description,
		"created_at":  sec.CreatedAt,
		"updated_at":  sec.UpdatedAt,
	}
}
