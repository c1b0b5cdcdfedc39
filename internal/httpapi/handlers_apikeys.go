package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/modelplane/internal/apikey"
)

// APIKeysCreateHandler handles POST /admin/v1/apikeys — creates a new API key.
func APIKeysCreateHandler(d Dependencies) http.HandlerFunc {
	type createReq struct {
		Name              string   `json:"name"`
		Scopes            []string `json:"scopes"` // empty = all scopes
		Tenant            string   `json:"tenant"`
		MonthlyBudgetEuro float64  `json:"monthly_budget_euro"` // 0 = unlimited
		ExpiresIn         string   `json:"expires_in"`          // duration string, e.g. "720h"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}

		var req createReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			jsonError(w, "name required", http.StatusBadRequest)
			return
		}

		spec := apikey.Spec{
			Name:              req.Name,
			Scopes:            req.Scopes,
			Tenant:            req.Tenant,
			MonthlyBudgetEuro: req.MonthlyBudgetEuro,
		}
		if req.ExpiresIn != "" {
			dur, err := time.ParseDuration(req.ExpiresIn)
			if err != nil {
				jsonError(w, "invalid expires_in duration", http.StatusBadRequest)
				return
			}
			t := time.Now().UTC().Add(dur)
			spec.ExpiresAt = &t
		}

		plaintext, rec, err := d.Keys.Generate(r.Context(), spec)
		if err != nil {
			jsonError(w, "failed to create key: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]any{
			"ok":      true,
			"key":     plaintext,
			"id":      rec.ID,
			"prefix":  rec.KeyPrefix,
			"name":    rec.Name,
			"scopes":  rec.Scopes,
			"warning": "This is the only time the full key will be shown. Store it securely.",
		})
	}
}

// APIKeysListHandler handles GET /admin/v1/apikeys — lists all API keys
// (hashes excluded via json tags).
func APIKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}
		keys, err := d.Keys.List(r.Context())
		if err != nil {
			jsonError(w, "list failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"keys": keys})
	}
}

// APIKeysRotateHandler handles POST /admin/v1/apikeys/{id}/rotate — replaces
// the key material, invalidating the old plaintext immediately.
func APIKeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		plaintext, err := d.Keys.Rotate(r.Context(), id)
		if err != nil {
			jsonError(w, "rotate failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"ok":      true,
			"key":     plaintext,
			"warning": "This is the only time the new key will be shown. Store it securely.",
		})
	}
}

// APIKeysDeleteHandler handles DELETE /admin/v1/apikeys/{id} — revokes a key.
func APIKeysDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "api key management not configured", http.StatusServiceUnavailable)
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Keys.Revoke(r.Context(), id); err != nil {
			jsonError(w, "revoke failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	}
}
