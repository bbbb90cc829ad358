package api

import (
	"net/http"
	"time"

	"track-record-engine/ledger"
	"track-record-engine/proof"
)

type exportResponse struct {
	Bundle    proof.Bundle `json:"bundle"`
	Shared    bool         `json:"shared"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

// handleExportProof generates a signed bundle. share=true also stores it for
// public retrieval; ttl overrides the default share lifetime.
func (s *Server) handleExportProof(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if _, err := s.deps.Instances.GetInstance(r.Context(), instanceID); err != nil {
		respondWithError(w, s.logger, err)
		return
	}

	bundle, err := s.deps.Proofs.Generate(r.Context(), instanceID)
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	resp := exportResponse{Bundle: bundle}

	if r.URL.Query().Get("share") == "true" {
		ttl := s.deps.ShareTTL
		if v := r.URL.Query().Get("ttl"); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed < 0 {
				respondWithError(w, s.logger, ledger.NewValidationErrorWithValue("ttl", "must be a non-negative duration", v))
				return
			}
			ttl = parsed
		}
		stored, err := s.deps.Proofs.Share(r.Context(), bundle, ttl)
		if err != nil {
			respondWithError(w, s.logger, err)
			return
		}
		resp.Shared = true
		resp.ExpiresAt = stored.ExpiresAt
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleOpenProof serves a shared bundle and counts the access.
func (s *Server) handleOpenProof(w http.ResponseWriter, r *http.Request) {
	bundle, stored, err := s.deps.Proofs.Open(r.Context(), r.PathValue("bundleId"))
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	w.Header().Set("X-Access-Count", formatInt(stored.AccessCount))
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleRevokeProof(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Proofs.Revoke(r.Context(), r.PathValue("bundleId")); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVerifyProof checks an uploaded bundle against the published keys.
// It reads nothing from the ledger.
func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var bundle proof.Bundle
	if err := decodeBody(w, r, &bundle); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	keys, err := proof.LoadPublicKeys(r.Context(), s.deps.Keys)
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Proofs.VerifyAndRecord(bundle, keys))
}

// handleListKeys publishes current and retired signing keys.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := proof.LoadPublicKeys(r.Context(), s.deps.Keys)
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}
