package api

import (
	"net/http"

	"track-record-engine/audit"
)

// handleVerify verifies an instance. mode=checkpoint verifies only the tail
// after the latest HMAC-valid checkpoint.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if _, err := s.deps.Instances.GetInstance(r.Context(), instanceID); err != nil {
		respondWithError(w, s.logger, err)
		return
	}

	var (
		report audit.Report
		err    error
	)
	if r.URL.Query().Get("mode") == audit.ModeCheckpoint {
		report, err = s.deps.Audit.VerifyFromCheckpoint(r.Context(), instanceID)
	} else {
		report, err = s.deps.Audit.VerifyInstance(r.Context(), instanceID)
	}
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRebuild reports drift between the stored state and a replay. It never
// writes.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Audit.Rebuild(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
