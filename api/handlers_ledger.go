package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"track-record-engine/auth"
	"track-record-engine/handlers"
	"track-record-engine/ingest"
	"track-record-engine/ledger"
	"track-record-engine/storage"
)

const maxEventPage = 1000

// handleHealth returns the health status of the API
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		if err := s.deps.Ping(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createInstanceRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if len(req.ID) > 64 {
		respondWithError(w, s.logger, ledger.NewValidationError("id", "must be at most 64 characters"))
		return
	}

	instance := storage.Instance{ID: req.ID, Name: strings.TrimSpace(req.Name), CreatedAt: s.now().UTC()}
	if err := s.deps.Instances.CreateInstance(r.Context(), instance); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := s.deps.Instances.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

// handleIngest appends one event for the authenticated terminal. Rejections
// carry the committed head so the terminal can resynchronize.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	instanceID, _ := auth.InstanceFromContext(r.Context())

	var sub ingest.Submission
	if err := decodeBody(w, r, &sub); err != nil {
		respondWithError(w, s.logger, err)
		return
	}

	outcome, err := s.deps.Ingestor.Ingest(r.Context(), instanceID, sub)
	code := handlers.StatusCode(err)
	switch {
	case err == nil && outcome.Status == ingest.StatusAccepted:
		code = http.StatusCreated
	case outcome.Status == ingest.StatusRetry:
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, handlers.NewIngestReply(outcome, err))
}

func (s *Server) handleTerminalState(w http.ResponseWriter, r *http.Request) {
	instanceID, _ := auth.InstanceFromContext(r.Context())
	s.writeState(w, r, instanceID)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if _, err := s.deps.Instances.GetInstance(r.Context(), instanceID); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	s.writeState(w, r, instanceID)
}

func (s *Server) writeState(w http.ResponseWriter, r *http.Request, instanceID string) {
	state, err := handlers.CurrentState(r.Context(), s.deps.Reader, instanceID)
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			respondWithError(w, s.logger, ledger.NewValidationErrorWithValue("after", "must be a non-negative integer", v))
			return
		}
		after = parsed
	}
	limit := getIntParam(r, "limit", 100, intPtr(1), intPtr(maxEventPage))

	events, err := s.deps.Reader.ListEvents(r.Context(), instanceID, after, limit)
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instanceId": instanceID,
		"events":     events,
	})
}
