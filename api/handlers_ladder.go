package api

import (
	"net/http"

	"track-record-engine/ledger"
	"track-record-engine/storage"
)

// handleLadder computes the trust tier. version picks a historical threshold
// set.
func (s *Server) handleLadder(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if _, err := s.deps.Instances.GetInstance(r.Context(), instanceID); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	result, err := s.deps.Ladder.Evaluate(r.Context(), instanceID, r.URL.Query().Get("version"))
	if err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	reg := s.deps.Ladder.Registry()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current":  reg.Current(s.now()).Version,
		"versions": reg.Versions(),
	})
}

type backtestRequest struct {
	HealthScore        float64 `json:"healthScore"`
	MonteCarloSurvival float64 `json:"monteCarloSurvival"`
	TradeCount         int64   `json:"tradeCount"`
}

func (s *Server) handlePutBacktest(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if _, err := s.deps.Instances.GetInstance(r.Context(), instanceID); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	var req backtestRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	if req.MonteCarloSurvival < 0 || req.MonteCarloSurvival > 1 {
		respondWithError(w, s.logger, ledger.NewValidationErrorWithValue("monteCarloSurvival", "must be within [0,1]", req.MonteCarloSurvival))
		return
	}
	if req.TradeCount < 0 {
		respondWithError(w, s.logger, ledger.NewValidationErrorWithValue("tradeCount", "must not be negative", req.TradeCount))
		return
	}

	evidence := storage.BacktestEvidence{
		InstanceID:         instanceID,
		HealthScore:        req.HealthScore,
		MonteCarloSurvival: req.MonteCarloSurvival,
		TradeCount:         req.TradeCount,
		RecordedAt:         s.now().UTC(),
	}
	if err := s.deps.Evidence.SaveBacktestEvidence(r.Context(), evidence); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, evidence)
}

type healthRequest struct {
	SeqNo int64   `json:"seqNo"`
	Score float64 `json:"score"`
}

// handleRecordHealth accepts a live health score from the downstream evaluator.
func (s *Server) handleRecordHealth(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	if _, err := s.deps.Instances.GetInstance(r.Context(), instanceID); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	var req healthRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	score := storage.HealthScore{InstanceID: instanceID, SeqNo: req.SeqNo, Score: req.Score, RecordedAt: s.now().UTC()}
	if err := s.deps.Evidence.RecordHealthScore(r.Context(), score); err != nil {
		respondWithError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, score)
}

