package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"track-record-engine/handlers"
	"track-record-engine/ledger"
	"track-record-engine/proof"
)

const maxBodyBytes = 64 << 20

// getIntParam retrieves an integer query parameter with default value and optional range validation
func getIntParam(r *http.Request, key string, defaultVal int, minVal, maxVal *int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}

	if minVal != nil && val < *minVal {
		return defaultVal
	}
	if maxVal != nil && val > *maxVal {
		return defaultVal
	}

	return val
}

func intPtr(v int) *int { return &v }

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest); err != nil {
		return ledger.NewValidationError("body", "invalid request body: "+err.Error())
	}
	return nil
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error         string `json:"error"`
	LastSeqNo     *int64 `json:"lastSeqNo,omitempty"`
	LastEventHash string `json:"lastEventHash,omitempty"`
	BreakAtSeqNo  int64  `json:"breakAtSeqNo,omitempty"`
	Limit         int64  `json:"limit,omitempty"`
}

// respondWithError maps err to a status and writes it. Internal errors are
// logged and their message is hidden.
func respondWithError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	code := handlers.StatusCode(err)
	if errors.Is(err, proof.ErrExpired) {
		code = http.StatusGone
	}

	body := errorBody{Error: err.Error()}
	var (
		conflict  *ledger.ConflictError
		integrity *ledger.IntegrityError
		capacity  *ledger.CapacityError
	)
	switch {
	case errors.As(err, &conflict):
		body.LastSeqNo = &conflict.LastSeqNo
		body.LastEventHash = conflict.LastEventHash
	case errors.As(err, &integrity):
		body.BreakAtSeqNo = integrity.SeqNo
	case errors.As(err, &capacity):
		body.Limit = capacity.Limit
	}

	if code == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
		body = errorBody{Error: "internal server error"}
	}
	writeJSON(w, code, body)
}
