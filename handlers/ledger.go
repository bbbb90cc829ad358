package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"track-record-engine/ingest"
	"track-record-engine/ledger"
	"track-record-engine/storage"
)

// IngestReply is the acknowledgement sent for one event, over HTTP and
// websocket alike.
type IngestReply struct {
	ingest.Outcome
	Error string `json:"error,omitempty"`
}

// NewIngestReply shapes an ingestion result.
func NewIngestReply(outcome ingest.Outcome, err error) IngestReply {
	reply := IngestReply{Outcome: outcome}
	switch {
	case err == nil:
	case outcome.Status == ingest.StatusError:
		reply.Error = "internal error"
	default:
		reply.Error = err.Error()
	}
	return reply
}

// StatusCode maps a domain error to an HTTP status.
func StatusCode(err error) int {
	var (
		validation *ledger.ValidationError
		conflict   *ledger.ConflictError
		capacity   *ledger.CapacityError
		integrity  *ledger.IntegrityError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &capacity):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &integrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Ingester is the write path a terminal drives.
type Ingester interface {
	Ingest(ctx context.Context, instanceID string, sub ingest.Submission) (ingest.Outcome, error)
}

// EventHandler appends one event per frame.
type EventHandler struct {
	ingester Ingester
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(ingester Ingester) *EventHandler {
	return &EventHandler{ingester: ingester}
}

// GetMessageType implements MessageHandler.
func (h *EventHandler) GetMessageType() string { return TypeEvent }

// Handle implements MessageHandler. Rejections are acknowledgements too: the
// terminal needs lastSeqNo and lastEventHash to resynchronize.
func (h *EventHandler) Handle(ctx context.Context, instanceID string, data json.RawMessage) (Reply, error) {
	var sub ingest.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return Reply{}, ledger.NewValidationError("data", "malformed event: "+err.Error())
	}
	outcome, err := h.ingester.Ingest(ctx, instanceID, sub)
	return Reply{Type: TypeAck, Data: NewIngestReply(outcome, err)}, err
}

// StateHandler answers with the current aggregate so a restarted terminal can
// resume from the committed head.
type StateHandler struct {
	reader storage.ChainReader
}

// NewStateHandler creates a StateHandler.
func NewStateHandler(reader storage.ChainReader) *StateHandler {
	return &StateHandler{reader: reader}
}

// GetMessageType implements MessageHandler.
func (h *StateHandler) GetMessageType() string { return TypeState }

// Handle implements MessageHandler.
func (h *StateHandler) Handle(ctx context.Context, instanceID string, _ json.RawMessage) (Reply, error) {
	state, err := CurrentState(ctx, h.reader, instanceID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Type: TypeState, Data: state}, nil
}

// CurrentState returns the stored state, or the genesis state when the
// instance has no events yet.
func CurrentState(ctx context.Context, reader storage.ChainReader, instanceID string) (ledger.State, error) {
	state, found, err := reader.GetState(ctx, instanceID)
	if err != nil {
		return ledger.State{}, err
	}
	if !found {
		return ledger.NewState(instanceID), nil
	}
	return state, nil
}

// PingHandler keeps idle connections alive.
type PingHandler struct{}

// GetMessageType implements MessageHandler.
func (PingHandler) GetMessageType() string { return TypePing }

// Handle implements MessageHandler.
func (PingHandler) Handle(context.Context, string, json.RawMessage) (Reply, error) {
	return Reply{Type: TypePong}, nil
}
