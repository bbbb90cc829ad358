package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"track-record-engine/checkpoint"
	"track-record-engine/ingest"
	"track-record-engine/ledger"
	"track-record-engine/ledger/ledgertest"
	"track-record-engine/storage"
	"track-record-engine/storage/memstore"
)

const instanceID = "inst-ws"

func newManager(t *testing.T) (*HandlerManager, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	created := time.Unix(ledgertest.BaseTimestamp, 0)
	require.NoError(t, store.CreateInstance(context.Background(), storage.Instance{ID: instanceID, CreatedAt: created}))
	keyring, err := checkpoint.ParseKeyring("k1=secret", "k1")
	require.NoError(t, err)
	ing, err := ingest.New(store, keyring, ingest.WithClock(func() time.Time { return created.Add(time.Hour) }))
	require.NoError(t, err)

	hm := NewHandlerManager(zerolog.Nop())
	hm.RegisterHandler(NewEventHandler(ing))
	hm.RegisterHandler(NewStateHandler(store))
	hm.RegisterHandler(PingHandler{})
	return hm, store
}

func frame(t *testing.T, typ, id string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(Frame{Type: typ, ID: id, Data: raw})
	require.NoError(t, err)
	return out
}

func TestHandleEventFrames(t *testing.T) {
	hm, _ := newManager(t)
	ctx := context.Background()
	events := ledgertest.ClosesChain(t, instanceID, 5, -2)

	reply := hm.HandleMessage(ctx, instanceID, frame(t, TypeEvent, "r1", ingest.SubmissionFrom(events[0])))
	assert.Equal(t, TypeAck, reply.Type)
	assert.Equal(t, "r1", reply.ID)
	ack := reply.Data.(IngestReply)
	assert.True(t, ack.Success)
	assert.Equal(t, ingest.StatusAccepted, ack.Status)
	assert.Equal(t, int64(1), ack.LastSeqNo)

	// skipping seq 2 is a chain conflict, still acknowledged with the head
	skipped := ingest.SubmissionFrom(events[1])
	skipped.SeqNo = 3
	reply = hm.HandleMessage(ctx, instanceID, frame(t, TypeEvent, "r2", skipped))
	assert.Equal(t, TypeAck, reply.Type)
	ack = reply.Data.(IngestReply)
	assert.False(t, ack.Success)
	assert.Equal(t, ingest.StatusChainInvalid, ack.Status)
	assert.Equal(t, events[0].EventHash, ack.LastEventHash)
	assert.NotEmpty(t, ack.Error)
}

func TestHandleStateAndPing(t *testing.T) {
	hm, _ := newManager(t)
	ctx := context.Background()

	reply := hm.HandleMessage(ctx, instanceID, []byte(`{"type":"state","id":"s"}`))
	assert.Equal(t, TypeState, reply.Type)
	state := reply.Data.(ledger.State)
	assert.Equal(t, ledger.GenesisHash, state.LastEventHash)
	assert.Zero(t, state.LastSeqNo)

	reply = hm.HandleMessage(ctx, instanceID, []byte(`{"type":"ping","id":"p"}`))
	assert.Equal(t, Reply{Type: TypePong, ID: "p"}, reply)
}

func TestHandleBadFrames(t *testing.T) {
	hm, _ := newManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"unknown type", `{"type":"order","id":"x"}`},
		{"malformed event", `{"type":"event","id":"x","data":"oops"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := hm.HandleMessage(ctx, instanceID, []byte(tt.raw))
			assert.Equal(t, TypeError, reply.Type)
		})
	}
	assert.Equal(t, []string{TypeEvent, TypePing, TypeState}, hm.ListHandlers())
	hm.UnregisterHandler(TypePing)
	_, ok := hm.GetHandler(TypePing)
	assert.False(t, ok)
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ledger.NewValidationError("seqNo", "must be positive"), http.StatusBadRequest},
		{&ledger.ConflictError{Kind: ledger.ConflictDuplicate}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", &ledger.CapacityError{Length: 10, Limit: 5}), http.StatusRequestEntityTooLarge},
		{&ledger.IntegrityError{SeqNo: 2, Reason: "hash"}, http.StatusUnprocessableEntity},
		{storage.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), "%v", tt.err)
	}
}

func TestIngestReplyHidesInternalErrors(t *testing.T) {
	reply := NewIngestReply(ingest.Outcome{Status: ingest.StatusError}, errors.New("pq: connection refused"))
	assert.Equal(t, "internal error", reply.Error)

	data, err := json.Marshal(NewIngestReply(ingest.Outcome{Status: ingest.StatusAccepted, Success: true, LastSeqNo: 4, LastEventHash: "ab"}, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ACCEPTED","success":true,"lastSeqNo":4,"lastEventHash":"ab"}`, string(data))
}
