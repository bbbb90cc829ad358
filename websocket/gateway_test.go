package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"track-record-engine/auth"
	"track-record-engine/checkpoint"
	"track-record-engine/handlers"
	"track-record-engine/ingest"
	"track-record-engine/ledger"
	"track-record-engine/ledger/ledgertest"
	"track-record-engine/storage"
	"track-record-engine/storage/memstore"
)

const instanceID = "inst-gw"

func startGateway(t *testing.T) (string, *TerminalGateway, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	created := time.Unix(ledgertest.BaseTimestamp, 0)
	require.NoError(t, store.CreateInstance(context.Background(), storage.Instance{ID: instanceID, CreatedAt: created}))
	keyring, err := checkpoint.ParseKeyring("k1=secret", "k1")
	require.NoError(t, err)
	ing, err := ingest.New(store, keyring, ingest.WithClock(func() time.Time { return created.Add(time.Hour) }))
	require.NoError(t, err)

	hm := handlers.NewHandlerManager(zerolog.Nop())
	hm.RegisterHandler(handlers.NewEventHandler(ing))
	hm.RegisterHandler(handlers.NewStateHandler(store))
	hm.RegisterHandler(handlers.PingHandler{})

	gw := NewTerminalGateway(auth.NewTerminalAuth(map[string]string{"tok": instanceID}), hm, zerolog.Nop(), nil)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), gw, store
}

func dial(t *testing.T, url, token string) *Client {
	t.Helper()
	c := NewClient(url, token)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGatewayIngestsOverWebsocket(t *testing.T) {
	url, gw, store := startGateway(t)
	c := dial(t, url, "tok")
	c.StartPing(10 * time.Millisecond)

	events := ledgertest.ClosesChain(t, instanceID, 10, -4, 7)
	for i, e := range events {
		reply, err := c.Request(handlers.TypeEvent, e.EventHash[:8], ingest.SubmissionFrom(e))
		require.NoError(t, err)
		require.Equal(t, handlers.TypeAck, reply.Type)
		var ack handlers.IngestReply
		require.NoError(t, json.Unmarshal(reply.Data, &ack))
		assert.True(t, ack.Success)
		assert.Equal(t, int64(i+1), ack.LastSeqNo)
	}
	assert.Equal(t, 1, gw.Connections())

	// resend after a lost ack
	reply, err := c.Request(handlers.TypeEvent, "resend", ingest.SubmissionFrom(events[1]))
	require.NoError(t, err)
	var ack handlers.IngestReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.Equal(t, ingest.StatusDuplicateAccepted, ack.Status)
	assert.Equal(t, int64(3), ack.LastSeqNo)

	reply, err = c.Request(handlers.TypeState, "st", nil)
	require.NoError(t, err)
	var state ledger.State
	require.NoError(t, json.Unmarshal(reply.Data, &state))
	stored, _, err := store.GetState(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, stored, state)
	assert.Equal(t, 13.0, state.TotalProfit)
}

func TestGatewayRejectsUnknownToken(t *testing.T) {
	url, _, _ := startGateway(t)
	c := NewClient(url, "wrong")
	err := c.Connect(context.Background())
	require.Error(t, err)

	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws") + "?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayAnswersBadFrames(t *testing.T) {
	url, _, _ := startGateway(t)
	c := dial(t, url, "tok")

	reply, err := c.Request("launch", "x1", nil)
	require.NoError(t, err)
	assert.Equal(t, handlers.TypeError, reply.Type)

	reply, err = c.Request(handlers.TypePing, "x2", nil)
	require.NoError(t, err)
	assert.Equal(t, handlers.TypePong, reply.Type)
}
