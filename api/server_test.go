package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"track-record-engine/audit"
	"track-record-engine/auth"
	"track-record-engine/checkpoint"
	"track-record-engine/handlers"
	"track-record-engine/ingest"
	"track-record-engine/ladder"
	"track-record-engine/ledger"
	"track-record-engine/ledger/ledgertest"
	"track-record-engine/metrics"
	"track-record-engine/proof"
	"track-record-engine/storage"
	"track-record-engine/storage/memstore"
)

const (
	testInstance = "inst-api"
	testToken    = "terminal-token"
)

var created = time.Unix(ledgertest.BaseTimestamp, 0).UTC()

type testEnv struct {
	srv   *httptest.Server
	store *memstore.Store
	ring  *proof.KeyRing
}

func newEnv(t *testing.T, auditOpts ...audit.Option) *testEnv {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.CreateInstance(context.Background(), storage.Instance{ID: testInstance, Name: "api", CreatedAt: created}))
	clock := func() time.Time { return created.Add(time.Hour) }

	keyring, err := checkpoint.ParseKeyring("k1=api-secret", "k1")
	require.NoError(t, err)
	m := metrics.New()
	ing, err := ingest.New(store, keyring, ingest.WithClock(clock), ingest.WithPolicy(checkpoint.Policy{Interval: 2}), ingest.WithMetrics(m))
	require.NoError(t, err)

	seed := bytes.Repeat([]byte{3}, 32)
	ring, err := proof.NewKeyRing(map[string][]byte{"v1": seed}, "v1")
	require.NoError(t, err)
	require.NoError(t, proof.Publish(context.Background(), store, ring, created))

	auditor := audit.NewService(store, append([]audit.Option{audit.WithSigner(keyring)}, auditOpts...)...)
	ladderSvc, err := ladder.NewService(store, store, auditor, nil, zerolog.Nop())
	require.NoError(t, err)
	ladderSvc.SetClock(func() time.Time { return created.Add(30 * 24 * time.Hour) })

	s := NewServer(Dependencies{
		Instances: store,
		Reader:    store,
		Ingestor:  ing,
		Audit:     auditor,
		Proofs:    proof.NewGenerator(store, ring, store, zerolog.Nop(), m),
		Keys:      store,
		Evidence:  store,
		Ladder:    ladderSvc,
		Terminals: auth.NewTerminalAuth(map[string]string{testToken: testInstance}),
		Metrics:   m,
		Logger:    zerolog.Nop(),
		ShareTTL:  time.Hour,
	})
	s.now = clock
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, ring: ring}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, withToken bool) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if withToken {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (e *testEnv) ingestAll(t *testing.T, events []ledger.Event) {
	t.Helper()
	for _, ev := range events {
		code, body := e.do(t, http.MethodPost, "/api/v1/ingest", ingest.SubmissionFrom(ev), true)
		require.Equal(t, http.StatusCreated, code, string(body))
	}
}

func TestIngestAndQueryState(t *testing.T) {
	env := newEnv(t)
	events := ledgertest.ClosesChain(t, testInstance, 10, -4, 7, 2, -1)

	code, body := env.do(t, http.MethodGet, "/api/v1/terminal/state", nil, true)
	require.Equal(t, http.StatusOK, code)
	var genesis ledger.State
	require.NoError(t, json.Unmarshal(body, &genesis))
	assert.Equal(t, ledger.GenesisHash, genesis.LastEventHash)

	env.ingestAll(t, events)

	// resend of seq 3 after a dropped response
	code, body = env.do(t, http.MethodPost, "/api/v1/ingest", ingest.SubmissionFrom(events[2]), true)
	require.Equal(t, http.StatusOK, code)
	var ack handlers.IngestReply
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, ingest.StatusDuplicateAccepted, ack.Status)
	assert.Equal(t, int64(5), ack.LastSeqNo)

	code, body = env.do(t, http.MethodGet, "/api/v1/instances/"+testInstance+"/state", nil, false)
	require.Equal(t, http.StatusOK, code)
	var state ledger.State
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, 14.0, state.TotalProfit)
	assert.Equal(t, int64(3), state.WinCount)
	assert.Equal(t, int64(2), state.LossCount)

	code, body = env.do(t, http.MethodGet, "/api/v1/instances/"+testInstance+"/events?after=3&limit=10", nil, false)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Events []ledger.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(4), page.Events[0].SeqNo)
}

func TestIngestRejections(t *testing.T) {
	env := newEnv(t)
	events := ledgertest.ClosesChain(t, testInstance, 1, 2)
	env.ingestAll(t, events[:1])

	code, _ := env.do(t, http.MethodPost, "/api/v1/ingest", ingest.SubmissionFrom(events[1]), false)
	assert.Equal(t, http.StatusUnauthorized, code)

	fork := ledgertest.ClosesChain(t, testInstance, 5, 2)
	code, body := env.do(t, http.MethodPost, "/api/v1/ingest", ingest.SubmissionFrom(fork[1]), true)
	assert.Equal(t, http.StatusConflict, code)
	var ack handlers.IngestReply
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.Equal(t, ingest.StatusChainInvalid, ack.Status)
	assert.Equal(t, int64(1), ack.LastSeqNo)
	assert.Equal(t, events[0].EventHash, ack.LastEventHash)

	bad := ingest.SubmissionFrom(events[1])
	bad.EventType = "ORDER_SENT"
	code, _ = env.do(t, http.MethodPost, "/api/v1/ingest", bad, true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestVerifyEndpoint(t *testing.T) {
	env := newEnv(t)
	env.ingestAll(t, ledgertest.ClosesChain(t, testInstance, 10, -4, 7, 2, -1))

	for _, mode := range []string{"", "?mode=checkpoint"} {
		code, body := env.do(t, http.MethodGet, "/api/v1/instances/"+testInstance+"/verify"+mode, nil, false)
		require.Equal(t, http.StatusOK, code)
		var report audit.Report
		require.NoError(t, json.Unmarshal(body, &report))
		assert.True(t, report.Verified, mode)
		assert.Equal(t, int64(5), report.Chain.Length, mode)
	}

	code, _ := env.do(t, http.MethodGet, "/api/v1/instances/missing/verify", nil, false)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := env.do(t, http.MethodGet, "/api/v1/instances/"+testInstance+"/rebuild", nil, false)
	require.Equal(t, http.StatusOK, code)
	var rebuild audit.RebuildReport
	require.NoError(t, json.Unmarshal(body, &rebuild))
	assert.True(t, rebuild.InSync)
}

func TestVerifyCapacity(t *testing.T) {
	env := newEnv(t, audit.WithMaxChainLength(2))
	env.ingestAll(t, ledgertest.ClosesChain(t, testInstance, 1, 2, 3))

	code, body := env.do(t, http.MethodGet, "/api/v1/instances/"+testInstance+"/verify", nil, false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
	var resp errorBody
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, int64(2), resp.Limit)
	assert.Contains(t, resp.Error, "proof bundle")
}

func TestProofLifecycle(t *testing.T) {
	env := newEnv(t)
	env.ingestAll(t, ledgertest.ClosesChain(t, testInstance, 10, -4, 7, 2, -1))

	code, body := env.do(t, http.MethodPost, "/api/v1/instances/"+testInstance+"/proofs?share=true&ttl=1h", nil, false)
	require.Equal(t, http.StatusCreated, code, string(body))
	var exported exportResponse
	require.NoError(t, json.Unmarshal(body, &exported))
	assert.True(t, exported.Shared)
	require.NotNil(t, exported.ExpiresAt)

	code, body = env.do(t, http.MethodGet, "/api/v1/keys", nil, false)
	require.Equal(t, http.StatusOK, code)
	var registry struct {
		Keys []proof.PublicKey `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(body, &registry))
	require.Len(t, registry.Keys, 1)

	// offline check with nothing but the published keys
	offline := proof.Verify(exported.Bundle, registry.Keys)
	assert.True(t, offline.Valid, offline.Errors)

	code, body = env.do(t, http.MethodGet, "/api/v1/proofs/"+exported.Bundle.BundleID, nil, false)
	require.Equal(t, http.StatusOK, code)
	var opened proof.Bundle
	require.NoError(t, json.Unmarshal(body, &opened))

	code, body = env.do(t, http.MethodPost, "/api/v1/proofs/verify", opened, false)
	require.Equal(t, http.StatusOK, code)
	var result proof.VerifyResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Valid)

	opened.FinalState.TotalProfit = 99
	code, body = env.do(t, http.MethodPost, "/api/v1/proofs/verify", opened, false)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Valid)

	code, _ = env.do(t, http.MethodDelete, "/api/v1/proofs/"+exported.Bundle.BundleID, nil, false)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/proofs/"+exported.Bundle.BundleID, nil, false)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestExpiredProofIsGone(t *testing.T) {
	env := newEnv(t)
	env.ingestAll(t, ledgertest.ClosesChain(t, testInstance, 1))

	code, body := env.do(t, http.MethodPost, "/api/v1/instances/"+testInstance+"/proofs?share=true&ttl=1ns", nil, false)
	require.Equal(t, http.StatusCreated, code)
	var exported exportResponse
	require.NoError(t, json.Unmarshal(body, &exported))

	time.Sleep(time.Millisecond)
	code, _ = env.do(t, http.MethodGet, "/api/v1/proofs/"+exported.Bundle.BundleID, nil, false)
	assert.Equal(t, http.StatusGone, code)
}

func TestLadderEndpoints(t *testing.T) {
	env := newEnv(t)
	env.ingestAll(t, ledgertest.ClosesChain(t, testInstance, 1, 2, 3))

	code, _ := env.do(t, http.MethodPut, "/api/v1/instances/"+testInstance+"/backtest", backtestRequest{HealthScore: 80, MonteCarloSurvival: 1.5, TradeCount: 200}, false)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPut, "/api/v1/instances/"+testInstance+"/backtest", backtestRequest{HealthScore: 80, MonteCarloSurvival: 0.9, TradeCount: 200}, false)
	require.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, "/api/v1/instances/"+testInstance+"/health", healthRequest{SeqNo: 3, Score: 75}, false)
	require.Equal(t, http.StatusCreated, code)

	code, body := env.do(t, http.MethodGet, "/api/v1/instances/"+testInstance+"/ladder", nil, false)
	require.Equal(t, http.StatusOK, code)
	var result ladder.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, ladder.Validated, result.Level)
	assert.True(t, result.Input.ChainIntact)
	assert.Equal(t, int64(3), result.Input.LiveTrades)
	assert.NotEmpty(t, result.Blocking)

	code, _ = env.do(t, http.MethodGet, "/api/v1/instances/"+testInstance+"/ladder?version=1999", nil, false)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/ladder/thresholds", nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), ladder.DefaultVersion)
}

func TestInstancesAndHealth(t *testing.T) {
	env := newEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/v1/instances", createInstanceRequest{Name: "fresh"}, false)
	require.Equal(t, http.StatusCreated, code)
	var inst storage.Instance
	require.NoError(t, json.Unmarshal(body, &inst))
	assert.NotEmpty(t, inst.ID)

	code, _ = env.do(t, http.MethodPost, "/api/v1/instances", createInstanceRequest{ID: testInstance}, false)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = env.do(t, http.MethodGet, "/api/v1/instances/"+inst.ID, nil, false)
	assert.Equal(t, http.StatusOK, code)

	code, _ = env.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodGet, "/metrics", nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}
