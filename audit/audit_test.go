package audit_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"track-record-engine/audit"
	"track-record-engine/checkpoint"
	"track-record-engine/ingest"
	"track-record-engine/ledger"
	"track-record-engine/ledger/ledgertest"
	"track-record-engine/storage"
	"track-record-engine/storage/memstore"
)

const instanceID = "inst-audit"

func seed(t *testing.T, profits ...float64) (*memstore.Store, *checkpoint.Keyring, []ledger.Event) {
	t.Helper()
	store := memstore.New()
	created := time.Unix(ledgertest.BaseTimestamp, 0)
	require.NoError(t, store.CreateInstance(context.Background(), storage.Instance{ID: instanceID, Name: "trend", CreatedAt: created}))
	keyring, err := checkpoint.ParseKeyring("k1=audit-secret", "k1")
	require.NoError(t, err)
	ing, err := ingest.New(store, keyring,
		ingest.WithClock(func() time.Time { return created.Add(time.Hour) }),
		ingest.WithPolicy(checkpoint.Policy{Interval: 2}),
	)
	require.NoError(t, err)
	events := ledgertest.ClosesChain(t, instanceID, profits...)
	for _, e := range events {
		_, err := ing.Ingest(context.Background(), instanceID, ingest.SubmissionFrom(e))
		require.NoError(t, err)
	}
	return store, keyring, events
}

func TestVerifyInstanceValid(t *testing.T) {
	store, keyring, events := seed(t, 10, -4, 7, 2, -1)
	svc := audit.NewService(store, audit.WithSigner(keyring), audit.WithPageSize(2))

	report, err := svc.VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, audit.ModeFull, report.Mode)
	assert.True(t, report.Chain.Valid)
	assert.Equal(t, int64(5), report.Chain.Length)
	assert.Equal(t, events[0].EventHash, report.Chain.FirstEventHash)
	assert.Equal(t, events[4].EventHash, report.Chain.LastEventHash)
	assert.Equal(t, int64(2), report.Checkpoints.Count)
	assert.Equal(t, int64(4), report.Checkpoints.LatestSeqNo)
	assert.True(t, report.Checkpoints.HMACChecked)
	assert.True(t, report.Checkpoints.Verified)
	assert.True(t, report.StateMatches)
}

func TestVerifyEmptyInstance(t *testing.T) {
	store, _, _ := seed(t)
	report, err := audit.NewService(store).VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Zero(t, report.Chain.Length)
	assert.Zero(t, report.Checkpoints.Count)
}

func TestVerifyInstanceDetectsTampering(t *testing.T) {
	store, keyring, events := seed(t, 10, -4, 7, 2, -1)
	tampered := events[2]
	tampered.Payload = json.RawMessage(`{"ticket":3,"symbol":"EURUSD","volume":0.1,"closePrice":1.1,"profit":700}`)
	store.ReplaceEvent(tampered)

	report, err := audit.NewService(store, audit.WithSigner(keyring)).VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.False(t, report.Chain.Valid)
	assert.Equal(t, int64(3), report.Chain.BreakAtSeqNo)
	assert.NotEmpty(t, report.Chain.Error)
}

func TestVerifyInstanceCapacity(t *testing.T) {
	store, _, _ := seed(t, 1, 2, 3, 4)
	_, err := audit.NewService(store, audit.WithMaxChainLength(3)).VerifyInstance(context.Background(), instanceID)
	var capacity *ledger.CapacityError
	require.ErrorAs(t, err, &capacity)
	assert.Equal(t, int64(4), capacity.Length)
	assert.Equal(t, int64(3), capacity.Limit)
}

func TestVerifyInstanceWrongHMACKey(t *testing.T) {
	store, _, _ := seed(t, 10, -4, 7, 2)
	other, err := checkpoint.ParseKeyring("k1=someone-else", "k1")
	require.NoError(t, err)

	report, err := audit.NewService(store, audit.WithSigner(other)).VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.True(t, report.Chain.Valid)
	assert.False(t, report.Checkpoints.Verified)
	assert.NotEmpty(t, report.Checkpoints.Error)
	assert.False(t, report.Verified)

	withoutSigner, err := audit.NewService(store).VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.False(t, withoutSigner.Checkpoints.HMACChecked)
	assert.True(t, withoutSigner.Verified)
}

func TestCorruptedStateRowAndRebuild(t *testing.T) {
	store, keyring, _ := seed(t, 10, -4, 7, 2, -1)
	state, _, err := store.GetState(context.Background(), instanceID)
	require.NoError(t, err)
	corrupted := state
	corrupted.Balance = 1000
	corrupted.WinCount = 9
	store.PutState(corrupted)

	svc := audit.NewService(store, audit.WithSigner(keyring))
	report, err := svc.VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.True(t, report.Chain.Valid)
	assert.False(t, report.StateMatches)
	assert.False(t, report.Verified)

	rebuilt, err := svc.Rebuild(context.Background(), instanceID)
	require.NoError(t, err)
	assert.False(t, rebuilt.InSync)
	assert.Equal(t, state, rebuilt.Recomputed)
	require.Len(t, rebuilt.Drift, 2)
	assert.Equal(t, "balance", rebuilt.Drift[0].Field)
	assert.Equal(t, 1000.0, rebuilt.Drift[0].Stored)
	assert.Equal(t, 14.0, rebuilt.Drift[0].Recomputed)
	assert.Equal(t, "winCount", rebuilt.Drift[1].Field)

	stored, _, err := store.GetState(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, corrupted, stored)
}

func TestRebuildRefusesBrokenChain(t *testing.T) {
	store, _, events := seed(t, 10, -4, 7)
	broken := events[1]
	broken.Timestamp++
	store.ReplaceEvent(broken)

	_, err := audit.NewService(store).Rebuild(context.Background(), instanceID)
	var integrity *ledger.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(2), integrity.SeqNo)
}

func TestVerifyFromCheckpoint(t *testing.T) {
	store, keyring, events := seed(t, 10, -4, 7, 2, -1)
	svc := audit.NewService(store, audit.WithSigner(keyring))

	report, err := svc.VerifyFromCheckpoint(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, audit.ModeCheckpoint, report.Mode)
	assert.True(t, report.Verified)
	assert.Equal(t, int64(4), report.Chain.VerifiedFromSeqNo)
	assert.Equal(t, int64(5), report.Chain.Length)

	tampered := events[4]
	tampered.Timestamp++
	store.ReplaceEvent(tampered)
	report, err = svc.VerifyFromCheckpoint(context.Background(), instanceID)
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.Equal(t, int64(5), report.Chain.BreakAtSeqNo)
}

func TestVerifyFromCheckpointRejectsForgedAnchor(t *testing.T) {
	store, _, _ := seed(t, 10, -4, 7, 2, -1)
	other, err := checkpoint.ParseKeyring("k1=forger", "k1")
	require.NoError(t, err)

	report, err := audit.NewService(store, audit.WithSigner(other)).VerifyFromCheckpoint(context.Background(), instanceID)
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.Equal(t, int64(4), report.Chain.BreakAtSeqNo)
}

func TestVerifyFromCheckpointFallsBack(t *testing.T) {
	store, _, _ := seed(t, 10)
	report, err := audit.NewService(store).VerifyFromCheckpoint(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, audit.ModeFull, report.Mode)
	assert.True(t, report.Verified)
}

type mapCache struct {
	mu      sync.Mutex
	reports map[string]audit.Report
}

func (c *mapCache) GetReport(_ context.Context, key string) (audit.Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[key]
	return r, ok
}

func (c *mapCache) SetReport(_ context.Context, key string, r audit.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[key] = r
	return nil
}

func TestReportsAreCachedByChainHead(t *testing.T) {
	store, keyring, events := seed(t, 10, -4)
	cache := &mapCache{reports: map[string]audit.Report{}}
	svc := audit.NewService(store, audit.WithSigner(keyring), audit.WithCache(cache))

	first, err := svc.VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	_, ok := cache.reports[audit.CacheKey(audit.ModeFull, instanceID, 2, events[1].EventHash)]
	assert.True(t, ok)

	second, err := svc.VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Chain, second.Chain)
}

// appendAfterState commits the next event right after the state row has been
// read, the way a live terminal can between two reads of a verification.
type appendAfterState struct {
	storage.ChainReader
	once   sync.Once
	append func()
}

func (r *appendAfterState) GetState(ctx context.Context, id string) (ledger.State, bool, error) {
	state, found, err := r.ChainReader.GetState(ctx, id)
	r.once.Do(r.append)
	return state, found, err
}

func TestVerifyReadsOneSnapshotWhileIngesting(t *testing.T) {
	profits := []float64{10, -4, 7, 2, -1}
	full := ledgertest.ClosesChain(t, instanceID, profits...)

	for _, mode := range []string{audit.ModeFull, audit.ModeCheckpoint} {
		t.Run(mode, func(t *testing.T) {
			store, keyring, _ := seed(t, profits[:4]...)
			created := time.Unix(ledgertest.BaseTimestamp, 0)
			ing, err := ingest.New(store, keyring, ingest.WithClock(func() time.Time { return created.Add(time.Hour) }))
			require.NoError(t, err)
			reader := &appendAfterState{ChainReader: store, append: func() {
				_, err := ing.Ingest(context.Background(), instanceID, ingest.SubmissionFrom(full[4]))
				require.NoError(t, err)
			}}

			svc := audit.NewService(reader, audit.WithSigner(keyring))
			var report audit.Report
			if mode == audit.ModeFull {
				report, err = svc.VerifyInstance(context.Background(), instanceID)
			} else {
				report, err = svc.VerifyFromCheckpoint(context.Background(), instanceID)
			}
			require.NoError(t, err)
			assert.True(t, report.Chain.Valid)
			assert.Equal(t, int64(4), report.Chain.Length)
			assert.True(t, report.StateMatches)
			assert.True(t, report.Verified)

			count, err := store.CountEvents(context.Background(), instanceID)
			require.NoError(t, err)
			assert.Equal(t, int64(5), count)
		})
	}
}

func TestRebuildReadsOneSnapshotWhileIngesting(t *testing.T) {
	full := ledgertest.ClosesChain(t, instanceID, 1, 2, 3)
	store, keyring, _ := seed(t, 1, 2)
	created := time.Unix(ledgertest.BaseTimestamp, 0)
	ing, err := ingest.New(store, keyring, ingest.WithClock(func() time.Time { return created.Add(time.Hour) }))
	require.NoError(t, err)
	reader := &appendAfterState{ChainReader: store, append: func() {
		_, err := ing.Ingest(context.Background(), instanceID, ingest.SubmissionFrom(full[2]))
		require.NoError(t, err)
	}}

	report, err := audit.NewService(reader).Rebuild(context.Background(), instanceID)
	require.NoError(t, err)
	assert.True(t, report.InSync)
	assert.Equal(t, int64(2), report.Recomputed.LastSeqNo)
}

func TestVerifyDetectsLaggingStateRow(t *testing.T) {
	store, keyring, _ := seed(t, 10, -4, 7)
	state, _, err := store.GetState(context.Background(), instanceID)
	require.NoError(t, err)
	lagging, err := ledger.ReplayUntil(instanceID, ledgertest.ClosesChain(t, instanceID, 10, -4, 7), 2)
	require.NoError(t, err)
	require.Less(t, lagging.LastSeqNo, state.LastSeqNo)
	store.PutState(lagging)

	report, err := audit.NewService(store, audit.WithSigner(keyring)).VerifyInstance(context.Background(), instanceID)
	require.NoError(t, err)
	assert.True(t, report.Chain.Valid)
	assert.False(t, report.StateMatches)
	assert.False(t, report.Verified)
}

type countingReader struct {
	storage.ChainReader
	listCalls int
}

func (r *countingReader) ListEvents(ctx context.Context, id string, afterSeq int64, limit int) ([]ledger.Event, error) {
	r.listCalls++
	return r.ChainReader.ListEvents(ctx, id, afterSeq, limit)
}

func TestVerifyFromCheckpointCapsTailBeforeLoading(t *testing.T) {
	full := ledgertest.ClosesChain(t, instanceID, 1, 2, 3, 4, 5)
	store, keyring, _ := seed(t, 1, 2)
	created := time.Unix(ledgertest.BaseTimestamp, 0)
	ing, err := ingest.New(store, keyring, ingest.WithClock(func() time.Time { return created.Add(time.Hour) }))
	require.NoError(t, err)
	for _, e := range full[2:] {
		_, err := ing.Ingest(context.Background(), instanceID, ingest.SubmissionFrom(e))
		require.NoError(t, err)
	}

	reader := &countingReader{ChainReader: store}
	_, err = audit.NewService(reader, audit.WithSigner(keyring), audit.WithMaxChainLength(2)).VerifyFromCheckpoint(context.Background(), instanceID)
	var capacity *ledger.CapacityError
	require.ErrorAs(t, err, &capacity)
	assert.Equal(t, int64(3), capacity.Length)
	assert.Zero(t, reader.listCalls)

	report, err := audit.NewService(reader, audit.WithSigner(keyring), audit.WithMaxChainLength(3)).VerifyFromCheckpoint(context.Background(), instanceID)
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, int64(2), report.Chain.VerifiedFromSeqNo)
}
