package evidence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"track-record-engine/database/dbtest"
	"track-record-engine/database/evidence"
	"track-record-engine/storage"
)

func TestBacktestEvidenceUpsert(t *testing.T) {
	ctx := context.Background()
	repo := evidence.NewRepository(dbtest.Open(t).DB())

	_, err := repo.GetBacktestEvidence(ctx, "inst-1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	now := time.Now().UTC()
	require.NoError(t, repo.SaveBacktestEvidence(ctx, storage.BacktestEvidence{InstanceID: "inst-1", HealthScore: 55, MonteCarloSurvival: 0.8, TradeCount: 120, RecordedAt: now}))
	require.NoError(t, repo.SaveBacktestEvidence(ctx, storage.BacktestEvidence{InstanceID: "inst-1", HealthScore: 71, MonteCarloSurvival: 0.93, TradeCount: 350, RecordedAt: now}))

	got, err := repo.GetBacktestEvidence(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 71.0, got.HealthScore)
	assert.Equal(t, 0.93, got.MonteCarloSurvival)
	assert.Equal(t, int64(350), got.TradeCount)
}

func TestHealthSummary(t *testing.T) {
	ctx := context.Background()
	repo := evidence.NewRepository(dbtest.Open(t).DB())

	_, err := repo.GetHealthSummary(ctx, "inst-1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, score := range []float64{70, 42, 65} {
		require.NoError(t, repo.RecordHealthScore(ctx, storage.HealthScore{
			InstanceID: "inst-1",
			SeqNo:      int64(i + 1),
			Score:      score,
			RecordedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	summary, err := repo.GetHealthSummary(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 65.0, summary.Latest)
	assert.Equal(t, 42.0, summary.Minimum)
	assert.Equal(t, int64(3), summary.Count)
}
