package evidence

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"track-record-engine/database"
	models "track-record-engine/database/models_pkg"
	"track-record-engine/storage"
)

// Repository handles backtest evidence and live health scores.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new evidence repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// SaveBacktestEvidence replaces the backtest evidence of an instance.
func (r *Repository) SaveBacktestEvidence(ctx context.Context, ev storage.BacktestEvidence) error {
	row := models.BacktestEvidence{
		InstanceID:         ev.InstanceID,
		HealthScore:        ev.HealthScore,
		MonteCarloSurvival: ev.MonteCarloSurvival,
		TradeCount:         ev.TradeCount,
		RecordedAt:         ev.RecordedAt.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	return database.WrapDBError("SaveBacktestEvidence", err)
}

// GetBacktestEvidence returns a NotFoundError when nothing was recorded.
func (r *Repository) GetBacktestEvidence(ctx context.Context, instanceID string) (storage.BacktestEvidence, error) {
	var row models.BacktestEvidence
	err := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.BacktestEvidence{}, database.NewNotFoundErrorWithID("backtest evidence", instanceID)
	}
	if err != nil {
		return storage.BacktestEvidence{}, database.WrapDBError("GetBacktestEvidence", err)
	}
	return storage.BacktestEvidence{
		InstanceID:         row.InstanceID,
		HealthScore:        row.HealthScore,
		MonteCarloSurvival: row.MonteCarloSurvival,
		TradeCount:         row.TradeCount,
		RecordedAt:         row.RecordedAt.UTC(),
	}, nil
}

// RecordHealthScore appends one live score.
func (r *Repository) RecordHealthScore(ctx context.Context, score storage.HealthScore) error {
	row := models.HealthScore{
		InstanceID: score.InstanceID,
		SeqNo:      score.SeqNo,
		Score:      score.Score,
		RecordedAt: score.RecordedAt.UTC(),
	}
	return database.WrapDBError("RecordHealthScore", r.db.WithContext(ctx).Create(&row).Error)
}

// GetHealthSummary aggregates the live score history of an instance.
func (r *Repository) GetHealthSummary(ctx context.Context, instanceID string) (storage.HealthSummary, error) {
	var agg struct {
		Count   int64
		Minimum float64
	}
	err := r.db.WithContext(ctx).Model(&models.HealthScore{}).
		Select("COUNT(*) AS count, COALESCE(MIN(score), 0) AS minimum").
		Where("instance_id = ?", instanceID).
		Scan(&agg).Error
	if err != nil {
		return storage.HealthSummary{}, database.WrapDBError("GetHealthSummary", err)
	}
	if agg.Count == 0 {
		return storage.HealthSummary{}, database.NewNotFoundErrorWithID("health score", instanceID)
	}
	var latest models.HealthScore
	err = r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("recorded_at DESC, id DESC").
		Take(&latest).Error
	if err != nil {
		return storage.HealthSummary{}, database.WrapDBError("GetHealthSummary", err)
	}
	return storage.HealthSummary{Latest: latest.Score, Minimum: agg.Minimum, Count: agg.Count}, nil
}
