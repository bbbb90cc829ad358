package proofs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"track-record-engine/database"
	models "track-record-engine/database/models_pkg"
	"track-record-engine/storage"
)

// Repository handles shared proof bundles and the public key registry.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new proofs repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// SaveBundle stores a generated bundle.
func (r *Repository) SaveBundle(ctx context.Context, bundle storage.StoredBundle) error {
	row := models.ProofBundle{
		ID:          bundle.ID,
		InstanceID:  bundle.InstanceID,
		Body:        datatypes.JSON(bundle.Body),
		AccessCount: bundle.AccessCount,
		ExpiresAt:   bundle.ExpiresAt,
		CreatedAt:   bundle.CreatedAt.UTC(),
	}
	return database.WrapDBError("SaveBundle", r.db.WithContext(ctx).Create(&row).Error)
}

// OpenBundle loads a bundle and increments its access counter in one transaction.
func (r *Repository) OpenBundle(ctx context.Context, id string) (storage.StoredBundle, error) {
	var row models.ProofBundle
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ProofBundle{}).
			Where("id = ?", id).
			UpdateColumn("access_count", gorm.Expr("access_count + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("id = ?", id).Take(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.StoredBundle{}, database.NewNotFoundErrorWithID("proof bundle", id)
	}
	if err != nil {
		return storage.StoredBundle{}, database.WrapDBError("OpenBundle", err)
	}
	return storage.StoredBundle{
		ID:          row.ID,
		InstanceID:  row.InstanceID,
		Body:        []byte(row.Body),
		CreatedAt:   row.CreatedAt.UTC(),
		ExpiresAt:   row.ExpiresAt,
		AccessCount: row.AccessCount,
	}, nil
}

// DeleteBundle revokes a share.
func (r *Repository) DeleteBundle(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ProofBundle{})
	if res.Error != nil {
		return database.WrapDBError("DeleteBundle", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NewNotFoundErrorWithID("proof bundle", id)
	}
	return nil
}

// UpsertSigningKey publishes a key or updates its status.
func (r *Repository) UpsertSigningKey(ctx context.Context, key storage.SigningKey) error {
	row := models.SigningKey{
		Version:   key.Version,
		Algorithm: key.Algorithm,
		PublicKey: key.PublicKey,
		Status:    key.Status,
		CreatedAt: key.CreatedAt.UTC(),
		RetiredAt: key.RetiredAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "retired_at"}),
	}).Create(&row).Error
	return database.WrapDBError("UpsertSigningKey", err)
}

// ListSigningKeys returns every published key, oldest first.
func (r *Repository) ListSigningKeys(ctx context.Context) ([]storage.SigningKey, error) {
	var rows []models.SigningKey
	if err := r.db.WithContext(ctx).Order("created_at, version").Find(&rows).Error; err != nil {
		return nil, database.WrapDBError("ListSigningKeys", err)
	}
	keys := make([]storage.SigningKey, len(rows))
	for i, row := range rows {
		keys[i] = storage.SigningKey{
			Version:   row.Version,
			Algorithm: row.Algorithm,
			PublicKey: row.PublicKey,
			Status:    row.Status,
			CreatedAt: row.CreatedAt.UTC(),
			RetiredAt: utc(row.RetiredAt),
		}
	}
	return keys, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
